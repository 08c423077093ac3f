// Package main is the unified entry point for Foreman.
// This single binary runs the full coordination core with shared
// infrastructure. The server exposes HTTP introspection and WebSocket
// endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	// Common packages
	"github.com/foremanhq/foreman/internal/common/config"
	"github.com/foremanhq/foreman/internal/common/httpmw"
	"github.com/foremanhq/foreman/internal/common/logger"

	// Durable store
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/store/migrate"

	// Event bus, routing and relay
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/events/relay"
	"github.com/foremanhq/foreman/internal/events/router"

	// Agent lifecycle
	"github.com/foremanhq/foreman/internal/agent/lifecycle"
	"github.com/foremanhq/foreman/internal/agent/recovery"

	// Memory-log monitoring pipeline
	"github.com/foremanhq/foreman/internal/monitor/bridge"
	"github.com/foremanhq/foreman/internal/monitor/debounce"
	"github.com/foremanhq/foreman/internal/monitor/watcher"

	// Completion detection
	"github.com/foremanhq/foreman/internal/completion/poller"
	"github.com/foremanhq/foreman/internal/completion/updater"

	// Cross-agent coordination
	"github.com/foremanhq/foreman/internal/coordinator"

	// Introspection surfaces
	"github.com/foremanhq/foreman/internal/api"
	gateway "github.com/foremanhq/foreman/internal/gateway/websocket"
	"github.com/foremanhq/foreman/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Foreman...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the durable store and bring the schema current
	st, err := store.Open(cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	migrator, err := migrate.New(st, log)
	if err != nil {
		log.Fatal("Failed to initialize migrator", zap.Error(err))
	}
	if err := migrator.Up(ctx); err != nil {
		log.Fatal("Failed to migrate store", zap.Error(err))
	}
	log.Info("Store ready", zap.String("driver", cfg.Store.Driver))

	// 5. Initialize event bus and routing
	eventBus := bus.NewEventBus(log)
	messageRouter := router.NewRouter(eventBus, log)
	subscriptions := router.NewSubscriptionManager(eventBus, log)

	// ============================================
	// AGENT LIFECYCLE
	// ============================================
	log.Info("Initializing agent lifecycle...")

	lifecycleMgr := lifecycle.NewManager(st, log)

	recoveryMgr := recovery.NewManager(lifecycleMgr, recovery.Config{
		ScanInterval:     cfg.Recovery.ScanInterval(),
		HeartbeatTimeout: cfg.Recovery.HeartbeatTimeout(),
		MaxRetryAttempts: cfg.Recovery.MaxRetryAttempts,
	}, eventBus, log)
	recoveryMgr.Start(ctx)

	log.Info("Agent lifecycle initialized",
		zap.Duration("recovery_scan_interval", cfg.Recovery.ScanInterval()))

	// ============================================
	// MEMORY-LOG PIPELINE
	// ============================================
	log.Info("Initializing memory-log pipeline...")

	debouncer := debounce.New(debounce.Config{
		Delay:            cfg.Debounce.Delay(),
		CriticalPatterns: cfg.Debounce.CriticalPatterns,
	}, eventBus, log)
	if err := debouncer.Start(); err != nil {
		log.Fatal("Failed to start debouncer", zap.Error(err))
	}

	stateBridge := bridge.New(bridge.Config{
		QueueSize:        cfg.Bridge.QueueSize,
		ReplayBufferSize: cfg.Bridge.ReplayBufferSize,
		Concurrent:       cfg.Bridge.Concurrent,
	}, eventBus, log)
	if err := stateBridge.Start(); err != nil {
		log.Fatal("Failed to start state bridge", zap.Error(err))
	}

	var fileWatcher *watcher.Watcher
	if cfg.Watcher.Dir != "" {
		fileWatcher = watcher.New(watcher.Config{
			Dir:                    cfg.Watcher.Dir,
			StabilityThreshold:     cfg.Watcher.StabilityThreshold(),
			RestartDelay:           cfg.Watcher.RestartDelay(),
			MaxConsecutiveFailures: cfg.Watcher.MaxConsecutiveFailures,
		}, eventBus, log)
		if err := fileWatcher.Start(ctx); err != nil {
			log.Fatal("Failed to start file watcher", zap.Error(err))
		}
		log.Info("Watching memory logs", zap.String("dir", cfg.Watcher.Dir))
	} else {
		log.Info("File watcher disabled (no watcher.dir configured)")
	}

	// ============================================
	// COMPLETION DETECTION
	// ============================================
	log.Info("Initializing completion detection...")

	taskPoller := poller.New(poller.Config{
		ActiveInterval:    time.Duration(cfg.Poller.ActiveIntervalMs) * time.Millisecond,
		QueuedInterval:    time.Duration(cfg.Poller.QueuedIntervalMs) * time.Millisecond,
		CompletedInterval: time.Duration(cfg.Poller.CompletedIntervalMs) * time.Millisecond,
		RetryDelays:       cfg.Poller.RetryDelays(),
		MaxRetries:        cfg.Poller.MaxRetries,
	}, eventBus, log)
	if err := taskPoller.Start(); err != nil {
		log.Fatal("Failed to start completion poller", zap.Error(err))
	}

	statusUpdater := updater.New(updater.Config{}, st, lifecycleMgr, eventBus, log)
	if err := statusUpdater.Start(); err != nil {
		log.Fatal("Failed to start status updater", zap.Error(err))
	}
	log.Info("Completion detection initialized")

	// ============================================
	// CROSS-AGENT COORDINATION
	// ============================================
	log.Info("Initializing coordinator...")

	coord := coordinator.New(coordinator.Config{
		EventLogLimit: cfg.Coordinator.EventLogLimit,
	}, nil, eventBus, log)

	// Completions committed before a restart count as produced outputs, so
	// handoffs created against them promote straight to Ready.
	completions, err := statusUpdater.ListCompletions(ctx)
	if err != nil {
		log.Fatal("Failed to load completion baseline", zap.Error(err))
	}
	completed := make([]string, 0, len(completions))
	for _, completion := range completions {
		completed = append(completed, completion.TaskID)
	}
	if err := coord.Initialize(ctx, completed); err != nil {
		log.Fatal("Failed to initialize coordinator", zap.Error(err))
	}
	if err := coord.Start(); err != nil {
		log.Fatal("Failed to start coordinator", zap.Error(err))
	}
	log.Info("Coordinator initialized", zap.Int("completed_baseline", len(completed)))

	// ============================================
	// NATS RELAY (optional)
	// ============================================
	var natsRelay *relay.Relay
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsRelay, err = relay.New(cfg.NATS, eventBus, messageRouter, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		if err := natsRelay.Start(); err != nil {
			log.Fatal("Failed to start NATS relay", zap.Error(err))
		}
		log.Info("NATS relay started", zap.String("subject_prefix", cfg.NATS.SubjectPrefix))
	} else {
		log.Info("NATS relay disabled (no nats.url configured)")
	}

	// ============================================
	// HTTP SERVER (introspection + WebSocket)
	// ============================================
	var server *http.Server
	if cfg.Server.Enabled || cfg.Gateway.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		engine := gin.New()
		engine.Use(gin.Recovery())
		engine.Use(corsMiddleware())
		engine.Use(httpmw.RequestLogger(log, "foreman"))
		engine.Use(httpmw.OtelTracing("foreman"))

		if cfg.Server.Enabled {
			api.SetupRoutes(engine, api.Deps{
				Bus:         eventBus,
				Agents:      lifecycleMgr,
				Recovery:    recoveryMgr,
				Completions: statusUpdater,
				Handoffs:    coord,
				Poller:      taskPoller,
				Bridge:      stateBridge,
			}, log)
			log.Info("Introspection API registered", zap.String("base", "/api/v1"))
		}

		if cfg.Gateway.Enabled {
			hub := gateway.NewHub(gateway.Config{SendBuffer: cfg.Gateway.SendBuffer}, subscriptions, log)
			go hub.Run(ctx)
			gateway.NewHandler(hub, log).Register(engine)
			log.Info("WebSocket gateway registered", zap.String("endpoint", "/ws"))
		}

		server = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		}

		go func() {
			log.Info("HTTP server listening", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal("Failed to start server", zap.Error(err))
			}
		}()
	} else {
		log.Info("HTTP surfaces disabled (server and gateway both off)")
	}

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Foreman...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if natsRelay != nil {
		natsRelay.Close()
	}
	coord.Stop()
	statusUpdater.Stop()
	taskPoller.Stop()
	if fileWatcher != nil {
		fileWatcher.Stop()
	}
	stateBridge.Stop()
	debouncer.Stop()
	recoveryMgr.Stop()
	eventBus.Shutdown()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Foreman stopped")
}
