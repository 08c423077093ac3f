// Package relay mirrors the in-process event bus onto NATS so external
// dispatchers and CLIs can observe coordination state and send agent
// messages without linking the core. The relay is optional; an empty NATS
// URL leaves the process fully self-contained.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/config"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/events/router"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const publisherID = "nats-relay"

// Relay bridges one in-process bus to one NATS connection. Outbound, every
// bus envelope is mirrored as JSON under the subject prefix. Inbound, the
// send.* subjects accept agent messages which are routed onto the bus.
type Relay struct {
	cfg    config.NATSConfig
	bus    *bus.EventBus
	router *router.Router
	logger *logger.Logger

	conn    *nats.Conn
	mirror  *bus.Subscription
	inbound []*nats.Subscription
}

// New connects to NATS with reconnection handling. The router may be nil;
// inbound send subjects are then not subscribed.
func New(cfg config.NATSConfig, b *bus.EventBus, rt *router.Router, log *logger.Logger) (*Relay, error) {
	log = log.WithComponent("nats-relay")

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // buffer outbound events during reconnect
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			} else {
				log.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			} else {
				log.Info("nats connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Error("nats error", zap.String("subject", sub.Subject), zap.Error(err))
			} else {
				log.Error("nats error", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))

	return &Relay{
		cfg:    cfg,
		bus:    b,
		router: rt,
		logger: log,
		conn:   conn,
	}, nil
}

// Start wires the outbound mirror and the inbound send subjects.
func (r *Relay) Start() error {
	sub, err := r.bus.On("**", r.mirrorEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe relay mirror: %w", err)
	}
	r.mirror = sub

	if r.router != nil {
		sends := []struct {
			subject string
			handler nats.MsgHandler
		}{
			{r.cfg.SubjectPrefix + ".send.direct.*", r.handleDirect},
			{r.cfg.SubjectPrefix + ".send.broadcast", r.handleBroadcast},
			{r.cfg.SubjectPrefix + ".send.type.*", r.handleType},
		}
		for _, s := range sends {
			natsSub, err := r.conn.Subscribe(s.subject, s.handler)
			if err != nil {
				r.Close()
				return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
			}
			r.inbound = append(r.inbound, natsSub)
		}
	}

	r.logger.Info("relay started",
		zap.String("subject_prefix", r.cfg.SubjectPrefix),
		zap.Bool("inbound", r.router != nil))
	return nil
}

// mirrorEnvelope republishes one bus envelope to NATS. Failures are logged;
// the in-process delivery already happened and is never affected.
func (r *Relay) mirrorEnvelope(_ context.Context, env *bus.Envelope) (*bus.Result, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope for %s: %w", env.Topic, err)
	}
	subject := subjectFor(r.cfg.SubjectPrefix, env.Topic)
	if err := r.conn.Publish(subject, data); err != nil {
		return nil, fmt.Errorf("failed to mirror %s to %s: %w", env.Topic, subject, err)
	}
	return nil, nil
}

func (r *Relay) handleDirect(msg *nats.Msg) {
	agentID := strings.TrimPrefix(msg.Subject, r.cfg.SubjectPrefix+".send.direct.")
	if agentID == "" || strings.Contains(agentID, ".") {
		r.logger.Warn("ignoring direct send with bad agent id", zap.String("subject", msg.Subject))
		return
	}
	payload, err := decodePayload(msg.Data)
	if err != nil {
		r.logger.Error("failed to decode direct message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if _, err := r.router.SendDirect(context.Background(), agentID, payload, bus.WithPublisher(publisherID)); err != nil {
		r.logger.Error("failed to route direct message", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (r *Relay) handleBroadcast(msg *nats.Msg) {
	payload, err := decodePayload(msg.Data)
	if err != nil {
		r.logger.Error("failed to decode broadcast", zap.Error(err))
		return
	}
	if _, err := r.router.Broadcast(context.Background(), payload, bus.WithPublisher(publisherID)); err != nil {
		r.logger.Error("failed to route broadcast", zap.Error(err))
	}
}

func (r *Relay) handleType(msg *nats.Msg) {
	agentType := strings.TrimPrefix(msg.Subject, r.cfg.SubjectPrefix+".send.type.")
	if agentType == "" || strings.Contains(agentType, ".") {
		r.logger.Warn("ignoring typed send with bad agent type", zap.String("subject", msg.Subject))
		return
	}
	payload, err := decodePayload(msg.Data)
	if err != nil {
		r.logger.Error("failed to decode typed message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if _, err := r.router.SendToType(context.Background(), v1.AgentType(agentType), payload, bus.WithPublisher(publisherID)); err != nil {
		r.logger.Error("failed to route typed message", zap.String("agent_type", agentType), zap.Error(err))
	}
}

// Close removes the bus mirror and inbound subscriptions, then drains the
// connection so buffered outbound events flush before the socket closes.
func (r *Relay) Close() {
	if r.mirror != nil {
		r.mirror.Unsubscribe()
		r.mirror = nil
	}
	for _, sub := range r.inbound {
		if sub.IsValid() {
			if err := sub.Unsubscribe(); err != nil {
				r.logger.Warn("failed to unsubscribe inbound subject", zap.Error(err))
			}
		}
	}
	r.inbound = nil

	if r.conn != nil {
		if err := r.conn.Drain(); err != nil {
			r.logger.Warn("failed to drain nats connection", zap.Error(err))
			r.conn.Close()
		}
		r.logger.Info("relay closed")
	}
}

// IsConnected reports whether the NATS connection is live.
func (r *Relay) IsConnected() bool {
	return r.conn != nil && r.conn.IsConnected()
}

// subjectFor maps a bus topic to its NATS subject: topic segments keep
// their order, ':' becomes the NATS '.' separator, all under the prefix.
func subjectFor(prefix, topic string) string {
	if prefix == "" {
		return strings.ReplaceAll(topic, ":", ".")
	}
	return prefix + "." + strings.ReplaceAll(topic, ":", ".")
}

func decodePayload(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
