package coordinator

import (
	"context"
	"fmt"
	"sort"
)

// ReadyTasks computes which consumer tasks have every required producer in
// the completed set. Tasks already completed are excluded; tasks that never
// appear as consumers carry no requirements and are the caller's concern.
// The result is sorted and deduplicated.
func ReadyTasks(deps []Dependency, completed []string) []string {
	done := make(map[string]bool, len(completed))
	for _, task := range completed {
		done[task] = true
	}

	consumers := make(map[string]bool)
	blocked := make(map[string]bool)
	for _, dep := range deps {
		if dep.ConsumerTask == "" || dep.ProducerTask == "" {
			continue
		}
		if done[dep.ConsumerTask] {
			continue
		}
		consumers[dep.ConsumerTask] = true
		if !done[dep.ProducerTask] {
			blocked[dep.ConsumerTask] = true
		}
	}

	ready := make([]string, 0, len(consumers))
	for task := range consumers {
		if !blocked[task] {
			ready = append(ready, task)
		}
	}
	sort.Strings(ready)
	return ready
}

// ReadyTasks queries the dependency provider and computes readiness against
// the coordinator's produced-output set. Dispatchers poll this to admit
// work.
func (c *Coordinator) ReadyTasks(ctx context.Context) ([]string, error) {
	if c.provider == nil {
		return nil, nil
	}
	deps, err := c.provider.Dependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}

	c.mu.Lock()
	completed := make([]string, 0, len(c.produced))
	for task := range c.produced {
		completed = append(completed, task)
	}
	c.mu.Unlock()

	return ReadyTasks(deps, completed), nil
}
