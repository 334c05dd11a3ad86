// Package health runs the dependency checks behind /health and
// /health/ready.
package health

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 3 * time.Second

// Status is the result of one check.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Check reports a dependency's health as an error.
type Check func(ctx context.Context) error

// Registry holds named checks. A failing critical check makes the service
// unhealthy; a failing non-critical one only shows up in the details.
type Registry struct {
	mu      sync.RWMutex
	checks  []namedCheck
	timeout time.Duration
}

type namedCheck struct {
	name     string
	critical bool
	check    Check
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a check.
func (r *Registry) Register(name string, critical bool, check Check) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check concurrently, each under the registry timeout,
// and returns the aggregate result with per-check statuses in registration
// order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Add(1)
		go func(i int, nc namedCheck) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st := Status{Name: nc.name, Critical: nc.critical, Healthy: true}
			if err := nc.check(cctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping checks a database connection pool.
func Ping(p Pinger) Check {
	return p.PingContext
}

// Running checks a background loop that reports its own liveness.
func Running(running func() bool) Check {
	return func(context.Context) error {
		if !running() {
			return errors.New("not running")
		}
		return nil
	}
}
