// Package health runs named component checks and serves liveness and
// readiness probes for the ctxt admin endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status is the state of one component or of the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is the outcome of one check.
type Result struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Check inspects one component.
type Check func(ctx context.Context) Result

type component struct {
	critical bool
	check    Check
	timeout  time.Duration
}

// Checker holds the registered components and their last results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]component
	results    map[string]Result
	started    time.Time
	ready      bool
}

// NewChecker creates an empty Checker. It reports not ready until SetReady.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]component),
		results:    make(map[string]Result),
		started:    time.Now(),
	}
}

// Register adds a component. A failing critical component makes the whole
// server unhealthy; a failing optional one only degrades it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{critical: critical, check: check, timeout: 3 * time.Second}
	c.results[name] = Result{Status: StatusUnknown}
}

// SetReady flips the readiness probe.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// Ready reports the readiness flag.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes every check concurrently and records the results.
func (c *Checker) Run(ctx context.Context) map[string]Result {
	c.mu.RLock()
	comps := make(map[string]component, len(c.components))
	for k, v := range c.components {
		comps[k] = v
	}
	c.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]Result, len(comps))
	)
	for name, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := runOne(ctx, comp)
			mu.Lock()
			out[name] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for k, v := range out {
		if _, still := c.components[k]; still {
			c.results[k] = v
		}
	}
	c.mu.Unlock()
	return out
}

func runOne(ctx context.Context, comp component) Result {
	ctx, cancel := context.WithTimeout(ctx, comp.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(p)}
			}
		}()
		done <- comp.check(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	r.CheckedAt = start
	r.Duration = time.Since(start)
	return r
}

// Overall folds the last results into one status.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, r := range c.results {
		critical := c.components[name].critical
		switch {
		case r.Status == StatusUnhealthy && critical:
			return StatusUnhealthy
		case r.Status == StatusUnknown && critical:
			status = StatusUnknown
		case r.Status == StatusUnhealthy || r.Status == StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// Report is the body of the /health endpoint.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components"`
}

// Report runs every check and summarizes them.
func (c *Checker) Report(ctx context.Context) Report {
	results := c.Run(ctx)
	c.mu.RLock()
	uptime := time.Since(c.started).Round(time.Second)
	c.mu.RUnlock()
	return Report{Status: c.Overall(), Ready: c.Ready(), Uptime: uptime.String(), Components: results}
}

// Names lists registered components in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for k := range c.components {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process runs.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
	})
}

// ReadinessHandler answers 503 until the listener is up or while a critical
// component fails.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
			return
		}
		c.Run(r.Context())
		status := c.Overall()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true})
	})
}

// Handler serves the full Report.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context())
		code := http.StatusOK
		if rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
}

// PingCheck adapts a Ping method, as found on the journal and the feed.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return Result{Status: StatusHealthy}
	}
}

// WritableDirCheck verifies that files can be created in dir.
func WritableDirCheck(dir string) Check {
	return func(context.Context) Result {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return Result{Status: StatusUnhealthy, Message: "directory not writable", Error: err.Error()}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return Result{Status: StatusHealthy, Message: filepath.Clean(dir)}
	}
}
