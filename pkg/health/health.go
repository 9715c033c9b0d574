// Package health runs named readiness probes in parallel.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Probe reports nil when its dependency is usable.
type Probe func(ctx context.Context) error

type Status struct {
	Healthy   bool              `json:"healthy"`
	CheckedAt time.Time         `json:"checked_at"`
	Checks    map[string]string `json:"checks"`
	Issues    []string          `json:"issues,omitempty"`
}

// Checker holds the probes the health endpoint runs.
type Checker struct {
	timeout time.Duration
	mu      sync.RWMutex
	probes  map[string]Probe
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout, probes: make(map[string]Probe)}
}

// Register adds or replaces the probe called name.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// Check runs every probe concurrently under one deadline. A probe that
// panics or does not answer in time counts as failed.
func (c *Checker) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(probes))
		wg      sync.WaitGroup
	)
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			err := run(ctx, p)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	status := Status{Healthy: true, CheckedAt: time.Now().UTC(), Checks: make(map[string]string, len(probes))}
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		err, finished := results[name]
		if !finished {
			err = fmt.Errorf("timed out after %s", c.timeout)
		}
		if err != nil {
			status.Healthy = false
			status.Checks[name] = "fail"
			status.Issues = append(status.Issues, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		status.Checks[name] = "ok"
	}
	return status
}

func run(ctx context.Context, p Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p(ctx)
}
