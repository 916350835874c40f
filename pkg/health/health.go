// Package health tracks readiness and serves liveness and readiness
// endpoints. Readiness also runs dependency probes such as a database
// ping.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// defaultProbeTimeout bounds all probes of one readiness request.
const defaultProbeTimeout = 2 * time.Second

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// InfoFunc reports diagnostic values included in readiness responses.
type InfoFunc func() any

// Checker tracks the readiness state of the server.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu     sync.RWMutex
	probes map[string]Probe
	info   map[string]InfoFunc

	probeTimeout time.Duration
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{
		probes:       make(map[string]Probe),
		info:         make(map[string]InfoFunc),
		probeTimeout: defaultProbeTimeout,
	}
}

// AddProbe registers a dependency probe run on every readiness check.
func (c *Checker) AddProbe(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// AddInfo registers a diagnostic value reported on readiness checks.
func (c *Checker) AddInfo(name string, f InfoFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[name] = f
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// Check runs every probe concurrently and returns the failures by name.
func (c *Checker) Check(ctx context.Context) map[string]string {
	c.mu.RLock()
	probes := maps.Clone(c.probes)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = make(map[string]string)
	)
	for name, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p(ctx); err != nil {
				mu.Lock()
				failures[name] = err.Error()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failures
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Info   map[string]any    `json:"info,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and every probe passes, and 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: c.State(), Info: c.collectInfo()}
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}

		failures := c.Check(r.Context())
		if len(failures) > 0 {
			resp.Status = "degraded"
			resp.Checks = failures
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (c *Checker) collectInfo() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.info) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.info))
	for _, name := range slices.Sorted(maps.Keys(c.info)) {
		out[name] = c.info[name]()
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
