package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness requires the ready flag and every registered dependency up.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu           sync.RWMutex
	dependencies map[string]bool
	listeners    []func(ready bool)
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:    time.Now(),
		dependencies: make(map[string]bool),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	h.notify()
}

// SetDependency records the state of a named dependency (postgres, nats, redis).
func (h *HealthChecker) SetDependency(name string, up bool) {
	h.mu.Lock()
	h.dependencies[name] = up
	h.mu.Unlock()
	h.notify()
}

// OnChange registers a listener called with the readiness after every change.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
	fn(h.IsReady())
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, up := range h.dependencies {
		if !up {
			return false
		}
	}
	return true
}

func (h *HealthChecker) notify() {
	ready := h.IsReady()
	h.mu.RLock()
	listeners := append([]func(bool){}, h.listeners...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(ready)
	}
}

func (h *HealthChecker) dependencyStatus() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.dependencies))
	for name := range h.dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]string, len(names))
	for _, name := range names {
		if h.dependencies[name] {
			out[name] = "up"
		} else {
			out[name] = "down"
		}
	}
	return out
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status, code := "ready", http.StatusOK
	if !h.IsReady() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"dependencies": h.dependencyStatus(),
	})
}
