package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	ComponentStatus map[string]string `json:"component_status"`
}

// Check reports whether a component is usable.
type Check func(ctx context.Context) error

// Health aggregates component checks into one status document.
type Health struct {
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealth() *Health {
	return &Health{
		startTime: time.Now(),
		checks:    make(map[string]Check),
	}
}

func (h *Health) Register(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Status runs every registered check.
func (h *Health) Status(ctx context.Context) HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := HealthStatus{
		Status:          "ok",
		Uptime:          time.Since(h.startTime).Round(time.Second).String(),
		StartTime:       h.startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		ComponentStatus: make(map[string]string),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status.ComponentStatus[name] = "unhealthy: " + err.Error()
			status.Status = "degraded"
		} else {
			status.ComponentStatus[name] = "healthy"
		}
	}
	return status
}

func (h *Health) Handler(w http.ResponseWriter, r *http.Request) {
	status := h.Status(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
