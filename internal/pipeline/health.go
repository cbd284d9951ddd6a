package pipeline

import (
	"sync"
	"time"
)

// Health tracks per-collaborator outcome history for the health
// endpoint.
type Health struct {
	mu       sync.Mutex
	services map[string]*serviceHealth
}

type serviceHealth struct {
	Configured  bool      `json:"configured"`
	Healthy     bool      `json:"healthy"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

func NewHealth() *Health {
	return &Health{services: make(map[string]*serviceHealth)}
}

// SetConfigured declares a collaborator and whether it is wired at all.
func (h *Health) SetConfigured(name string, configured bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.service(name).Configured = configured
}

func (h *Health) ok(name string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.service(name)
	s.Healthy = true
	s.LastSuccess = at
}

func (h *Health) fail(name string, err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.service(name)
	s.Healthy = false
	s.LastError = err.Error()
	s.LastErrorAt = at
}

// Snapshot returns a copy for JSON serialization.
func (h *Health) Snapshot() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]any, len(h.services))
	for name, s := range h.services {
		cp := *s
		out[name] = cp
	}
	return out
}

func (h *Health) service(name string) *serviceHealth {
	s, ok := h.services[name]
	if !ok {
		s = &serviceHealth{}
		h.services[name] = s
	}
	return s
}
