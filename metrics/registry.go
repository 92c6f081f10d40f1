package metrics

import (
	"sync"
	"time"
)

// RpcMetrics tracks per-service and process-wide counters. Unknown service
// names are auto-created on first touch with a zeroed ServiceCounters, so
// reading a snapshot before any traffic for a service is defined behavior
// rather than a missing-key error.
type RpcMetrics struct {
	mu       sync.RWMutex
	services map[string]*ServiceCounters
	global   *ServiceCounters
}

// New builds an empty RpcMetrics.
func New() *RpcMetrics {
	return &RpcMetrics{
		services: make(map[string]*ServiceCounters),
		global:   newServiceCounters(),
	}
}

func (m *RpcMetrics) forService(service string) *ServiceCounters {
	m.mu.RLock()
	c, ok := m.services[service]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.services[service]; ok {
		return c
	}
	c = newServiceCounters()
	m.services[service] = c
	return c
}

func (m *RpcMetrics) RecordRequest(service string, bytes int) {
	m.forService(service).IncRequests()
	m.forService(service).AddBytesSent(bytes)
	m.global.IncRequests()
	m.global.AddBytesSent(bytes)
}

// RecordResponse increments the response counter, adds bytes received, and
// folds duration into the running processing-time sum/max/min (§3
// "record_response(bytes, duration)").
func (m *RpcMetrics) RecordResponse(service string, bytes int, duration time.Duration) {
	svc := m.forService(service)
	svc.IncResponses()
	svc.AddBytesReceived(bytes)
	svc.RecordDuration(duration)
	m.global.IncResponses()
	m.global.AddBytesReceived(bytes)
	m.global.RecordDuration(duration)
}

func (m *RpcMetrics) RecordError(service string) {
	m.forService(service).IncErrors()
	m.global.IncErrors()
}

func (m *RpcMetrics) RecordTimeout(service string) {
	m.forService(service).IncTimeoutErrors()
	m.global.IncTimeoutErrors()
}

// Reset restores every tracked service's counters, and the global totals,
// to zero (min to "unset"), per §3's `reset` operation.
func (m *RpcMetrics) Reset() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.services {
		c.Reset()
	}
	m.global.Reset()
}

// Snapshot returns the current counters for service, zeroed if it has never
// been touched.
func (m *RpcMetrics) Snapshot(service string) Snapshot {
	return m.forService(service).Snapshot()
}

// GlobalSnapshot returns the process-wide totals across all services.
func (m *RpcMetrics) GlobalSnapshot() Snapshot {
	return m.global.Snapshot()
}

// Services lists every service name that has been touched so far.
func (m *RpcMetrics) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.services))
	for name := range m.services {
		out = append(out, name)
	}
	return out
}
