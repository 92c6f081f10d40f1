// Package metrics implements the counters SPEC_FULL.md §4.7/§3
// attaches to every service: request/response/error/timeout counts, payload
// byte totals, and processing-time sum/max/min, plus a Prometheus collector
// and host resource snapshot, grounded on adred-codev-ws_poc's
// internal/metrics packages.
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// unsetMin is the sentinel durationNanos value meaning "no sample yet" (§3
// "reset restores counters to zero and min to 'unset'").
const unsetMin = uint64(math.MaxUint64)

// ServiceCounters holds the atomic counters tracked per service name, and
// also used for the process-wide totals (§3 Metrics snapshot).
type ServiceCounters struct {
	requests      uint64
	responses     uint64
	errors        uint64
	timeoutErrors uint64
	bytesSent     uint64
	bytesReceived uint64

	durationSumNanos uint64
	durationMaxNanos uint64
	durationMinNanos uint64
}

// Snapshot is a point-in-time, race-free copy of a ServiceCounters.
type Snapshot struct {
	Requests      uint64
	Responses     uint64
	Errors        uint64
	TimeoutErrors uint64
	BytesSent     uint64
	BytesReceived uint64

	DurationSum time.Duration
	DurationMax time.Duration
	DurationMin time.Duration // zero if no response has been recorded yet
}

func newServiceCounters() *ServiceCounters {
	return &ServiceCounters{durationMinNanos: unsetMin}
}

func (c *ServiceCounters) IncRequests()         { atomic.AddUint64(&c.requests, 1) }
func (c *ServiceCounters) IncResponses()        { atomic.AddUint64(&c.responses, 1) }
func (c *ServiceCounters) IncErrors()           { atomic.AddUint64(&c.errors, 1) }
func (c *ServiceCounters) IncTimeoutErrors()    { atomic.AddUint64(&c.timeoutErrors, 1) }
func (c *ServiceCounters) AddBytesSent(n int)   { atomic.AddUint64(&c.bytesSent, uint64(n)) }
func (c *ServiceCounters) AddBytesReceived(n int) {
	atomic.AddUint64(&c.bytesReceived, uint64(n))
}

// RecordDuration folds d into the running sum/max/min via CAS loops (§4.7
// "atomic RMW for counters and CAS loops for max/min").
func (c *ServiceCounters) RecordDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	n := uint64(d)
	atomic.AddUint64(&c.durationSumNanos, n)
	casMax(&c.durationMaxNanos, n)
	casMin(&c.durationMinNanos, n)
}

func casMax(addr *uint64, n uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if n <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, n) {
			return
		}
	}
}

func casMin(addr *uint64, n uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if cur != unsetMin && n >= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, n) {
			return
		}
	}
}

func (c *ServiceCounters) Snapshot() Snapshot {
	min := atomic.LoadUint64(&c.durationMinNanos)
	if min == unsetMin {
		min = 0
	}
	return Snapshot{
		Requests:      atomic.LoadUint64(&c.requests),
		Responses:     atomic.LoadUint64(&c.responses),
		Errors:        atomic.LoadUint64(&c.errors),
		TimeoutErrors: atomic.LoadUint64(&c.timeoutErrors),
		BytesSent:     atomic.LoadUint64(&c.bytesSent),
		BytesReceived: atomic.LoadUint64(&c.bytesReceived),
		DurationSum:   time.Duration(atomic.LoadUint64(&c.durationSumNanos)),
		DurationMax:   time.Duration(atomic.LoadUint64(&c.durationMaxNanos)),
		DurationMin:   time.Duration(min),
	}
}

// Reset restores every counter to zero and min to "unset" (§3).
func (c *ServiceCounters) Reset() {
	atomic.StoreUint64(&c.requests, 0)
	atomic.StoreUint64(&c.responses, 0)
	atomic.StoreUint64(&c.errors, 0)
	atomic.StoreUint64(&c.timeoutErrors, 0)
	atomic.StoreUint64(&c.bytesSent, 0)
	atomic.StoreUint64(&c.bytesReceived, 0)
	atomic.StoreUint64(&c.durationSumNanos, 0)
	atomic.StoreUint64(&c.durationMaxNanos, 0)
	atomic.StoreUint64(&c.durationMinNanos, unsetMin)
}
