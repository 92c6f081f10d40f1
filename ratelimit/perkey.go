package ratelimit

import "sync"

// PerKeyLimiter holds one TokenBucket per resolved service name, so a
// client engine shared across services admits each independently. It is
// deliberately not sharded by arbitrary client identity (see DESIGN.md) —
// only by the small, bounded set of service names a client engine talks
// to.
type PerKeyLimiter struct {
	ratePerSecond   float64
	maxBurstSeconds float64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewPerKeyLimiter builds a PerKeyLimiter; every service name gets its own
// bucket lazily, configured with the same rate/burst.
func NewPerKeyLimiter(ratePerSecond, maxBurstSeconds float64) *PerKeyLimiter {
	return &PerKeyLimiter{
		ratePerSecond:   ratePerSecond,
		maxBurstSeconds: maxBurstSeconds,
		buckets:         make(map[string]*TokenBucket),
	}
}

func (p *PerKeyLimiter) bucketFor(service string) *TokenBucket {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[service]
	if !ok {
		b = New(p.ratePerSecond, p.maxBurstSeconds)
		p.buckets[service] = b
	}
	return b
}

// TryAcquire admits one request for service, lazily creating its bucket.
func (p *PerKeyLimiter) TryAcquire(service string) Decision {
	return p.bucketFor(service).TryAcquire1()
}

// SetRate updates every existing bucket (and future ones) for new calls.
func (p *PerKeyLimiter) SetRate(ratePerSecond, maxBurstSeconds float64) {
	p.mu.Lock()
	p.ratePerSecond = ratePerSecond
	p.maxBurstSeconds = maxBurstSeconds
	buckets := make([]*TokenBucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	for _, b := range buckets {
		b.SetRate(ratePerSecond, maxBurstSeconds)
	}
}
