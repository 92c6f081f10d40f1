// Package client implements flow's client dispatch engine: the send path,
// streaming send, reply-poll task, reaper and graceful shutdown described
// by SPEC_FULL.md §4.5, grounded on xtaci-kcptun's client/main.go dial
// lifecycle and scavenger goroutine.
package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/flowrpc/flow/balancer"
	"github.com/flowrpc/flow/codec"
	"github.com/flowrpc/flow/metrics"
	"github.com/flowrpc/flow/pending"
	"github.com/flowrpc/flow/ratelimit"
	"github.com/flowrpc/flow/rpcerrors"
	"github.com/flowrpc/flow/serializer"
	"github.com/flowrpc/flow/transport"
)

type state int32

const (
	stateNew state = iota
	stateRunning
	stateClosing
	stateClosed
)

// EndpointResolver finds candidate endpoints for a service name. It may
// return an empty slice; order is significant for SWRR tie-breaking (§6).
type EndpointResolver interface {
	FindEndpoints(service string) []balancer.Endpoint
}

// Options configures an Engine. Pub/Sub and Resolver are required; the
// rest default to SPEC_FULL.md §FULL-4.5's stated defaults.
type Options struct {
	Publication  transport.Publication
	Subscription transport.Subscription
	Resolver     EndpointResolver
	Serializer   serializer.Serializer

	Timeout        time.Duration
	PollFragments  int
	ReaperInterval time.Duration
	SendDeadline   time.Duration

	RateLimiter *ratelimit.PerKeyLimiter
	Strategy    balancer.Strategy
	Backoff     *transport.Backoff

	Logger   zerolog.Logger
	// Registry is accepted but not read: the engine registers no collector
	// and applies no default. Export Metrics() through
	// metrics.NewPrometheusCollector to publish the engine's counters.
	Registry *prometheus.Registry
}

// Engine is the client dispatch engine: one poll task, one reaper task and
// a pending-request table shared across every Call/Stream issued against
// it (§4.5).
type Engine struct {
	opts Options
	log  zerolog.Logger

	table   *pending.Table
	metrics *metrics.RpcMetrics
	nextID  uint64

	state   int32
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs an Engine and starts its poll task and reaper.
func New(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.PollFragments <= 0 {
		opts.PollFragments = 10
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = opts.Timeout
	}
	if opts.SendDeadline <= 0 {
		opts.SendDeadline = opts.Timeout
	}
	if opts.Serializer == nil {
		opts.Serializer = serializer.JSON{}
	}
	if opts.Strategy == nil {
		opts.Strategy = balancer.NewSWRR()
	}
	if opts.Backoff == nil {
		opts.Backoff = transport.NewBackoff(time.Millisecond, 100*time.Millisecond, 2.0)
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		table:   pending.New(),
		metrics: metrics.New(),
		state:   int32(stateRunning),
		closeCh: make(chan struct{}),
	}

	e.wg.Add(2)
	go e.pollLoop()
	go e.reaperLoop()
	return e
}

// Completion is the handle returned by Call: exactly one of Await's return
// values is meaningful once it resolves (§8 "exactly one terminal
// completion").
type Completion struct {
	done  chan struct{}
	value []byte
	err   error
}

func newCompletion() *Completion { return &Completion{done: make(chan struct{})} }

func (c *Completion) Complete(value []byte) {
	c.value = value
	close(c.done)
}

func (c *Completion) Fail(err error) {
	c.err = err
	close(c.done)
}

// Await blocks until the call completes and returns its result.
func (c *Completion) Await() ([]byte, error) {
	<-c.done
	return c.value, c.err
}

// Call sends a unary request and returns a Completion the caller awaits
// (§4.5 "send path").
func (e *Engine) Call(service, method string, payload []byte) *Completion {
	comp := newCompletion()
	if atomic.LoadInt32(&e.state) != int32(stateRunning) {
		comp.Fail(rpcerrors.New(rpcerrors.Cancelled, "engine is shutting down"))
		return comp
	}

	if e.opts.RateLimiter != nil {
		if !e.opts.RateLimiter.TryAcquire(service).Allowed() {
			comp.Fail(rpcerrors.New(rpcerrors.RateLimited, "rate limit exceeded for "+service))
			return comp
		}
	}

	endpoints := e.opts.Resolver.FindEndpoints(service)
	if len(endpoints) == 0 {
		comp.Fail(rpcerrors.New(rpcerrors.NoEndpoints, "no endpoints for "+service))
		return comp
	}
	endpoint, ok := e.opts.Strategy.Select(service, endpoints)
	if !ok {
		comp.Fail(rpcerrors.New(rpcerrors.NoEndpoints, "strategy found no endpoint for "+service))
		return comp
	}

	id := atomic.AddUint64(&e.nextID, 1)
	deadline := time.Now().Add(e.opts.Timeout)
	req := &pending.Request{CorrelationID: id, Service: service, Completer: comp, Deadline: deadline, CreatedAt: time.Now()}
	if !e.table.Insert(req) {
		comp.Fail(rpcerrors.Newf(rpcerrors.ServiceNotFound, "correlation id %d already in use", id))
		return comp
	}

	msg := &codec.Message{RequestID: id, Type: codec.REQUEST, Service: service, Method: method, Payload: payload}
	counter, tracksConn := e.opts.Strategy.(balancer.ConnCounter)
	if tracksConn {
		counter.Increment(endpoint.ID)
	}
	err := e.send(msg, deadline)
	if tracksConn {
		counter.Decrement(endpoint.ID)
	}
	if err != nil {
		if e.table.Remove(id) != nil {
			comp.Fail(err)
		}
		return comp
	}

	e.metrics.RecordRequest(service, len(payload))
	return comp
}

// Stream sends a streaming request; values arrive via sink.OnNext until
// OnComplete or OnError fires exactly once (§4.5 "streaming send").
func (e *Engine) Stream(service, method string, payload []byte, sink pending.StreamSink) {
	if atomic.LoadInt32(&e.state) != int32(stateRunning) {
		sink.OnError(rpcerrors.New(rpcerrors.Cancelled, "engine is shutting down"))
		return
	}
	if e.opts.RateLimiter != nil {
		if !e.opts.RateLimiter.TryAcquire(service).Allowed() {
			sink.OnError(rpcerrors.New(rpcerrors.RateLimited, "rate limit exceeded for "+service))
			return
		}
	}
	endpoints := e.opts.Resolver.FindEndpoints(service)
	if len(endpoints) == 0 {
		sink.OnError(rpcerrors.New(rpcerrors.NoEndpoints, "no endpoints for "+service))
		return
	}
	endpoint, ok := e.opts.Strategy.Select(service, endpoints)
	if !ok {
		sink.OnError(rpcerrors.New(rpcerrors.NoEndpoints, "strategy found no endpoint for "+service))
		return
	}

	id := atomic.AddUint64(&e.nextID, 1)
	deadline := time.Now().Add(e.opts.Timeout)
	req := &pending.Request{CorrelationID: id, Service: service, Stream: sink, Deadline: deadline, CreatedAt: time.Now()}
	if !e.table.Insert(req) {
		sink.OnError(rpcerrors.Newf(rpcerrors.ServiceNotFound, "correlation id %d already in use", id))
		return
	}

	msg := &codec.Message{RequestID: id, Type: codec.REQUEST, Flags: codec.FlagStreaming, Service: service, Method: method, Payload: payload}
	counter, tracksConn := e.opts.Strategy.(balancer.ConnCounter)
	if tracksConn {
		counter.Increment(endpoint.ID)
	}
	err := e.send(msg, deadline)
	if tracksConn {
		counter.Decrement(endpoint.ID)
	}
	if err != nil {
		if e.table.Remove(id) != nil {
			sink.OnError(err)
		}
		return
	}
	e.metrics.RecordRequest(service, len(payload))
}

// send encodes msg and offers it to the publication, retrying through the
// idle strategy on back-pressure until accepted or deadline passes (§4.5
// step 6).
func (e *Engine) send(msg *codec.Message, deadline time.Time) error {
	buf := codec.Encode(msg)

	for {
		result, err := e.opts.Publication.Offer(buf)
		if err != nil {
			return rpcerrors.Wrap(rpcerrors.SendTimeout, err, "publication offer failed")
		}
		switch result {
		case transport.Accepted:
			return nil
		case transport.Closed:
			return rpcerrors.New(rpcerrors.Cancelled, "publication closed")
		case transport.BackPressured:
			if time.Now().After(deadline) {
				return rpcerrors.New(rpcerrors.SendTimeout, "deadline exceeded while offering request")
			}
			e.opts.Backoff.Idle()
		}
	}
}

// pollLoop is the reply-poll task: the sole writer of reply-driven
// completions (§4.5 "Ordering"). Timeouts are completed by the reaper,
// cancellations by Shutdown, and send failures by Call/Stream.
func (e *Engine) pollLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}

		n, err := e.opts.Subscription.Poll(e.handleFrame, e.opts.PollFragments)
		if err != nil {
			if err == transport.ErrClosed {
				return
			}
			e.log.Warn().Err(err).Msg("client: subscription poll error")
		}
		if n == 0 {
			e.opts.Backoff.Idle()
		} else {
			e.opts.Backoff.Reset()
		}
	}
}

func (e *Engine) handleFrame(buf []byte, _ interface{}) {
	msg, err := codec.Decode(buf)
	if err != nil {
		e.log.Warn().Err(err).Msg("client: malformed frame dropped")
		return
	}

	switch msg.Type {
	case codec.RESPONSE:
		if msg.Flags.Streaming() {
			req := e.table.Peek(msg.RequestID)
			if req == nil || req.Stream == nil {
				return
			}
			req.Stream.OnNext(msg.Payload)
			return
		}
		req := e.table.Remove(msg.RequestID)
		if req == nil || req.Completer == nil {
			return
		}
		e.metrics.RecordResponse(msg.Service, len(msg.Payload), time.Since(req.CreatedAt))
		req.Completer.Complete(msg.Payload)

	case codec.ERROR:
		req := e.table.Remove(msg.RequestID)
		if req == nil {
			return
		}
		e.metrics.RecordError(msg.Service)
		wireErr := rpcerrors.New(rpcerrors.HandlerError, string(msg.Payload))
		if req.IsStreaming() {
			req.Stream.OnError(wireErr)
		} else if req.Completer != nil {
			req.Completer.Fail(wireErr)
		}

	case codec.COMPLETE:
		req := e.table.Remove(msg.RequestID)
		if req == nil || req.Stream == nil {
			return
		}
		req.Stream.OnComplete()
	}
}

// reaperLoop enforces every pending call's deadline (§4.5 "Reaper").
func (e *Engine) reaperLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case now := <-ticker.C:
			for _, req := range e.table.SweepExpired(now) {
				e.completeTimeout(req)
			}
		}
	}
}

func (e *Engine) completeTimeout(req *pending.Request) {
	e.metrics.RecordTimeout(req.Service)
	err := rpcerrors.New(rpcerrors.ReplyTimeout, "reply not received before deadline")
	if req.IsStreaming() {
		req.Stream.OnError(err)
	} else if req.Completer != nil {
		req.Completer.Fail(err)
	}
}

// Shutdown transitions the engine to CLOSING, stops the poll and reaper
// tasks, cancels every pending entry, and closes the transport (§4.5
// "Shutdown").
func (e *Engine) Shutdown() {
	if !atomic.CompareAndSwapInt32(&e.state, int32(stateRunning), int32(stateClosing)) {
		return
	}
	close(e.closeCh)
	e.wg.Wait()

	for _, req := range e.table.Drain() {
		err := rpcerrors.New(rpcerrors.Cancelled, "client engine shut down")
		if req.IsStreaming() {
			req.Stream.OnError(err)
		} else if req.Completer != nil {
			req.Completer.Fail(err)
		}
	}

	e.opts.Publication.Close()
	e.opts.Subscription.Close()
	atomic.StoreInt32(&e.state, int32(stateClosed))
}

// Metrics exposes the engine's RpcMetrics registry for external collectors.
func (e *Engine) Metrics() *metrics.RpcMetrics { return e.metrics }
