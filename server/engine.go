package server

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowrpc/flow/codec"
	"github.com/flowrpc/flow/metrics"
	"github.com/flowrpc/flow/rpcerrors"
	"github.com/flowrpc/flow/transport"
)

type engineState int32

const (
	stateNew engineState = iota
	stateStarting
	stateRunning
	stateClosing
	stateClosed
)

// Options configures an Engine. Publication/Subscription are required.
type Options struct {
	Subscription transport.Subscription
	Publication  transport.Publication

	// WorkerPoolSize defaults to runtime.GOMAXPROCS(0), consistent with
	// go.uber.org/automaxprocs being wired at process start (§FULL-4.6).
	WorkerPoolSize int
	QueueCapacity  int
	PollFragments  int
	SendDeadline   time.Duration

	Backoff *transport.Backoff
	Logger  zerolog.Logger
	Sink    *metrics.RpcMetrics
}

// Engine is the server dispatch engine: poll loop, handler registry and
// bounded worker pool described by §4.6.
type Engine struct {
	opts     Options
	log      zerolog.Logger
	registry *Registry
	pool     *workerPool
	metrics  *metrics.RpcMetrics

	state   int32
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs an Engine in the NEW state. Call Start to begin polling.
func New(opts Options) *Engine {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = runtime.GOMAXPROCS(0)
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = opts.WorkerPoolSize * 4
	}
	if opts.PollFragments <= 0 {
		opts.PollFragments = 10
	}
	if opts.SendDeadline <= 0 {
		opts.SendDeadline = time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = transport.NewBackoff(time.Millisecond, 100*time.Millisecond, 2.0)
	}
	if opts.Sink == nil {
		opts.Sink = metrics.New()
	}

	return &Engine{
		opts:     opts,
		log:      opts.Logger,
		registry: newRegistry(),
		metrics:  opts.Sink,
		state:    int32(stateNew),
		closeCh:  make(chan struct{}),
	}
}

// RegisterUnary registers a unary handler before Start is called.
func (e *Engine) RegisterUnary(name string, h UnaryHandler) error {
	return e.registry.RegisterUnary(name, h)
}

// RegisterStreaming registers a streaming handler before Start is called.
func (e *Engine) RegisterStreaming(name string, h StreamingHandler) error {
	return e.registry.RegisterStreaming(name, h)
}

// Metrics exposes the engine's RpcMetrics registry.
func (e *Engine) Metrics() *metrics.RpcMetrics { return e.metrics }

// Start transitions NEW -> STARTING -> RUNNING and launches the poll loop.
// It is idempotent: a second call is a no-op.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.state, int32(stateNew), int32(stateStarting)) {
		return nil
	}
	e.pool = newWorkerPool(e.opts.WorkerPoolSize, e.opts.QueueCapacity)
	atomic.StoreInt32(&e.state, int32(stateRunning))

	e.wg.Add(1)
	go e.pollLoop()
	return nil
}

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
			e.log.Warn().Err(err).Msg("server: subscription poll error")
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
		e.log.Warn().Err(err).Msg("server: malformed frame dropped")
		return
	}
	if msg.Type != codec.REQUEST {
		e.log.Warn().Str("type", msg.Type.String()).Msg("server: unexpected frame type on request subscription")
		return
	}

	e.metrics.RecordRequest(msg.Service, len(msg.Payload))

	handler, ok := e.registry.lookup(msg.Service)
	if !ok {
		e.metrics.RecordError(msg.Service)
		e.emitError(msg.RequestID, msg.Service, fmt.Sprintf("ServiceNotFound: %s", msg.Service))
		return
	}
	if (handler.kind == kindStreaming) != msg.Flags.Streaming() {
		e.metrics.RecordError(msg.Service)
		e.emitError(msg.RequestID, msg.Service, rpcerrors.HandlerKindMismatch.String())
		return
	}

	submitted := e.pool.TrySubmit(func() {
		e.dispatch(msg, handler)
	})
	if !submitted {
		e.metrics.RecordError(msg.Service)
		e.emitError(msg.RequestID, msg.Service, "Overloaded")
	}
}

func (e *Engine) dispatch(msg *codec.Message, handler registeredHandler) {
	switch handler.kind {
	case kindUnary:
		start := time.Now()
		value, err := handler.unary(msg.Payload)
		duration := time.Since(start)
		if err != nil {
			e.metrics.RecordError(msg.Service)
			e.emitError(msg.RequestID, msg.Service, err.Error())
			return
		}
		e.emitResponse(msg.RequestID, msg.Service, msg.Method, value, false, duration)

	case kindStreaming:
		sink := newWireSink(e, msg.RequestID, msg.Service, msg.Method)
		handler.streaming(msg.Payload, sink)
	}
}

// emitResponse emits a RESPONSE frame and, once accepted, records duration
// as this value's processing time (§4.6 step 4 "measures duration, then
// emits RESPONSE").
func (e *Engine) emitResponse(id uint64, service, method string, value []byte, streaming bool, duration time.Duration) {
	m := &codec.Message{RequestID: id, Type: codec.RESPONSE, Service: service, Method: method, Payload: value}
	if streaming {
		m.Flags = codec.FlagStreaming
	}
	e.emit(m, service, len(value), duration)
}

func (e *Engine) emitComplete(id uint64, service, method string) {
	m := &codec.Message{RequestID: id, Type: codec.COMPLETE, Service: service, Method: method}
	e.emit(m, service, 0, 0)
}

func (e *Engine) emitError(id uint64, service, reason string) {
	m := &codec.Message{RequestID: id, Type: codec.ERROR, Service: service, Payload: []byte(reason)}
	e.emit(m, service, 0, 0)
}

// emit offers m to the reply publication, retrying through the idle
// strategy on back-pressure up to SendDeadline (§4.6 "Back-pressure on
// reply publication").
func (e *Engine) emit(m *codec.Message, service string, responseBytes int, duration time.Duration) {
	buf := codec.Encode(m)
	deadline := time.Now().Add(e.opts.SendDeadline)

	for {
		result, err := e.opts.Publication.Offer(buf)
		if err != nil || result == transport.Closed {
			return
		}
		if result == transport.Accepted {
			if m.Type == codec.RESPONSE {
				e.metrics.RecordResponse(service, responseBytes, duration)
			}
			return
		}
		if time.Now().After(deadline) {
			e.log.Warn().Str("service", service).Msg("server: dropped reply, back-pressure deadline exceeded")
			return
		}
		e.opts.Backoff.Idle()
	}
}

// Close transitions RUNNING -> CLOSING -> CLOSED, stops the poll loop,
// drains the worker pool and closes the transport. Idempotent.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.state, int32(stateRunning), int32(stateClosing)) {
		return nil
	}
	close(e.closeCh)
	e.wg.Wait()
	if e.pool != nil {
		e.pool.Close()
	}

	pubErr := e.opts.Publication.Close()
	subErr := e.opts.Subscription.Close()
	atomic.StoreInt32(&e.state, int32(stateClosed))

	if pubErr != nil {
		return pubErr
	}
	return subErr
}
