package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowrpc/flow/codec"
	"github.com/flowrpc/flow/transport"
)

type fakePublication struct {
	mu     sync.Mutex
	frames []*codec.Message
}

func (p *fakePublication) Offer(b []byte) (transport.OfferResult, error) {
	m, err := codec.Decode(b)
	if err != nil {
		return transport.Closed, err
	}
	p.mu.Lock()
	p.frames = append(p.frames, m)
	p.mu.Unlock()
	return transport.Accepted, nil
}
func (p *fakePublication) Close() error { return nil }

func (p *fakePublication) snapshot() []*codec.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*codec.Message, len(p.frames))
	copy(out, p.frames)
	return out
}

type fakeSubscription struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

func (s *fakeSubscription) push(buf []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, buf)
	s.mu.Unlock()
}

func (s *fakeSubscription) Poll(handler transport.FragmentHandler, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, transport.ErrClosed
	}
	n := 0
	for n < limit && len(s.queue) > 0 {
		handler(s.queue[0], nil)
		s.queue = s.queue[1:]
		n++
	}
	return n, nil
}
func (s *fakeSubscription) Close() error { s.closed = true; return nil }

func newTestEngine(t *testing.T, pub *fakePublication, sub *fakeSubscription) *Engine {
	t.Helper()
	e := New(Options{
		Publication:    pub,
		Subscription:   sub,
		WorkerPoolSize: 2,
		QueueCapacity:  1,
		Logger:         zerolog.Nop(),
	})
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestUnaryHandlerEmitsResponse(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(t, pub, sub)
	e.RegisterUnary("Echo", func(p []byte) ([]byte, error) { return p, nil })
	e.Start()
	defer e.Close()

	req := &codec.Message{RequestID: 1, Type: codec.REQUEST, Service: "Echo", Method: "say", Payload: []byte("hi")}
	sub.push(codec.Encode(req))

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	got := pub.snapshot()[0]
	if got.Type != codec.RESPONSE || string(got.Payload) != "hi" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestUnknownServiceEmitsServiceNotFound(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(t, pub, sub)
	e.Start()
	defer e.Close()

	req := &codec.Message{RequestID: 2, Type: codec.REQUEST, Service: "Missing", Method: "x"}
	sub.push(codec.Encode(req))

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	got := pub.snapshot()[0]
	if got.Type != codec.ERROR {
		t.Fatalf("expected ERROR frame, got %+v", got)
	}
}

func TestHandlerErrorEmitsErrorFrame(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(t, pub, sub)
	e.RegisterUnary("Boom", func(p []byte) ([]byte, error) { return nil, errors.New("Test error") })
	e.Start()
	defer e.Close()

	req := &codec.Message{RequestID: 3, Type: codec.REQUEST, Service: "Boom", Method: "x"}
	sub.push(codec.Encode(req))

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	got := pub.snapshot()[0]
	if got.Type != codec.ERROR || string(got.Payload) != "Test error" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestStreamingHandlerEmitsValuesThenComplete(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(t, pub, sub)
	e.RegisterStreaming("Numbers", func(p []byte, sink StreamSink) {
		for i := 1; i <= 5; i++ {
			sink.OnNext([]byte{byte(i)})
		}
		sink.OnComplete()
	})
	e.Start()
	defer e.Close()

	req := &codec.Message{RequestID: 4, Type: codec.REQUEST, Flags: codec.FlagStreaming, Service: "Numbers", Method: "count"}
	sub.push(codec.Encode(req))

	waitFor(t, func() bool { return len(pub.snapshot()) == 6 })
	frames := pub.snapshot()
	sum := 0
	for i := 0; i < 5; i++ {
		if frames[i].Type != codec.RESPONSE {
			t.Fatalf("expected RESPONSE at %d, got %+v", i, frames[i])
		}
		sum += int(frames[i].Payload[0])
	}
	if sum != 15 {
		t.Fatalf("expected sum 15, got %d", sum)
	}
	if frames[5].Type != codec.COMPLETE {
		t.Fatalf("expected COMPLETE last, got %+v", frames[5])
	}
}

func TestHandlerKindMismatchEmitsError(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(t, pub, sub)
	e.RegisterUnary("Echo", func(p []byte) ([]byte, error) { return p, nil })
	e.Start()
	defer e.Close()

	req := &codec.Message{RequestID: 5, Type: codec.REQUEST, Flags: codec.FlagStreaming, Service: "Echo", Method: "say"}
	sub.push(codec.Encode(req))

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	if pub.snapshot()[0].Type != codec.ERROR {
		t.Fatalf("expected ERROR for handler kind mismatch")
	}
}

func TestOverloadedWhenQueueSaturated(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	release := make(chan struct{})
	e := New(Options{
		Publication:    pub,
		Subscription:   sub,
		WorkerPoolSize: 1,
		QueueCapacity:  1,
		Logger:         zerolog.Nop(),
	})
	e.RegisterUnary("Slow", func(p []byte) ([]byte, error) {
		<-release
		return p, nil
	})
	e.Start()
	defer func() { close(release); e.Close() }()

	// First request occupies the lone worker; second fills the queue;
	// third should be rejected as Overloaded.
	for i := uint64(1); i <= 3; i++ {
		req := &codec.Message{RequestID: i, Type: codec.REQUEST, Service: "Slow", Method: "x"}
		sub.push(codec.Encode(req))
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool { return len(pub.snapshot()) >= 1 })
	frames := pub.snapshot()
	var sawOverloaded bool
	for _, f := range frames {
		if f.Type == codec.ERROR && string(f.Payload) == "Overloaded" {
			sawOverloaded = true
		}
	}
	if !sawOverloaded {
		t.Fatalf("expected at least one Overloaded reply, got %+v", frames)
	}
}

func TestDoubleStartIsIdempotent(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(t, pub, sub)
	if err := e.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	e.Close()
}
