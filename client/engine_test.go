package client

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowrpc/flow/balancer"
	"github.com/flowrpc/flow/codec"
	"github.com/flowrpc/flow/transport"
)

// fakePublication records every offered frame and can be told to reject
// once before accepting.
type fakePublication struct {
	offers    [][]byte
	rejectLeft int
	closed    bool
}

func (p *fakePublication) Offer(b []byte) (transport.OfferResult, error) {
	if p.closed {
		return transport.Closed, transport.ErrClosed
	}
	if p.rejectLeft > 0 {
		p.rejectLeft--
		return transport.BackPressured, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	p.offers = append(p.offers, cp)
	return transport.Accepted, nil
}
func (p *fakePublication) Close() error { p.closed = true; return nil }

// fakeSubscription lets the test inject frames to be delivered on the next
// Poll call.
type fakeSubscription struct {
	queue  [][]byte
	closed bool
}

func (s *fakeSubscription) Poll(handler transport.FragmentHandler, limit int) (int, error) {
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

type staticResolver struct{ endpoints []balancer.Endpoint }

func (r staticResolver) FindEndpoints(string) []balancer.Endpoint { return r.endpoints }

func newTestEngine(pub *fakePublication, sub *fakeSubscription) *Engine {
	return New(Options{
		Publication:    pub,
		Subscription:   sub,
		Resolver:       staticResolver{endpoints: []balancer.Endpoint{{ID: "e1", Weight: 1}}},
		Timeout:        200 * time.Millisecond,
		ReaperInterval: 10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
}

func TestCallNoEndpointsFailsFast(t *testing.T) {
	e := New(Options{
		Publication:  &fakePublication{},
		Subscription: &fakeSubscription{},
		Resolver:     staticResolver{},
		Logger:       zerolog.Nop(),
	})
	defer e.Shutdown()

	comp := e.Call("Missing", "m", nil)
	_, err := comp.Await()
	if err == nil {
		t.Fatalf("expected NoEndpoints error")
	}
}

func TestCallCompletesOnResponseFrame(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(pub, sub)
	defer e.Shutdown()

	comp := e.Call("Echo", "say", []byte("hi"))

	// Wait for the request frame to be offered, then simulate the server's
	// reply by decoding the correlation id it used.
	deadline := time.Now().Add(time.Second)
	for len(pub.offers) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(pub.offers) != 1 {
		t.Fatalf("expected exactly one offered frame, got %d", len(pub.offers))
	}
	req, err := codec.Decode(pub.offers[0])
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}

	reply := &codec.Message{RequestID: req.RequestID, Type: codec.RESPONSE, Service: "Echo", Method: "say", Payload: []byte("hi back")}
	sub.queue = append(sub.queue, codec.Encode(reply))

	val, err := comp.Await()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(val) != "hi back" {
		t.Fatalf("got %q", val)
	}
}

func TestCallTimesOutWhenNoReplyArrives(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := New(Options{
		Publication:    pub,
		Subscription:   sub,
		Resolver:       staticResolver{endpoints: []balancer.Endpoint{{ID: "e1", Weight: 1}}},
		Timeout:        20 * time.Millisecond,
		ReaperInterval: 5 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	defer e.Shutdown()

	comp := e.Call("Echo", "say", []byte("hi"))
	_, err := comp.Await()
	if err == nil {
		t.Fatalf("expected reply timeout")
	}
}

func TestShutdownCancelsPendingCalls(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(pub, sub)

	comp := e.Call("Echo", "say", []byte("hi"))
	e.Shutdown()

	_, err := comp.Await()
	if err == nil {
		t.Fatalf("expected cancellation error after shutdown")
	}
}

func TestStreamDeliversValuesThenComplete(t *testing.T) {
	pub := &fakePublication{}
	sub := &fakeSubscription{}
	e := newTestEngine(pub, sub)
	defer e.Shutdown()

	var received []string
	completed := make(chan struct{})
	sink := &recordingSink{
		next:     func(v []byte) { received = append(received, string(v)) },
		complete: func() { close(completed) },
	}
	e.Stream("Numbers", "count", []byte(`5`), sink)

	deadline := time.Now().Add(time.Second)
	for len(pub.offers) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	req, _ := codec.Decode(pub.offers[0])

	for i := 1; i <= 3; i++ {
		m := &codec.Message{RequestID: req.RequestID, Type: codec.RESPONSE, Flags: codec.FlagStreaming, Service: "Numbers", Method: "count", Payload: []byte{byte(i)}}
		sub.queue = append(sub.queue, codec.Encode(m))
	}
	done := &codec.Message{RequestID: req.RequestID, Type: codec.COMPLETE, Service: "Numbers", Method: "count"}
	sub.queue = append(sub.queue, codec.Encode(done))

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatalf("stream never completed")
	}
	if len(received) != 3 {
		t.Fatalf("expected 3 values, got %d", len(received))
	}
}

// blockingPublication blocks inside Offer until release is closed, so a
// test can observe state changes that happen strictly during the offer.
type blockingPublication struct {
	release chan struct{}
	closed  bool
}

func (p *blockingPublication) Offer(b []byte) (transport.OfferResult, error) {
	<-p.release
	if p.closed {
		return transport.Closed, transport.ErrClosed
	}
	return transport.Accepted, nil
}
func (p *blockingPublication) Close() error { p.closed = true; return nil }

// TestCallBracketsLeastConnectionsAroundOffer verifies Call increments the
// chosen endpoint's in-flight count for the duration of the publication
// offer and decrements it afterward, so a concurrent Select sees the busy
// endpoint as less attractive only while the offer is outstanding (§4.3
// "callers bracket each send with Increment/Decrement").
func TestCallBracketsLeastConnectionsAroundOffer(t *testing.T) {
	lc := balancer.NewLeastConnections()
	endpoints := []balancer.Endpoint{{ID: "e1"}, {ID: "e2"}}
	pub := &blockingPublication{release: make(chan struct{})}
	sub := &fakeSubscription{}
	e := New(Options{
		Publication:    pub,
		Subscription:   sub,
		Resolver:       staticResolver{endpoints: []balancer.Endpoint{{ID: "e1", Weight: 1}}},
		Strategy:       lc,
		Timeout:        time.Second,
		ReaperInterval: 10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	defer e.Shutdown()

	done := make(chan struct{})
	go func() {
		e.Call("Echo", "say", []byte("hi"))
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if ep, _ := lc.Select("probe", endpoints); ep.ID == "e2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for e1's in-flight count to rise while its offer is outstanding")
		}
		time.Sleep(time.Millisecond)
	}

	close(pub.release)
	<-done

	deadline = time.Now().Add(time.Second)
	for {
		if ep, _ := lc.Select("probe", endpoints); ep.ID == "e1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for e1's in-flight count to fall back after the offer completed")
		}
		time.Sleep(time.Millisecond)
	}
}

type recordingSink struct {
	next     func([]byte)
	complete func()
	onErr    func(error)
}

func (s *recordingSink) OnNext(v []byte)  { s.next(v) }
func (s *recordingSink) OnComplete()      { s.complete() }
func (s *recordingSink) OnError(err error) {
	if s.onErr != nil {
		s.onErr(err)
	}
}
