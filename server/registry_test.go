package server

import "testing"

func TestRegisterUnaryRejectsDuplicate(t *testing.T) {
	r := newRegistry()
	if err := r.RegisterUnary("Echo", func(p []byte) ([]byte, error) { return p, nil }); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := r.RegisterUnary("Echo", func(p []byte) ([]byte, error) { return p, nil }); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestLookupReturnsRegisteredKind(t *testing.T) {
	r := newRegistry()
	r.RegisterStreaming("Numbers", func(p []byte, sink StreamSink) {})

	h, ok := r.lookup("Numbers")
	if !ok || h.kind != kindStreaming {
		t.Fatalf("expected streaming handler, got %+v ok=%v", h, ok)
	}

	_, ok = r.lookup("Missing")
	if ok {
		t.Fatalf("expected miss for unregistered service")
	}
}
