package balancer

import "testing"

func TestRoundRobinCycles(t *testing.T) {
	eps := []Endpoint{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	rr := NewRoundRobin()

	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		ep, ok := rr.Select("svc", eps)
		if !ok || ep.ID != w {
			t.Fatalf("selection %d: got (%v,%v), want %q", i, ep, ok, w)
		}
	}
}

func TestLeastConnectionsPicksFewest(t *testing.T) {
	eps := []Endpoint{{ID: "a"}, {ID: "b"}}
	lc := NewLeastConnections()

	lc.Increment("a")
	lc.Increment("a")
	lc.Increment("b")

	ep, ok := lc.Select("svc", eps)
	if !ok || ep.ID != "b" {
		t.Fatalf("got (%v,%v), want b", ep, ok)
	}

	lc.Decrement("a")
	lc.Decrement("a")
	ep, ok = lc.Select("svc", eps)
	if !ok || ep.ID != "a" {
		t.Fatalf("after decrement, got (%v,%v), want a", ep, ok)
	}
}

func TestWeightedRandomNeverPicksZeroWeight(t *testing.T) {
	eps := []Endpoint{{ID: "zero", Weight: 0}, {ID: "one", Weight: 10}}
	wr := NewWeightedRandom(1)

	for i := 0; i < 200; i++ {
		ep, ok := wr.Select("svc", eps)
		if !ok {
			t.Fatalf("expected a selection")
		}
		if ep.ID == "zero" {
			t.Fatalf("zero-weight endpoint should never be picked while a positive-weight one exists")
		}
	}
}

func TestRandomEmptyCandidates(t *testing.T) {
	r := NewRandom(1)
	if _, ok := r.Select("svc", nil); ok {
		t.Fatalf("expected no selection for empty candidates")
	}
}
