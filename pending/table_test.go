package pending

import (
	"errors"
	"testing"
	"time"
)

type fakeCompleter struct {
	value []byte
	err   error
	done  bool
}

func (f *fakeCompleter) Complete(v []byte) { f.value = v; f.done = true }
func (f *fakeCompleter) Fail(err error)     { f.err = err; f.done = true }

func TestInsertRejectsDuplicate(t *testing.T) {
	tb := New()
	req := &Request{CorrelationID: 1, Completer: &fakeCompleter{}}
	if !tb.Insert(req) {
		t.Fatalf("first insert should succeed")
	}
	if tb.Insert(req) {
		t.Fatalf("duplicate insert should fail")
	}
}

func TestRemoveIsExactlyOnce(t *testing.T) {
	tb := New()
	req := &Request{CorrelationID: 1, Completer: &fakeCompleter{}}
	tb.Insert(req)

	got := tb.Remove(1)
	if got == nil {
		t.Fatalf("expected entry on first remove")
	}
	if got2 := tb.Remove(1); got2 != nil {
		t.Fatalf("expected nil on second remove of the same id")
	}
}

func TestSweepExpiredRemovesPastDeadline(t *testing.T) {
	tb := New()
	now := time.Now()
	c1 := &fakeCompleter{}
	c2 := &fakeCompleter{}
	tb.Insert(&Request{CorrelationID: 1, Completer: c1, Deadline: now.Add(-time.Second)})
	tb.Insert(&Request{CorrelationID: 2, Completer: c2, Deadline: now.Add(time.Hour)})

	expired := tb.SweepExpired(now)
	if len(expired) != 1 || expired[0].CorrelationID != 1 {
		t.Fatalf("expected only id 1 expired, got %+v", expired)
	}
	if tb.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", tb.Len())
	}

	for _, req := range expired {
		req.Completer.Fail(errors.New("timeout"))
	}
	if !c1.done || c1.err == nil {
		t.Fatalf("expected c1 to be failed with timeout")
	}
	if c2.done {
		t.Fatalf("c2 should not be touched")
	}
}

func TestDrainRemovesEverything(t *testing.T) {
	tb := New()
	tb.Insert(&Request{CorrelationID: 1, Completer: &fakeCompleter{}})
	tb.Insert(&Request{CorrelationID: 2, Completer: &fakeCompleter{}})

	all := tb.Drain()
	if len(all) != 2 {
		t.Fatalf("expected 2 drained entries, got %d", len(all))
	}
	if tb.Len() != 0 {
		t.Fatalf("expected empty table after drain, got %d", tb.Len())
	}
}

type nopSink struct{}

func (nopSink) OnNext([]byte) {}
func (nopSink) OnError(error) {}
func (nopSink) OnComplete()   {}

func TestPeekKeepsStreamingEntryAlive(t *testing.T) {
	tb := New()
	tb.Insert(&Request{CorrelationID: 1, Stream: nopSink{}})
	if tb.Peek(1) == nil {
		t.Fatalf("expected peek to find the entry")
	}
	if tb.Len() != 1 {
		t.Fatalf("peek must not remove the entry")
	}
}
