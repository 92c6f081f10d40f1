package metrics

import (
	"testing"
	"time"
)

func TestUnknownServiceSnapshotIsZero(t *testing.T) {
	m := New()
	snap := m.Snapshot("never-touched")
	if snap != (Snapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}

func TestRecordRequestUpdatesServiceAndGlobal(t *testing.T) {
	m := New()
	m.RecordRequest("UserService", 42)
	m.RecordResponse("UserService", 10, 5*time.Millisecond)
	m.RecordError("UserService")
	m.RecordTimeout("UserService")

	got := m.Snapshot("UserService")
	want := Snapshot{
		Requests: 1, Responses: 1, Errors: 1, TimeoutErrors: 1, BytesSent: 42, BytesReceived: 10,
		DurationSum: 5 * time.Millisecond, DurationMax: 5 * time.Millisecond, DurationMin: 5 * time.Millisecond,
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	global := m.GlobalSnapshot()
	if global != want {
		t.Fatalf("expected global to mirror single-service totals, got %+v", global)
	}
}

func TestResetRestoresZeroAndUnsetMin(t *testing.T) {
	m := New()
	m.RecordRequest("UserService", 42)
	m.RecordResponse("UserService", 10, 5*time.Millisecond)

	m.Reset()

	got := m.Snapshot("UserService")
	if got != (Snapshot{}) {
		t.Fatalf("expected zero snapshot after reset, got %+v", got)
	}

	m.RecordResponse("UserService", 1, 9*time.Millisecond)
	got = m.Snapshot("UserService")
	if got.DurationMin != 9*time.Millisecond {
		t.Fatalf("expected min to re-seed after reset, got %v", got.DurationMin)
	}
}

func TestServicesListsTouchedNames(t *testing.T) {
	m := New()
	m.RecordRequest("A", 1)
	m.RecordRequest("B", 1)
	names := m.Services()
	if len(names) != 2 {
		t.Fatalf("expected 2 services, got %v", names)
	}
}
