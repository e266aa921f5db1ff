package violations

import (
	"sync"
	"testing"
	"time"
)

func TestRingEvictsOldest(t *testing.T) {
	s := New()
	for i := 0; i < Capacity+10; i++ {
		s.Add(Event{Subject: "x", Timestamp: time.Now()})
	}
	if s.CurrentCount() != Capacity {
		t.Fatalf("current=%d want %d", s.CurrentCount(), Capacity)
	}
	if s.TotalCount() != uint64(Capacity+10) {
		t.Fatalf("total=%d want %d", s.TotalCount(), Capacity+10)
	}
}

func TestClearKeepsTotalCount(t *testing.T) {
	s := New()
	s.Add(Event{Subject: "a"})
	s.Add(Event{Subject: "b"})
	s.Clear()
	if s.CurrentCount() != 0 {
		t.Fatalf("current=%d want 0", s.CurrentCount())
	}
	if s.TotalCount() != 2 {
		t.Fatalf("total=%d want 2", s.TotalCount())
	}
}

func TestBroadcastReceivesSnapshotOnRegisterAndAdd(t *testing.T) {
	s := New()
	s.Add(Event{Subject: "first"})

	var mu sync.Mutex
	var snapshots [][]Event
	unsub := s.Subscribe(func(snap []Event) {
		mu.Lock()
		snapshots = append(snapshots, snap)
		mu.Unlock()
	})
	defer unsub()

	s.Add(Event{Subject: "second"})

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2 (one at register, one at add)", len(snapshots))
	}
	if len(snapshots[0]) != 1 || len(snapshots[1]) != 2 {
		t.Fatalf("unexpected snapshot sizes: %d, %d", len(snapshots[0]), len(snapshots[1]))
	}
}

func TestPerExecutionSubscriberFiltersByExecutionID(t *testing.T) {
	s := New()
	var execID uint64 = 7
	other := uint64(8)

	var got []Event
	unsub := s.SubscribeToExecution(execID, func(ev Event) {
		got = append(got, ev)
	})
	defer unsub()

	s.Add(Event{Subject: "mine", ExecutionID: &execID})
	s.Add(Event{Subject: "not-mine", ExecutionID: &other})

	if len(got) != 1 || got[0].Subject != "mine" {
		t.Fatalf("got %+v", got)
	}
}

func TestUnsubscribeIsSafeAfterReset(t *testing.T) {
	s := New()
	unsub := s.Subscribe(func(snap []Event) {})
	s.ResetSubscribers()
	unsub() // must not panic
}

func TestPanickingCallbackIsRecovered(t *testing.T) {
	s := New()
	s.Subscribe(func(snap []Event) { panic("boom") })
	s.Add(Event{Subject: "x"}) // must not panic the test
}

func TestEncodeCommandStableAndDistinct(t *testing.T) {
	a := EncodeCommand("echo hi")
	b := EncodeCommand("echo hi")
	c := EncodeCommand("echo bye")
	if a != b {
		t.Fatalf("same command produced different hashes")
	}
	if a == c {
		t.Fatalf("different commands produced the same hash")
	}
}

func TestByEncodedCommandLookup(t *testing.T) {
	s := New()
	enc := EncodeCommand("my command")
	s.Add(Event{Subject: "x", EncodedCommand: enc})
	s.Add(Event{Subject: "y", EncodedCommand: EncodeCommand("other command")})

	got := s.ByEncodedCommand(enc)
	if len(got) != 1 || got[0].Subject != "x" {
		t.Fatalf("got %+v", got)
	}
}
