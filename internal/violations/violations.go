// Package violations implements the bounded, observable violation event
// store described by the Violation Pipeline: a fixed-capacity ring fed by
// audit ingest, with broadcast and per-execution subscribers. The
// subscriber bookkeeping is grounded on the teacher's event broker,
// internal/events/broker.go (per-key subscriber maps, drop-on-slow-reader
// counting); the ring itself follows no single teacher file but keeps the
// same "never block the producer" invariant the broker enforces.
package violations

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the category of a recorded violation.
type Kind int

const (
	FsRead Kind = iota
	FsWrite
	Network
	SyscallDenied
	Other
)

func (k Kind) String() string {
	switch k {
	case FsRead:
		return "fs_read"
	case FsWrite:
		return "fs_write"
	case Network:
		return "network"
	case SyscallDenied:
		return "syscall_denied"
	default:
		return "other"
	}
}

// Event is a single violation observed while a wrapped command ran.
type Event struct {
	ID             uint64    `json:"id"`
	ExecutionID    *uint64   `json:"execution_id,omitempty"`
	Kind           Kind      `json:"-"`
	Subject        string    `json:"subject"`
	PID            *int      `json:"pid,omitempty"`
	Raw            string    `json:"raw"`
	Timestamp      time.Time `json:"ts"`
	EncodedCommand string    `json:"encoded_command"`
}

// jsonEvent mirrors the §6 Violation JSON contract, which spells Kind as
// a lowercase string and timestamps in epoch milliseconds.
type jsonEvent struct {
	ID             uint64  `json:"id"`
	ExecutionID    *uint64 `json:"execution_id"`
	Kind           string  `json:"kind"`
	Subject        string  `json:"subject"`
	Raw            string  `json:"raw"`
	TSMillis       int64   `json:"ts_ms"`
	EncodedCommand string  `json:"encoded_command"`
}

// MarshalJSON renders the event per the §6 Violation JSON contract.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonEvent{
		ID:             e.ID,
		ExecutionID:    e.ExecutionID,
		Kind:           e.Kind.String(),
		Subject:        e.Subject,
		Raw:            e.Raw,
		TSMillis:       e.Timestamp.UnixMilli(),
		EncodedCommand: e.EncodedCommand,
	})
}

// Capacity is the fixed ring size mandated by the spec.
const Capacity = 500

// Callback receives a snapshot of the store's current contents.
type Callback func(snapshot []Event)

// ExecCallback receives only events matching a single execution id.
type ExecCallback func(ev Event)

// Unsubscribe removes a previously registered subscriber. Safe to call
// more than once and safe to call after the store has been cleared or
// torn down.
type Unsubscribe func()

// Store is the bounded violation ring described by §4.3. All methods are
// safe for concurrent use and never block on subscriber callbacks for
// longer than the callback itself takes; a panicking callback is
// recovered silently and stays registered.
type Store struct {
	mu sync.Mutex

	ring         []Event
	start        int // index of oldest element
	size         int
	totalCount   uint64
	nextID       uint64
	byCmdIndex   map[string][]uint64 // encoded_command -> event ids, for lookup

	broadcast map[int]Callback
	nextSubID int

	perExec map[uint64]map[int]ExecCallback
}

// New creates an empty violation store.
func New() *Store {
	return &Store{
		ring:       make([]Event, Capacity),
		byCmdIndex: make(map[string][]uint64),
		broadcast:  make(map[int]Callback),
		perExec:    make(map[uint64]map[int]ExecCallback),
	}
}

// Add records a violation, evicting the oldest entry if the ring is full,
// and notifies subscribers. The event's ID is assigned here; any ID set by
// the caller is overwritten.
func (s *Store) Add(ev Event) Event {
	s.mu.Lock()
	s.nextID++
	ev.ID = s.nextID
	s.totalCount++

	idx := (s.start + s.size) % Capacity
	if s.size < Capacity {
		s.size++
	} else {
		// Ring is full: overwrite the oldest slot and advance start.
		s.start = (s.start + 1) % Capacity
	}
	s.ring[idx] = ev
	s.byCmdIndex[ev.EncodedCommand] = append(s.byCmdIndex[ev.EncodedCommand], ev.ID)

	snapshot := s.snapshotLocked()
	broadcastSubs := make([]Callback, 0, len(s.broadcast))
	for _, cb := range s.broadcast {
		broadcastSubs = append(broadcastSubs, cb)
	}
	var execSubs []ExecCallback
	if ev.ExecutionID != nil {
		if subs, ok := s.perExec[*ev.ExecutionID]; ok {
			for _, cb := range subs {
				execSubs = append(execSubs, cb)
			}
		}
	}
	s.mu.Unlock()

	for _, cb := range broadcastSubs {
		safeCall(func() { cb(snapshot) })
	}
	for _, cb := range execSubs {
		safeCall(func() { cb(ev) })
	}
	return ev
}

func safeCall(f func()) {
	defer func() { _ = recover() }()
	f()
}

// snapshotLocked must be called with s.mu held.
func (s *Store) snapshotLocked() []Event {
	out := make([]Event, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.ring[(s.start+i)%Capacity]
	}
	return out
}

// Snapshot returns the current ring contents, oldest first.
func (s *Store) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// TotalCount returns the number of violations ever added, never decreased
// by eviction or Clear.
func (s *Store) TotalCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCount
}

// CurrentCount returns the number of violations currently held.
func (s *Store) CurrentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Clear empties the ring without touching TotalCount.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = 0
	s.size = 0
	s.byCmdIndex = make(map[string][]uint64)
}

// Subscribe registers a broadcast callback, which receives the full
// current snapshot immediately and again on every subsequent Add.
func (s *Store) Subscribe(cb Callback) Unsubscribe {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.broadcast[id] = cb
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	safeCall(func() { cb(snapshot) })

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.broadcast, id)
	}
}

// SubscribeToExecution registers a callback that receives only events
// tagged with the given execution id. The execution id's entry is removed
// when its last subscriber unsubscribes; ResetSubscribers drops them all.
func (s *Store) SubscribeToExecution(executionID uint64, cb ExecCallback) Unsubscribe {
	s.mu.Lock()
	if s.perExec[executionID] == nil {
		s.perExec[executionID] = make(map[int]ExecCallback)
	}
	id := s.nextSubID
	s.nextSubID++
	s.perExec[executionID][id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.perExec[executionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.perExec, executionID)
			}
		}
	}
}

// ResetSubscribers drops every broadcast and per-execution subscriber
// without touching the ring. Called by the orchestrator's Reset; per the
// ownership model, subscribers hold no reference back into the store, so
// this is always safe.
func (s *Store) ResetSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = make(map[int]Callback)
	s.perExec = make(map[uint64]map[int]ExecCallback)
}

// ByEncodedCommand returns every recorded violation whose EncodedCommand
// matches the given hash, oldest first, skipping entries that have since
// been evicted from the ring.
func (s *Store) ByEncodedCommand(encoded string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byCmdIndex[encoded]
	if len(ids) == 0 {
		return nil
	}
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []Event
	for i := 0; i < s.size; i++ {
		ev := s.ring[(s.start+i)%Capacity]
		if _, ok := want[ev.ID]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// EncodeCommand returns the stable hash used to attribute violations to a
// wrapped command without retaining the literal command string.
func EncodeCommand(cmd string) string {
	sum := sha256.Sum256([]byte(cmd))
	return hex.EncodeToString(sum[:])
}

// NewEventID returns a process-unique tag for a raw audit line, for a
// caller that wants to correlate a debug log line with the violation it
// is about to hand to Add, before Add assigns its own monotonic ID. It
// reuses the teacher's uuid.NewString() convention from
// internal/netmonitor/proxy.go. The CLI's audit-ingest callbacks
// (internal/cli/wrap.go) are the caller: they log the id alongside the
// raw line at debug level, then record the violation.
func NewEventID() string {
	return uuid.NewString()
}
