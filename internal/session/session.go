// Package session implements the session event queue pattern of spec.md
// §4.5 and the session table referenced in spec.md §9's resolution of the
// cyclic-reference design note.
//
// Grounded on the teacher's internal/protocol/session.go (Session/
// SessionManager shape — ID, state machine, timing/sequence bookkeeping)
// and internal/fabric/hub.go (registry keyed by a stable ID, guarded by a
// sync.RWMutex, atomic per-entry counters) — both stripped of AOCS
// business fields (tenant/agent/trust/entitlements) and rebuilt around
// the protocol-agnostic session/queue semantics spec.md actually asks for.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ID is the stable small-integer identity a session is registered under,
// per spec.md §9 ("a session table keyed by stable socket id").
type ID uint64

// Session is the minimal contract the queue needs from whatever the core
// is bridging (a TCP/WebSocket/HTTP connection).
type Session interface {
	ID() ID
	Close() error
}

// EventKind classifies a queued event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventData
	EventClose
	EventError
)

// IsTerminal reports whether this event kind is the session's last ever
// event, per spec.md §3 ("The terminal event (close or error) is always
// the last event ever enqueued for the session").
func (k EventKind) IsTerminal() bool {
	return k == EventClose || k == EventError
}

// Event is one entry in a session's FIFO.
type Event struct {
	Kind    EventKind
	Payload []byte
	Err     error
}

// Handler processes one event for a session, invoked by the single fiber
// draining that session's queue.
type Handler func(s Session, ev Event)

// Queue is the per-session event queue of spec.md §4.5:
//
//	lock: mutex
//	events: FIFO<Event>
//	fiber_active: bool
//	session: StrongRef<Session>
type Queue struct {
	mu          sync.Mutex
	events      []Event
	fiberActive bool

	session Session
	handler Handler
	table   *Table

	launch func(drain func())

	lastActivity atomic.Int64 // unix nano, for idle accounting
}

// NewQueue builds a queue for session, owned by table, whose draining
// fiber is started via launch (typically a closure over a
// *fiber.Scheduler: func(drain func()) { sched.Launch(func(c *fiber.Context) { drain() }) }).
func NewQueue(s Session, h Handler, t *Table, launch func(drain func())) *Queue {
	q := &Queue{session: s, handler: h, table: t, launch: launch}
	q.lastActivity.Store(time.Now().UnixNano())
	return q
}

// Enqueue implements the producer rule: lock, launch a draining fiber if
// none is active, push, unlock. Called from the reactor thread (or any
// producer) on every protocol event.
func (q *Queue) Enqueue(ev Event) {
	q.mu.Lock()
	q.lastActivity.Store(time.Now().UnixNano())
	needLaunch := !q.fiberActive
	if needLaunch {
		q.fiberActive = true
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	if needLaunch {
		q.launch(q.drain)
	}
}

// drain implements the consumer rule and runs inside the single fiber
// draining this queue. It loops until the queue is empty, at which point
// it clears fiber_active and returns (terminating the fiber).
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.events) == 0 {
			q.fiberActive = false
			q.mu.Unlock()
			return
		}
		ev := q.events[0]
		q.events = q.events[1:]
		if ev.Kind.IsTerminal() && q.table != nil {
			q.table.Remove(q.session.ID())
		}
		q.mu.Unlock()

		q.invoke(ev)
	}
}

// invoke calls the user handler, recovering from a panic per spec.md §4.5
// ("on exception, log and close the socket") and §7 rule 5 ("any exception
// raised inside a fiber ... callback is caught ... socket-bound fibers
// additionally close the socket").
func (q *Queue) invoke(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session event handler panicked, closing session", "session_id", q.session.ID(), "panic", r)
			_ = q.session.Close()
		}
	}()
	q.handler(q.session, ev)
}

// FiberActive reports whether a fiber is currently draining this queue —
// exposed for tests of the "at most one fiber per session" invariant.
func (q *Queue) FiberActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fiberActive
}

// Table is the session registry: the table holds the queue, not the
// session, per spec.md §9 ("The table holds the queue, not the session.
// Callbacks on the socket locate the queue through a handle carried in the
// socket object ... never via a strong back-pointer.").
type Table struct {
	mu     sync.RWMutex
	queues map[ID]*Queue
}

// NewTable builds an empty session table.
func NewTable() *Table {
	return &Table{queues: make(map[ID]*Queue)}
}

// Register adds q to the table under its session's ID.
func (t *Table) Register(q *Queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[q.session.ID()] = q
}

// Get resolves id to its queue, if the session is still registered.
func (t *Table) Get(id ID) (*Queue, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.queues[id]
	return q, ok
}

// Remove deletes id's entry, called when its terminal event is dequeued.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queues, id)
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.queues)
}
