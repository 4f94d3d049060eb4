// Package fiber implements the cooperative fiber scheduler of spec.md §4.1.
//
// Re-architecting note (spec.md §9 "Coroutines via stack switching"): Go has
// no portable setjmp/longjmp-like primitive, so each fiber runs on its own
// goroutine instead of a raw stack-switched context. The scheduler thread
// hands control to a fiber by sending on a per-fiber resume channel and
// blocks on a per-fiber done channel until the fiber yields or terminates —
// this reproduces "exactly one fiber runs at a time under this scheduler"
// and the full check_time/async_time/warn_timeout/fail_timeout algorithm
// from original_source/poseidon/static/fiber_scheduler.cpp; only the literal
// context-switch instruction differs.
package fiber

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State mirrors original_source's Fiber_State enum.
type State int32

const (
	Pending State = iota
	Suspended
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Suspended:
		return "suspended"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ReadyChecker is satisfied by future.Future[T] without an adapter: any
// future a fiber can watch exposes Ready() and AddWaiter(WakeToken). The
// future package imports WakeToken from here (rather than declaring a
// structurally identical interface of its own) so that AddWaiter's
// parameter type is this exact named type — Go interface satisfaction
// matches on type identity, not structural shape.
type ReadyChecker interface {
	Ready() bool
	AddWaiter(w WakeToken)
}

// WakeToken is pulsed by a Future when it becomes ready.
type WakeToken interface {
	Pulse(now time.Time)
}

// Func is the body of a fiber. ctx.Yield suspends the fiber; fn returning
// terminates it.
type Func func(ctx *Context)

// Context is passed to a running fiber body.
type Context struct {
	entry *entry
	sched *Scheduler
}

// Yield suspends the current fiber, optionally attaching a watched future.
// Spec.md §4.1 "yield(current, future_opt)": records yield_time, publishes
// async_time, attaches a waiter, then hands control back to the scheduler.
func (c *Context) Yield(watched ReadyChecker) {
	now := time.Now()
	c.entry.yieldTime.Store(now.UnixNano())
	c.entry.asyncTime.Store(now.UnixNano())
	c.entry.mu.Lock()
	c.entry.watched = watched
	c.entry.mu.Unlock()
	if watched != nil {
		watched.AddWaiter(&wakeToken{e: c.entry})
	}
	c.entry.state.Store(int32(Suspended))
	c.entry.doneCh <- struct{}{}
	<-c.entry.resumeCh
	c.entry.state.Store(int32(Running))
}

// Abandoned reports whether the scheduler owner asked this fiber to wind
// down. User code is expected to check this and return promptly.
func (c *Context) Abandoned() bool {
	return c.entry.abandoned.Load()
}

// wakeToken stores "now" into the owning entry's async_time, exactly per
// spec.md §3 "a reference to the waiting fiber's async_time atomic".
type wakeToken struct{ e *entry }

func (w *wakeToken) Pulse(now time.Time) {
	w.e.asyncTime.Store(now.UnixNano())
}

// Handle identifies a launched fiber to the caller of Launch.
type Handle struct {
	ID uuid.UUID
}

type entry struct {
	id    uuid.UUID
	fn    Func
	state atomic.Int32

	yieldTime atomic.Int64 // unix nano
	asyncTime atomic.Int64 // unix nano, pulsed by wake tokens

	checkTime      time.Time // heap key, scheduler-owned only
	lastKnownAsync time.Time // scheduler-owned, last async_time it observed

	mu      sync.Mutex
	watched ReadyChecker

	abandoned atomic.Bool

	resumeCh chan struct{}
	doneCh   chan struct{}

	started  bool
	warnedAt time.Time
	heapIdx  int
}

// entryHeap is a min-heap on check_time (Fiber_Comparator).
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].checkTime.Before(h[j].checkTime) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Metrics is the minimal surface the scheduler reports to internal/metrics,
// kept as an interface so this package does not import prometheus.
type Metrics interface {
	ObserveQueueDepth(n int)
	IncResumed()
	IncWarnTimeout()
	IncFailTimeout()
}

// Scheduler runs fibers cooperatively on its owning goroutine. Only
// ThreadLoop/Run touch the goroutine that executes fiber bodies; Launch is
// safe to call from any goroutine.
type Scheduler struct {
	mu   sync.Mutex
	heap entryHeap

	warnTimeout time.Duration
	failTimeout time.Duration

	shutdown atomic.Bool
	backoff  time.Duration

	metrics Metrics

	stacks *stackCache
}

// New builds a scheduler. stackVMSize is the configured per-fiber stack
// reservation (spec.md §6 fiber.stack_vm_size); it is tracked only for
// accounting/metrics since Go manages goroutine stacks itself.
func New(warnTimeout, failTimeout time.Duration, stackVMSize int64, m Metrics) *Scheduler {
	return &Scheduler{
		warnTimeout: warnTimeout,
		failTimeout: failTimeout,
		metrics:     m,
		stacks:      newStackCache(stackVMSize),
	}
}

// Size returns the number of fibers currently tracked (pending, suspended,
// or running).
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Shutdown marks a shutdown signal as pending; ThreadLoop will keep
// selecting the head anyway so shutdown drains fibers (spec.md §4.1 step 1).
func (s *Scheduler) Shutdown() {
	s.shutdown.Store(true)
}

// Launch takes ownership of fn, marks it pending, and enqueues it with
// yield_time = async_time = check_time = now. Thread-safe.
func (s *Scheduler) Launch(fn Func) *Handle {
	now := time.Now()
	e := &entry{
		id:             uuid.New(),
		fn:             fn,
		checkTime:      now,
		lastKnownAsync: now,
		resumeCh:       make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	e.state.Store(int32(Pending))
	e.yieldTime.Store(now.UnixNano())
	e.asyncTime.Store(now.UnixNano())

	s.mu.Lock()
	heap.Push(&s.heap, e)
	n := s.heap.Len()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveQueueDepth(n)
	}
	return &Handle{ID: e.id}
}

// Run calls ThreadLoop repeatedly until ctx is cancelled and the scheduler
// has drained every fiber.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
		default:
		}
		s.ThreadLoop()
		if s.shutdown.Load() && s.Size() == 0 {
			return
		}
	}
}

const maxBackoff = 200 * time.Millisecond

// ThreadLoop runs one iteration of the scheduler's main loop, matching
// spec.md §4.1's nine-step algorithm.
func (s *Scheduler) ThreadLoop() {
	s.mu.Lock()

	// Step 2: empty heap — exponential backoff sleep.
	if s.heap.Len() == 0 {
		s.mu.Unlock()
		s.sleepBackoff()
		return
	}

	now := time.Now()
	head := s.heap[0]

	if head.checkTime.After(now) && !s.shutdown.Load() {
		// Step 3a: lazily re-heapify entries whose async_time moved.
		dirty := false
		for _, e := range s.heap {
			async := time.Unix(0, e.asyncTime.Load())
			if !async.Equal(e.lastKnownAsync) {
				e.checkTime = async
				e.lastKnownAsync = async
				dirty = true
			}
		}
		if dirty {
			heap.Init(&s.heap)
			head = s.heap[0]
		}

		// Step 3b: recompute time-to-head; sleep if still future.
		if head.checkTime.After(now) {
			wait := head.checkTime.Sub(now)
			s.mu.Unlock()
			if wait > maxBackoff {
				wait = maxBackoff
			}
			time.Sleep(wait)
			return
		}
	}

	// Step 4: pop head.
	popped := heap.Pop(&s.heap).(*entry)
	s.backoff = 0
	s.mu.Unlock()

	if State(popped.state.Load()) == Terminated {
		s.stacks.release()
		return
	}

	// Step 5: compute next check_time and push back.
	yieldTime := time.Unix(0, popped.yieldTime.Load())
	nextCheck := now.Add(s.warnTimeout)
	if alt := yieldTime.Add(s.failTimeout); alt.Before(nextCheck) {
		nextCheck = alt
	}
	popped.checkTime = nextCheck
	popped.lastKnownAsync = time.Unix(0, popped.asyncTime.Load())

	s.mu.Lock()
	heap.Push(&s.heap, popped)
	s.mu.Unlock()

	// Step 6: resolve watched future.
	popped.mu.Lock()
	watched := popped.watched
	popped.mu.Unlock()

	suspendedFor := now.Sub(yieldTime)
	failElapsed := suspendedFor >= s.failTimeout
	shuttingDown := s.shutdown.Load()

	if watched != nil && !watched.Ready() && !shuttingDown && !failElapsed {
		if suspendedFor >= s.warnTimeout && now.Sub(popped.warnedAt) >= s.warnTimeout {
			popped.warnedAt = now
			slog.Warn("fiber suspended beyond warn_timeout", "fiber_id", popped.id, "suspended_for", suspendedFor)
			if s.metrics != nil {
				s.metrics.IncWarnTimeout()
			}
		}
		return
	}

	if watched != nil && !watched.Ready() && failElapsed {
		slog.Error("fiber fail_timeout elapsed, forcing resume", "fiber_id", popped.id, "suspended_for", suspendedFor)
		if s.metrics != nil {
			s.metrics.IncFailTimeout()
		}
	}

	// Step 7/8: initialise if pending, then resume.
	s.resume(popped)
}

func (s *Scheduler) resume(e *entry) {
	if State(e.state.Load()) == Pending {
		e.started = true
		s.stacks.acquire()
		e.state.Store(int32(Running))
		go s.runFiber(e)
	} else {
		e.state.Store(int32(Running))
		e.resumeCh <- struct{}{}
	}

	<-e.doneCh

	if s.metrics != nil {
		s.metrics.IncResumed()
	}

	if State(e.state.Load()) != Terminated {
		// entry.state was set to Suspended by Context.Yield.
		return
	}
}

func (s *Scheduler) runFiber(e *entry) {
	ctx := &Context{entry: e, sched: s}
	e.fn(ctx)
	// Mark the entry due now so the next ThreadLoop pops and drops it
	// instead of waiting for its warn-timeout check time.
	e.asyncTime.Store(time.Now().UnixNano())
	e.state.Store(int32(Terminated))
	e.doneCh <- struct{}{}
}

func (s *Scheduler) sleepBackoff() {
	if s.backoff == 0 {
		s.backoff = 1 * time.Millisecond
	} else {
		s.backoff = s.backoff*9 + 7*time.Millisecond
	}
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
	time.Sleep(s.backoff)
}

// Abandon flips the fiber's abandoned flag (spec.md §4.1 "Cancellation").
// The fiber is still drained by the scheduler; user code is expected to
// notice Context.Abandoned() and return promptly. Per spec.md §9's open
// question, a fiber that never reaches a yield point is not forcibly
// unwound.
func (h *Handle) Abandon(s *Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.heap {
		if e.id == h.ID {
			e.abandoned.Store(true)
			return
		}
	}
}
