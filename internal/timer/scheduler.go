// Package timer implements the monotonic-time priority queue scheduler of
// spec.md §4.2, grounded on
// original_source/poseidon/static/timer_scheduler.cpp.
package timer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Callback is invoked with the timer's ideal fire time (the due time before
// any rescheduling for this fire), matching original_source's contract of
// invoking the callback with the pre-advance due time.
type Callback func(ideal time.Time)

// weakTimer is what the scheduler holds: a weak reference emulated by a
// liveness flag the Handle can clear. Go has no native weak pointers, so
// "abandoned" doubles for "the timer is gone" — once Cancel is called, the
// scheduler drops the entry on next pop exactly as if the strong reference
// had vanished (spec.md §3 "abandoned flag").
type weakTimer struct {
	mu        sync.Mutex
	abandoned bool
	cb        Callback
}

// Handle is returned by InsertWeak and lets the caller cancel the timer.
type Handle struct {
	id uuid.UUID
	wt *weakTimer
}

// Cancel abandons the timer; it will be dropped, not fired, the next time
// the scheduler considers it.
func (h *Handle) Cancel() {
	h.wt.mu.Lock()
	h.wt.abandoned = true
	h.wt.mu.Unlock()
}

type queuedTimer struct {
	id      uuid.UUID
	wt      *weakTimer
	next    time.Time
	period  time.Duration
	heapIdx int
}

type timerHeap []*queuedTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*queuedTimer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

const (
	minDelay  = 0
	maxDelay  = 24000 * time.Hour
	minPeriod = 0
	maxPeriod = 24000 * time.Hour
)

// Metrics is the minimal surface reported to internal/metrics.
type Metrics interface {
	IncFired()
	ObserveQueueDepth(n int)
}

// Scheduler fires callbacks at monotonic-time deadlines.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond
	heap timerHeap

	metrics Metrics
}

// New builds a timer scheduler.
func New(m Metrics) *Scheduler {
	s := &Scheduler{metrics: m}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// InsertWeak adds a weak reference to a timer that fires after delay, and
// every period thereafter (period == 0 means one-shot). Thread-safe.
func (s *Scheduler) InsertWeak(delay, period time.Duration, cb Callback) (*Handle, error) {
	if delay < minDelay || delay > maxDelay {
		return nil, errOutOfRange("delay", delay)
	}
	if period < minPeriod || period > maxPeriod {
		return nil, errOutOfRange("period", period)
	}

	wt := &weakTimer{cb: cb}
	qt := &queuedTimer{
		id:     uuid.New(),
		wt:     wt,
		next:   time.Now().Add(delay),
		period: period,
	}

	s.mu.Lock()
	heap.Push(&s.heap, qt)
	n := s.heap.Len()
	s.cond.Signal()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveQueueDepth(n)
	}
	return &Handle{id: qt.id, wt: wt}, nil
}

func errOutOfRange(field string, v time.Duration) error {
	return &rangeError{field: field, value: v}
}

type rangeError struct {
	field string
	value time.Duration
}

func (e *rangeError) Error() string {
	return "timer " + e.field + " out of range [0, 24000h]: " + e.value.String()
}

// Run calls ThreadLoop repeatedly until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		close(stop)
	}()
	for {
		select {
		case <-stop:
			return
		default:
		}
		s.ThreadLoop(ctx)
	}
}

// ThreadLoop runs one iteration of spec.md §4.2's algorithm.
func (s *Scheduler) ThreadLoop(ctx context.Context) {
	s.mu.Lock()

	for s.heap.Len() == 0 {
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.cond.Wait()
	}

	head := s.heap[0]
	now := time.Now()
	if now.Before(head.next) {
		wait := head.next.Sub(now)
		timer := time.AfterFunc(wait, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
		s.mu.Unlock()
		return
	}

	popped := heap.Pop(&s.heap).(*queuedTimer)
	s.mu.Unlock()

	popped.wt.mu.Lock()
	abandoned := popped.wt.abandoned
	cb := popped.wt.cb
	popped.wt.mu.Unlock()

	if abandoned {
		return
	}

	ideal := popped.next
	if popped.period != 0 {
		popped.next = popped.next.Add(popped.period)
		s.mu.Lock()
		heap.Push(&s.heap, popped)
		s.mu.Unlock()
	}

	s.invoke(cb, ideal)
}

func (s *Scheduler) invoke(cb Callback, ideal time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("timer callback panicked", "panic", r)
		}
	}()
	cb(ideal)
	if s.metrics != nil {
		s.metrics.IncFired()
	}
}

// Size returns the number of live timer entries.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}
