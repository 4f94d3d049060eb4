package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     ID
	closed atomic.Bool
}

func (f *fakeSession) ID() ID        { return f.id }
func (f *fakeSession) Close() error  { f.closed.Store(true); return nil }

func syncLaunch(drain func()) {
	// Run the "fiber" inline but on its own goroutine, matching the real
	// scheduler's contract of not blocking the enqueuing thread.
	go drain()
}

func TestEventsDeliveredInFIFOOrder(t *testing.T) {
	table := NewTable()
	var order []int
	done := make(chan struct{})

	q := NewQueue(&fakeSession{id: 1}, func(s Session, ev Event) {
		order = append(order, int(ev.Payload[0]))
		if ev.Kind.IsTerminal() {
			close(done)
		}
	}, table, syncLaunch)
	table.Register(q)

	q.Enqueue(Event{Kind: EventData, Payload: []byte{1}})
	q.Enqueue(Event{Kind: EventData, Payload: []byte{2}})
	q.Enqueue(Event{Kind: EventClose, Payload: []byte{3}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("terminal event never delivered")
	}

	assert.Equal(t, []int{1, 2, 3}, order)
	_, ok := table.Get(1)
	assert.False(t, ok, "terminal event must remove the session from the table")
}

func TestAtMostOneFiberPerSession(t *testing.T) {
	table := NewTable()
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	done := make(chan struct{})

	var q *Queue
	q = NewQueue(&fakeSession{id: 2}, func(s Session, ev Event) {
		n := concurrent.Add(1)
		for {
			m := maxConcurrent.Load()
			if n <= m || maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		concurrent.Add(-1)
		if ev.Kind.IsTerminal() {
			close(done)
		}
	}, table, syncLaunch)
	table.Register(q)

	for i := 0; i < 20; i++ {
		q.Enqueue(Event{Kind: EventData})
	}
	q.Enqueue(Event{Kind: EventClose})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal event never delivered")
	}

	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestPanicInHandlerClosesSession(t *testing.T) {
	table := NewTable()
	sess := &fakeSession{id: 3}
	q := NewQueue(sess, func(s Session, ev Event) {
		panic("handler blew up")
	}, table, syncLaunch)
	table.Register(q)

	q.Enqueue(Event{Kind: EventData})

	require.Eventually(t, func() bool { return sess.closed.Load() }, time.Second, time.Millisecond)
}
