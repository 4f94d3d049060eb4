package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimersFireInDueOrder(t *testing.T) {
	s := New(nil)
	var rec chanOrder
	_, err := s.InsertWeak(30*time.Millisecond, 0, func(ideal time.Time) { rec.record("second") })
	require.NoError(t, err)
	_, err = s.InsertWeak(5*time.Millisecond, 0, func(ideal time.Time) { rec.record("first") })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0])
	assert.Equal(t, "second", got[1])
}

func TestPeriodicTimerFiresRepeatedly(t *testing.T) {
	s := New(nil)
	var fires atomic.Int32
	_, err := s.InsertWeak(10*time.Millisecond, 20*time.Millisecond, func(ideal time.Time) {
		fires.Add(1)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	s.Run(ctx)

	n := fires.Load()
	assert.GreaterOrEqual(t, n, int32(48))
	assert.LessOrEqual(t, n, int32(52))
}

func TestCancelledTimerDoesNotFire(t *testing.T) {
	s := New(nil)
	var fired atomic.Bool
	h, err := s.InsertWeak(20*time.Millisecond, 0, func(ideal time.Time) { fired.Store(true) })
	require.NoError(t, err)
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.False(t, fired.Load())
}

func TestOutOfRangeDelayRejected(t *testing.T) {
	s := New(nil)
	_, err := s.InsertWeak(-1, 0, func(time.Time) {})
	assert.Error(t, err)

	_, err = s.InsertWeak(0, 25000*time.Hour, func(time.Time) {})
	assert.Error(t, err)
}

// chanOrder is a tiny concurrency-safe recorder of fire order.
type chanOrder struct {
	mu    sync.Mutex
	order []string
}

func (c *chanOrder) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, name)
}

func (c *chanOrder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
