package fiber_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lhmouse/poseidon-go/internal/fiber"
	"github.com/lhmouse/poseidon-go/internal/future"
)

func runScheduler(t *testing.T, s *fiber.Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Run(ctx)
}

func TestLaunchRunsToCompletion(t *testing.T) {
	s := fiber.New(15*time.Second, 300*time.Second, 0, nil)
	var ran atomic.Bool
	s.Launch(func(c *fiber.Context) {
		ran.Store(true)
	})

	done := make(chan struct{})
	go func() {
		for s.Size() > 0 {
			s.ThreadLoop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}
	assert.True(t, ran.Load())
}

func TestYieldResumesOnFutureReady(t *testing.T) {
	s := fiber.New(15*time.Second, 300*time.Second, 0, nil)
	f := future.New[int]()
	var observed int

	s.Launch(func(c *fiber.Context) {
		c.Yield(f)
		v, _ := f.Result()
		observed = v
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.SetSuccess(42)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Size() > 0 && time.Now().Before(deadline) {
		s.ThreadLoop()
	}
	require.Equal(t, 0, s.Size())
	assert.Equal(t, 42, observed)
}

func TestFailTimeoutForcesResume(t *testing.T) {
	s := fiber.New(15*time.Second, 50*time.Millisecond, 0, nil)
	f := future.New[int]()
	resumed := make(chan struct{})

	s.Launch(func(c *fiber.Context) {
		c.Yield(f)
		close(resumed)
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.ThreadLoop()
		select {
		case <-resumed:
			assert.False(t, f.Ready(), "future should remain unresolved from its owner's perspective")
			return
		default:
		}
	}
	t.Fatal("fiber was never resumed after fail_timeout")
}

func TestResumeCountEqualsSuspendPlusOne(t *testing.T) {
	s := fiber.New(15*time.Second, 300*time.Second, 0, nil)
	var resumes atomic.Int32
	f1 := future.New[int]()
	f2 := future.New[int]()

	s.Launch(func(c *fiber.Context) {
		resumes.Add(1)
		c.Yield(f1)
		resumes.Add(1)
		c.Yield(f2)
		resumes.Add(1)
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		f1.SetSuccess(1)
		time.Sleep(10 * time.Millisecond)
		f2.SetSuccess(1)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Size() > 0 && time.Now().Before(deadline) {
		s.ThreadLoop()
	}
	assert.Equal(t, int32(3), resumes.Load())
}
