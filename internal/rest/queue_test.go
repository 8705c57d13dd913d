package rest

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *fakeSleeper) Sleep(d time.Duration) {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
}

func (s *fakeSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestQueue(now time.Time) (*Queue, *fakeSleeper) {
	sleeper := &fakeSleeper{}
	q := NewQueue()
	q.Clock = func() time.Time { return now }
	q.Sleep = sleeper.Sleep
	return q, sleeper
}

func TestQueueWaitsForExhaustedBucket(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q, sleeper := newTestQueue(now)

	var throttled time.Duration
	q.OnThrottle = func(wait time.Duration) { throttled = wait }
	q.SetRateLimit(RateLimit{Remaining: 0, ResetAt: now.Add(2 * time.Second), Known: true})

	value, err := Submit(q, func() (int, error) { return 7, nil }).Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Waits())
	assert.Equal(t, 2*time.Second, throttled)
}

func TestQueueRunsImmediatelyWhenRemaining(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q, sleeper := newTestQueue(now)
	q.SetRateLimit(RateLimit{Remaining: 1, ResetAt: now.Add(time.Minute), Known: true})

	_, err := Submit(q, func() (struct{}, error) { return struct{}{}, nil }).Wait()
	require.NoError(t, err)
	assert.Empty(t, sleeper.Waits())

	q.SetRateLimit(RateLimit{Remaining: 0, ResetAt: now.Add(-time.Second), Known: true})
	_, err = Submit(q, func() (struct{}, error) { return struct{}{}, nil }).Wait()
	require.NoError(t, err)
	assert.Empty(t, sleeper.Waits())
}

func TestQueueNextTaskSeesStateFromPrevious(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q, sleeper := newTestQueue(now)

	first := Submit(q, func() (int, error) {
		q.SetRateLimit(RateLimit{Remaining: 0, ResetAt: now.Add(750 * time.Millisecond), Known: true})
		return 1, nil
	})
	second := Submit(q, func() (int, error) { return 2, nil })

	v1, err := first.Wait()
	require.NoError(t, err)
	v2, err := second.Wait()
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, []time.Duration{750 * time.Millisecond}, sleeper.Waits())
}

func TestQueueFIFOWithoutOverlap(t *testing.T) {
	q := NewQueue()

	var (
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		mu          sync.Mutex
		order       []int
	)

	futures := make([]*Future[int], 0, 25)
	for i := 0; i < 25; i++ {
		futures = append(futures, Submit(q, func() (int, error) {
			current := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				seen := maxInFlight.Load()
				if current <= seen || maxInFlight.CompareAndSwap(seen, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)

			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}

	for i, f := range futures {
		value, err := f.Wait()
		require.NoError(t, err)
		assert.Equal(t, i, value)
	}

	expected := make([]int, 25)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 0, q.Len())
}

func TestQueuesRunConcurrentlyAcrossBuckets(t *testing.T) {
	a := NewQueue()
	b := NewQueue()

	release := make(chan struct{})
	blocked := Submit(a, func() (bool, error) {
		select {
		case <-release:
			return true, nil
		case <-time.After(5 * time.Second):
			return false, nil
		}
	})
	other := Submit(b, func() (bool, error) {
		close(release)
		return true, nil
	})

	ok, err := other.Wait()
	require.NoError(t, err)
	require.True(t, ok)

	released, err := blocked.Wait()
	require.NoError(t, err)
	assert.True(t, released, "task on a second bucket must not wait for the first")
}

func TestQueueFailureIsolation(t *testing.T) {
	q := NewQueue()
	boom := errors.New("boom")

	failed := Submit(q, func() (int, error) { return 0, boom })
	panicked := Submit(q, func() (int, error) { panic("kaboom") })
	after := Submit(q, func() (int, error) { return 42, nil })

	_, err := failed.Wait()
	assert.ErrorIs(t, err, boom)

	_, err = panicked.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	value, err := after.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestQueueRestartsAfterDrain(t *testing.T) {
	q := NewQueue()

	value, err := Submit(q, func() (string, error) { return "first", nil }).Wait()
	require.NoError(t, err)
	assert.Equal(t, "first", value)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.running
	}, time.Second, time.Millisecond)

	value, err = Submit(q, func() (string, error) { return "second", nil }).Wait()
	require.NoError(t, err)
	assert.Equal(t, "second", value)
}

func TestFutureDone(t *testing.T) {
	q := NewQueue()
	f := Submit(q, func() (int, error) { return 1, nil })

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("future did not settle")
	}
}
