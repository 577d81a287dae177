package admission

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitQueued(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().QueuedTasks == n }, time.Second, time.Millisecond)
}

func TestOversizedItemAdmittedWhenIdle(t *testing.T) {
	s := New(2, 100)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Acquire(ctx, 1000))
	st := s.State()
	assert.Equal(t, 1, st.ActiveTasks)
	assert.Equal(t, int64(1000), st.BytesInFlight)
	s.Release(1000)
	assert.Equal(t, State{MaxConcurrent: 2, MaxBytesInFlight: 100}, s.State())
}

func TestFIFONoOvertaking(t *testing.T) {
	s := New(2, 100)
	ctx := context.Background()
	require.NoError(t, s.Acquire(ctx, 60))

	admitted := make(chan string, 2)
	go func() {
		_ = s.Acquire(ctx, 60)
		admitted <- "big"
	}()
	waitQueued(t, s, 1)
	go func() {
		_ = s.Acquire(ctx, 10)
		admitted <- "small"
	}()
	waitQueued(t, s, 2)
	assert.Equal(t, 1, s.State().ActiveTasks)

	s.Release(60)
	got := []string{<-admitted, <-admitted}
	assert.ElementsMatch(t, []string{"big", "small"}, got)
	st := s.State()
	assert.Equal(t, 2, st.ActiveTasks)
	assert.Equal(t, int64(70), st.BytesInFlight)
	assert.Equal(t, 0, st.QueuedTasks)
}

func TestReleaseAdmitsSeveralWaiters(t *testing.T) {
	s := New(4, 100)
	ctx := context.Background()
	require.NoError(t, s.Acquire(ctx, 100))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Acquire(ctx, 30)
		}()
	}
	waitQueued(t, s, 3)
	s.Release(100)
	wg.Wait()
	st := s.State()
	assert.Equal(t, 3, st.ActiveTasks)
	assert.Equal(t, int64(90), st.BytesInFlight)
}

func TestAcquireCancelledWaiter(t *testing.T) {
	s := New(1, 10)
	require.NoError(t, s.Acquire(context.Background(), 5))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Acquire(ctx, 5) }()
	waitQueued(t, s, 1)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, s.State().QueuedTasks)
	assert.Equal(t, 1, s.State().ActiveTasks)
}

func TestDrain(t *testing.T) {
	s := New(2, 100)
	require.NoError(t, s.Drain(context.Background()))
	require.NoError(t, s.Acquire(context.Background(), 10))

	done := make(chan error, 1)
	go func() { done <- s.Drain(context.Background()) }()
	select {
	case <-done:
		t.Fatal("drain returned while a task is active")
	case <-time.After(20 * time.Millisecond):
	}
	s.Release(10)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not return after release")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Acquire(context.Background(), 10))
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)
}

func TestAdmissionInvariantUnderLoad(t *testing.T) {
	const (
		maxConcurrent = 3
		maxBytes      = 100
	)
	s := New(maxConcurrent, maxBytes)
	rnd := rand.New(rand.NewSource(1))
	sizes := make([]int64, 200)
	for i := range sizes {
		sizes[i] = rnd.Int63n(150)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		violations []State
	)
	for _, est := range sizes {
		wg.Add(1)
		go func(est int64) {
			defer wg.Done()
			require.NoError(t, s.Acquire(context.Background(), est))
			st := s.State()
			if st.ActiveTasks > 1 && (st.ActiveTasks > maxConcurrent || st.BytesInFlight > maxBytes) {
				mu.Lock()
				violations = append(violations, st)
				mu.Unlock()
			}
			time.Sleep(time.Duration(est%3) * time.Millisecond)
			s.Release(est)
		}(est)
	}
	wg.Wait()
	assert.Empty(t, violations)
	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, 0, s.State().ActiveTasks)
	assert.Equal(t, int64(0), s.State().BytesInFlight)
}
