package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stellarlinkco/personasurvey/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBoom = errors.New("boom")

func testOptions() Options {
	return Options{
		Workers:        3,
		MaxRetries:     5,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		Metrics:        metrics.New(),
	}
}

func startPool[T, R any](t *testing.T, h Handler[T, R], opts Options) *Pool[T, R] {
	t.Helper()
	p, err := New(h, opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Stop(ctx))
	})
	return p
}

func joinAndWait[T, R any](t *testing.T, p *Pool[T, R], b *Batch[T, R]) []Outcome[T, R] {
	t.Helper()
	got := make(chan []Outcome[T, R], 2)
	require.NoError(t, p.OnJoin(b, func(o []Outcome[T, R]) { got <- o }))
	select {
	case o := <-got:
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, b.Wait(ctx))
		select {
		case <-got:
			t.Fatal("join fired twice")
		default:
		}
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("join did not fire")
		return nil
	}
}

func TestScatterJoinsWithOrderedOutcomes(t *testing.T) {
	p := startPool(t, func(_ context.Context, n int) (int, error) { return n * 2, nil }, testOptions())

	tasks := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	b, err := p.Scatter(context.Background(), "double", tasks)
	require.NoError(t, err)
	assert.Equal(t, "double", b.Key)
	assert.Equal(t, 10, b.Size())

	outcomes := joinAndWait(t, p, b)
	require.Len(t, outcomes, len(tasks))
	for i, o := range outcomes {
		assert.Equal(t, tasks[i], o.Task)
		assert.Equal(t, tasks[i]*2, o.Value)
		assert.NoError(t, o.Err)
		assert.Equal(t, 1, o.Attempts)
	}
	assert.Zero(t, b.Pending())
}

func TestScatterGeneratesKey(t *testing.T) {
	p := startPool(t, func(_ context.Context, n int) (int, error) { return n, nil }, testOptions())
	b, err := p.Scatter(context.Background(), "", []int{1})
	require.NoError(t, err)
	assert.NotEmpty(t, b.Key)
	joinAndWait(t, p, b)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var mu sync.Mutex
	calls := map[int]int{}
	p := startPool(t, func(_ context.Context, n int) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[n]++
		if calls[n] < 3 {
			return 0, errBoom
		}
		return n, nil
	}, testOptions())

	b, err := p.Scatter(context.Background(), "flaky", []int{1, 2})
	require.NoError(t, err)
	for _, o := range joinAndWait(t, p, b) {
		assert.NoError(t, o.Err)
		assert.Equal(t, 3, o.Attempts)
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	p := startPool(t, func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		return 0, backoff.Permanent(errBoom)
	}, testOptions())

	b, err := p.Scatter(context.Background(), "", []int{1})
	require.NoError(t, err)
	outcomes := joinAndWait(t, p, b)
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, errBoom)
	assert.Equal(t, 1, outcomes[0].Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 2
	p := startPool(t, func(_ context.Context, n int) (int, error) { return 0, errBoom }, opts)

	b, err := p.Scatter(context.Background(), "", []int{1, 2, 3})
	require.NoError(t, err)
	for _, o := range joinAndWait(t, p, b) {
		assert.ErrorIs(t, o.Err, errBoom)
		assert.Equal(t, 3, o.Attempts)
	}
}

func TestOnJoinAfterBatchSettled(t *testing.T) {
	p := startPool(t, func(_ context.Context, n int) (int, error) { return n, nil }, testOptions())
	b, err := p.Scatter(context.Background(), "", []int{1, 2, 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Pending() == 0 }, 5*time.Second, time.Millisecond)
	outcomes := joinAndWait(t, p, b)
	assert.Len(t, outcomes, 3)
}

func TestOnJoinRejectsSecondRegistration(t *testing.T) {
	p := startPool(t, func(_ context.Context, n int) (int, error) { return n, nil }, testOptions())
	b, err := p.Scatter(context.Background(), "", []int{1})
	require.NoError(t, err)
	joinAndWait(t, p, b)
	assert.ErrorIs(t, p.OnJoin(b, func([]Outcome[int, int]) {}), ErrJoinRegistered)

	other := startPool(t, func(_ context.Context, n int) (int, error) { return n, nil }, testOptions())
	assert.ErrorIs(t, other.OnJoin(b, func([]Outcome[int, int]) {}), ErrForeignBatch)
}

func TestEmptyBatchJoinsImmediately(t *testing.T) {
	p := startPool(t, func(_ context.Context, n int) (int, error) { return n, nil }, testOptions())
	b, err := p.Scatter(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, joinAndWait(t, p, b))
}

func TestWorkersAreBounded(t *testing.T) {
	var running, peak atomic.Int32
	opts := testOptions()
	opts.Workers = 2
	p := startPool(t, func(_ context.Context, n int) (int, error) {
		cur := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return n, nil
	}, opts)

	b, err := p.Scatter(context.Background(), "", make([]int, 12))
	require.NoError(t, err)
	joinAndWait(t, p, b)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRateLimitSpacesAttempts(t *testing.T) {
	opts := testOptions()
	opts.RatePerMinute = 6000 // one every 10ms
	p := startPool(t, func(_ context.Context, n int) (int, error) { return n, nil }, opts)

	start := time.Now()
	b, err := p.Scatter(context.Background(), "", []int{1, 2, 3, 4, 5})
	require.NoError(t, err)
	joinAndWait(t, p, b)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestStopSettlesQueuedTasks(t *testing.T) {
	p, err := New(func(_ context.Context, n int) (int, error) { return n, nil }, testOptions())
	require.NoError(t, err)

	b, err := p.Scatter(context.Background(), "", []int{1, 2})
	require.NoError(t, err)
	got := make(chan []Outcome[int, int], 1)
	require.NoError(t, p.OnJoin(b, func(o []Outcome[int, int]) { got <- o }))

	require.NoError(t, p.Stop(context.Background()))
	outcomes := <-got
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, ErrStopped)
		assert.Zero(t, o.Attempts)
	}

	_, err = p.Scatter(context.Background(), "", []int{3})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, p.Start(context.Background()), ErrStopped)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestStopCancelsInFlightOnDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, err := New(func(ctx context.Context, n int) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-release:
			return n, nil
		}
	}, testOptions())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	b, err := p.Scatter(context.Background(), "", []int{1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.backlog) == 0
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
	assert.Zero(t, b.Pending())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New[int, int](nil, Options{})
	assert.Error(t, err)
	_, err = New(func(_ context.Context, n int) (int, error) { return n, nil }, Options{MaxRetries: -1})
	assert.Error(t, err)
}
