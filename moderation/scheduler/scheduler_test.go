package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/stretchr/testify/assert"
)

func TestPerKeyOrdering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var lk sync.Mutex
	seen := map[string][]uint64{}
	var overlap atomic.Bool

	do := func(ctx context.Context, job *models.FanoutJob) error {
		lk.Lock()
		prev := seen[job.Domain]
		if len(prev) > 0 && prev[len(prev)-1] > job.ID {
			overlap.Store(true)
		}
		seen[job.Domain] = append(prev, job.ID)
		lk.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	}

	s := NewScheduler(4, "test-ordering", do)

	id := uint64(0)
	for i := 0; i < 20; i++ {
		for _, d := range []string{"a.example", "b.example", "c.example"} {
			id++
			assert.NoError(s.AddWork(ctx, d, &models.FanoutJob{ID: id, Domain: d}))
		}
	}
	s.WaitIdle()
	s.Shutdown()

	assert.False(overlap.Load())
	for _, d := range []string{"a.example", "b.example", "c.example"} {
		assert.Len(seen[d], 20)
	}
	assert.ErrorIs(s.AddWork(ctx, "a.example", &models.FanoutJob{ID: 999}), ErrShutdown)
}

func TestSameKeyNeverConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var inflight atomic.Int32
	var maxInflight atomic.Int32
	do := func(ctx context.Context, job *models.FanoutJob) error {
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}

	s := NewScheduler(8, "test-same-key", do)
	for i := 1; i <= 10; i++ {
		assert.NoError(s.AddWork(ctx, "example.com", &models.FanoutJob{ID: uint64(i)}))
	}
	assert.True(s.Busy("example.com"))
	s.WaitIdle()
	assert.False(s.Busy("example.com"))
	s.Shutdown()

	assert.Equal(int32(1), maxInflight.Load())
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// both jobs must be running at the same time for either to finish
	var wg sync.WaitGroup
	wg.Add(2)
	do := func(ctx context.Context, job *models.FanoutJob) error {
		wg.Done()
		wg.Wait()
		return nil
	}

	s := NewScheduler(2, "test-concurrent", do)
	assert.NoError(s.AddWork(ctx, "a.example", &models.FanoutJob{ID: 1}))
	assert.NoError(s.AddWork(ctx, "b.example", &models.FanoutJob{ID: 2}))

	done := make(chan struct{})
	go func() {
		s.WaitIdle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs for different domains did not run concurrently")
	}
	s.Shutdown()
}

func TestShutdownCancelsRunningJob(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	started := make(chan struct{})
	var cancelled atomic.Bool
	do := func(ctx context.Context, job *models.FanoutJob) error {
		if job.ID == 1 {
			close(started)
		}
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			return ctx.Err()
		case <-time.After(30 * time.Second):
			return nil
		}
	}

	s := NewScheduler(1, "test-shutdown", do)
	assert.NoError(s.AddWork(ctx, "example.com", &models.FanoutJob{ID: 1}))
	assert.NoError(s.AddWork(ctx, "example.com", &models.FanoutJob{ID: 2}))
	<-started

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited for a running job to finish")
	}
	assert.True(cancelled.Load())
}
