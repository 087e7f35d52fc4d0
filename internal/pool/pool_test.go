package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJob(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 4})

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))
	p.Close() // waits for in-flight jobs
	assert.True(t, ran.Load())

	submitted, completed, failed := p.Stats()
	assert.Equal(t, int64(1), submitted)
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(0), failed)
}

func TestFailedJobCounted(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})

	boom := errors.New("boom")
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return boom }))
	p.Close()

	_, _, failed := p.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestSubmitBackpressure(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	defer p.Close()

	block := make(chan struct{})
	// Occupy the worker, then fill the queue.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	// The queue admits one more; eventually a submit must be refused.
	overflowed := false
	for i := 0; i < 10; i++ {
		if err := p.Submit(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			assert.Equal(t, ErrPoolFull, err)
			overflowed = true
			break
		}
	}
	close(block)
	assert.True(t, overflowed)
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	p.Close()
	assert.Equal(t, ErrPoolClosed, p.Submit(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestPanicRecovered(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 2})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("oops")
	}))

	// The worker survives the panic and keeps serving jobs.
	ran := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(ran)
		return nil
	}))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	p.Close()

	_, completed, failed := p.Stats()
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(1), failed)
}

func TestAcceptedJobRunsDespiteCanceledContext(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 2})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan struct{})
	require.NoError(t, p.Submit(ctx, func(jobCtx context.Context) error {
		close(ran)
		return jobCtx.Err()
	}))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("accepted job never ran")
	}
}
