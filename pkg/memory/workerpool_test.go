package memory

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	id   int
	fail bool
	hits *atomic.Int32
}

func (j *fakeJob) Process(ctx context.Context) (int, error) {
	j.hits.Add(1)
	if j.fail {
		return 0, errors.New("job failed")
	}
	return j.id * 2, nil
}

func TestWorkerPoolProcessesAllJobs(t *testing.T) {
	var hits atomic.Int32
	jobs := make([]*fakeJob, 10)
	for i := range jobs {
		jobs[i] = &fakeJob{id: i, hits: &hits}
	}

	pool := NewWorkerPool[*fakeJob, int](3, log.New(io.Discard))
	results := pool.Process(context.Background(), jobs, time.Second)

	seen := make(map[int]bool)
	for r := range results {
		require.NoError(t, r.Error)
		seen[r.Result] = true
	}
	assert.Len(t, seen, 10)
	assert.Equal(t, int32(10), hits.Load())
}

func TestWorkerPoolPropagatesJobErrors(t *testing.T) {
	var hits atomic.Int32
	jobs := []*fakeJob{
		{id: 1, hits: &hits},
		{id: 2, fail: true, hits: &hits},
	}

	pool := NewWorkerPool[*fakeJob, int](2, log.New(io.Discard))

	var failed, succeeded int
	for r := range pool.Process(context.Background(), jobs, time.Second) {
		if r.Error != nil {
			failed++
			assert.True(t, r.Job.fail)
		} else {
			succeeded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, succeeded)
}

func TestWorkerPoolEmptyJobList(t *testing.T) {
	pool := NewWorkerPool[*fakeJob, int](2, log.New(io.Discard))
	results := pool.Process(context.Background(), nil, time.Second)

	_, open := <-results
	assert.False(t, open)
}
