package memory

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Job represents a unit of work.
type Job[T any] interface {
	Process(ctx context.Context) (T, error)
}

// WorkerPool is a generic dynamic worker pool with work-stealing.
type WorkerPool[J Job[R], R any] struct {
	workers int
	logger  *log.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool[J Job[R], R any](workers int, logger *log.Logger) *WorkerPool[J, R] {
	return &WorkerPool[J, R]{
		workers: workers,
		logger:  logger,
	}
}

// ProcessResult contains the result of processing a job.
type ProcessResult[J Job[R], R any] struct {
	Job    J
	Result R
	Error  error
}

// Process executes jobs using dynamic work distribution.
func (wp *WorkerPool[J, R]) Process(
	ctx context.Context,
	jobs []J,
	timeout time.Duration,
) <-chan ProcessResult[J, R] {
	jobQueue := make(chan J, len(jobs))
	results := make(chan ProcessResult[J, R], len(jobs))

	for _, job := range jobs {
		jobQueue <- job
	}
	close(jobQueue)

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go wp.worker(ctx, i, jobQueue, results, timeout, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (wp *WorkerPool[J, R]) worker(
	ctx context.Context,
	id int,
	jobs <-chan J,
	results chan<- ProcessResult[J, R],
	timeout time.Duration,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	processedCount := 0
	startTime := time.Now()

	for job := range jobs {
		jobStart := time.Now()

		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := job.Process(jobCtx)
		cancel()

		processingTime := time.Since(jobStart)

		if err != nil {
			wp.logger.Debug("Job failed", "worker", id, "duration", processingTime, "error", err)
		} else {
			wp.logger.Debug("Job completed", "worker", id, "duration", processingTime)
			processedCount++
		}

		select {
		case results <- ProcessResult[J, R]{Job: job, Result: result, Error: err}:
		case <-ctx.Done():
			wp.logger.Info("Worker stopped", "worker", id, "processed", processedCount)
			return
		}
	}

	totalTime := time.Since(startTime)
	if processedCount > 0 {
		wp.logger.Info("Worker finished", "worker", id, "processed", processedCount, "duration", totalTime)
	}
}
