package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/servicemarket/internal/metrics"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// WorkerPool drains the jobs table. Jobs are written by the store in the same
// transaction as the change that caused them, so every committed change gets
// its jobs run at least once.
type WorkerPool struct {
	repo         repository.JobRepo
	handlers     map[string]Handler
	logger       *slog.Logger
	workerCount  int
	pollInterval time.Duration
	retention    time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewWorkerPool(repo repository.JobRepo, handlers map[string]Handler, logger *slog.Logger, workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		repo:         repo,
		handlers:     handlers,
		logger:       logger,
		workerCount:  workerCount,
		pollInterval: 500 * time.Millisecond,
		stop:         make(chan struct{}),
	}
}

// SetPollInterval changes how long an idle worker sleeps between polls.
func (p *WorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

// SetRetention sets how long done jobs are kept. Zero keeps them forever.
func (p *WorkerPool) SetRetention(d time.Duration) {
	if d >= 0 {
		p.retention = d
	}
}

// Start requeues jobs orphaned by a previous run and launches the worker goroutines
// and, when a retention is set, the pruner.
func (p *WorkerPool) Start(ctx context.Context) {
	if n, err := p.repo.RequeueRunning(ctx); err != nil {
		p.logger.Error("requeue running jobs", "err", err)
	} else if n > 0 {
		p.logger.Info("requeued orphaned jobs", "count", n)
	}

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	if p.retention > 0 {
		p.wg.Add(1)
		go p.pruner(ctx)
	}
}

func (p *WorkerPool) pruner(ctx context.Context) {
	defer p.wg.Done()
	interval := p.retention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	for {
		if _, err := p.PruneOnce(ctx); err != nil {
			p.logger.Error("prune jobs", "err", err)
		}
		p.sleep(ctx, interval)
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// PruneOnce deletes done jobs older than the retention.
func (p *WorkerPool) PruneOnce(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}

	n, err := p.repo.PruneJobs(ctx, time.Now().Add(-p.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned finished jobs", "count", n)
	}

	return n, nil
}

// Stop signals workers to stop and waits for them
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.logger.Info("worker stopping", "id", id)
			return
		case <-ctx.Done():
			p.logger.Info("context canceled, worker exiting", "id", id)
			return
		default:
		}

		ran, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("fetch job", "err", err)
			p.sleep(ctx, time.Second)
			continue
		}
		if !ran {
			p.sleep(ctx, p.pollInterval)
		}
	}
}

func (p *WorkerPool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stop:
	case <-ctx.Done():
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// found; handler failures are recorded on the job, not returned.
func (p *WorkerPool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.repo.FetchNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	h, ok := p.handlers[job.Type]
	if !ok {
		job.Status = StatusFailed
		job.LastError = ErrNoHandler.Error()
		if mvErr := p.repo.MoveToDeadLetter(ctx, job); mvErr != nil {
			p.logger.Error("move to dead letter", "err", mvErr)
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, StatusFailed).Inc()
		return true, nil
	}

	herr := p.run(ctx, h, job)
	if herr == nil {
		job.Status = StatusDone
		if upErr := p.repo.UpdateJob(ctx, job); upErr != nil {
			p.logger.Error("update finished job", "err", upErr, "job_id", job.ID)
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, StatusDone).Inc()
		return true, nil
	}

	// handler returned error
	job.Attempts++
	job.LastError = herr.Error()

	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		job.LastError = fmt.Sprintf("%s: %s", ErrMaxAttempts, job.LastError)
		if mvErr := p.repo.MoveToDeadLetter(ctx, job); mvErr != nil {
			p.logger.Error("move to dead letter", "err", mvErr)
		}
		p.logger.Warn("job dead-lettered", "job_id", job.ID, "type", job.Type, "err", job.LastError)
		metrics.JobsProcessed.WithLabelValues(job.Type, StatusFailed).Inc()
		return true, nil
	}

	// schedule retry with backoff
	t := time.Now().Add(BackoffDuration(job.Attempts))
	job.NextTryAt = &t
	job.Status = StatusRetry
	if upErr := p.repo.UpdateJob(ctx, job); upErr != nil {
		p.logger.Error("update job for retry", "err", upErr)
	}
	metrics.JobsProcessed.WithLabelValues(job.Type, StatusRetry).Inc()

	return true, nil
}

// run invokes h, turning a panic into an error so one bad job cannot kill a worker.
func (p *WorkerPool) run(ctx context.Context, h Handler, job *models.BackgroundJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, job)
}

// Drain runs jobs until none is ready.
func (p *WorkerPool) Drain(ctx context.Context) error {
	for {
		ran, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}
