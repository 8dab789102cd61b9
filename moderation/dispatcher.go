package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/fedmod/moderation/models"
	"github.com/bluesky-social/fedmod/moderation/scheduler"

	"gorm.io/gorm"
)

type DispatcherConfig struct {
	PollInterval time.Duration
	Workers      int

	// max jobs picked up per poll
	PollLimit int
}

func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		PollInterval: time.Second,
		Workers:      8,
		PollLimit:    100,
	}
}

// Dispatcher polls the job queue and runs runnable jobs on a keyed scheduler, one domain at a time per key.
type Dispatcher struct {
	engine *Engine
	config DispatcherConfig
	sched  *scheduler.Scheduler
	logger *slog.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
	done         chan struct{}
}

func (e *Engine) NewDispatcher(config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	d := &Dispatcher{
		engine:   e,
		config:   *config,
		logger:   slog.Default().With("system", "dispatcher"),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.sched = scheduler.NewScheduler(config.Workers, "fanout", d.engine.runJob)
	return d
}

// Run re-enqueues jobs interrupted by a previous crash, then polls until Shutdown is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	n, err := d.engine.Jobs.RecoverInProgress(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Warn("re-enqueued interrupted fan-out jobs", "count", n)
	}

	t := time.NewTicker(d.config.PollInterval)
	defer t.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil {
			d.logger.Error("failed to dispatch fan-out jobs", "err", err)
		}
		select {
		case <-d.shutdown:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// DispatchOnce claims the currently runnable jobs and hands them to the scheduler. Returns how many were dispatched.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if _, err := d.engine.Jobs.CountByState(ctx); err != nil {
		d.logger.Warn("failed to count fan-out jobs", "err", err)
	}

	jobs, err := d.engine.Jobs.NextRunnable(ctx, d.config.PollLimit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		if d.sched.Busy(job.Domain) {
			continue
		}
		ok, err := d.engine.Jobs.Claim(ctx, job.ID)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		if err := d.sched.AddWork(ctx, job.Domain, job); err != nil {
			if rerr := d.engine.Jobs.Release(context.Background(), job.ID); rerr != nil {
				d.logger.Error("failed to release fan-out job", "job", job.ID, "err", rerr)
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// Shutdown stops polling and interrupts running jobs at their next batch boundary. Interrupted jobs go back to the queue with their progress kept.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdown)
	})
	<-d.done
	d.sched.Shutdown()
}

// DrainJobs runs runnable jobs synchronously, in queue order, until none are left. Each job is attempted at most once per call. Returns the number of jobs attempted.
func (e *Engine) DrainJobs(ctx context.Context) (int, error) {
	count := 0
	attempted := make(map[uint64]bool)
	for {
		jobs, err := e.Jobs.NextRunnable(ctx, 100)
		if err != nil {
			return count, err
		}
		progress := false
		for _, job := range jobs {
			if attempted[job.ID] {
				continue
			}
			attempted[job.ID] = true
			ok, err := e.Jobs.Claim(ctx, job.ID)
			if err != nil {
				return count, err
			}
			if !ok {
				continue
			}
			progress = true
			count++
			if err := e.runJob(ctx, job); err != nil {
				e.Logger.Warn("fan-out job attempt failed", "job", job.ID, "domain", job.Domain, "err", err)
			}
		}
		if !progress {
			return count, nil
		}
	}
}

type jobAuditDetail struct {
	JobID        uint64          `json:"job_id"`
	Instructions string          `json:"instructions"`
	Affected     int64           `json:"affected"`
	Cursor       uint64          `json:"cursor"`
	Skipped      int             `json:"skipped,omitempty"`
	State        models.JobState `json:"state"`
	Error        string          `json:"error,omitempty"`
}

type skippedAccountDetail struct {
	JobID        uint64 `json:"job_id"`
	AccountID    uint64 `json:"account_id"`
	Instructions string `json:"instructions"`
	Error        string `json:"error"`
}

// runJob executes one claimed job and records the outcome. The job must already be in progress.
func (e *Engine) runJob(ctx context.Context, job *models.FanoutJob) error {
	ctx, span := tracer.Start(ctx, "runJob")
	defer span.End()

	ctx = WithRequestID(ctx, job.RequestID)
	logger := e.Logger.With("job", job.ID, "domain", job.Domain, "instructions", job.Instructions)

	if ctx.Err() != nil {
		// claimed, but shutdown started before it ran
		if err := e.Jobs.Release(context.Background(), job.ID); err != nil {
			logger.Error("failed to release fan-out job", "err", err)
		}
		return nil
	}

	if e.Locker != nil {
		lk, ok, err := e.Locker.TryLock(ctx, job.Domain)
		if err != nil || !ok {
			if rerr := e.Jobs.Release(ctx, job.ID); rerr != nil {
				logger.Error("failed to release fan-out job", "err", rerr)
			}
			if err != nil {
				return err
			}
			logger.Info("domain is locked by another process, deferring fan-out job")
			return nil
		}
		stop := keepLockAlive(lk, e.Locker.TTL(), logger)
		defer func() {
			stop()
			if err := lk.Release(context.Background()); err != nil {
				logger.Warn("failed to release domain lock", "err", err)
			}
		}()
	}

	start := time.Now()
	instrs, err := DecodeInstructions(job.Instructions)
	var affected int64
	skipped := 0
	if err == nil {
		logger.Info("running fan-out job", "cursor", job.Cursor, "retries", job.RetryCount)
		affected, err = e.Executor.Execute(ctx, job.Domain, instrs, ExecuteOptions{
			StartAfter: job.Cursor,
			Checkpoint: func(ctx context.Context, cursor uint64, n int64) error {
				return e.Jobs.Checkpoint(ctx, job.ID, cursor, job.Affected+n)
			},
			Skip: func(ctx context.Context, accountID uint64, cause error) error {
				if err := e.Jobs.RecordSkipped(ctx, job, accountID, cause); err != nil {
					return err
				}
				skipped++
				b, _ := json.Marshal(skippedAccountDetail{
					JobID:        job.ID,
					AccountID:    accountID,
					Instructions: job.Instructions,
					Error:        truncateError(cause, 1000),
				})
				e.Audit.Record(ctx, "fanout.account_skipped", job.Domain, job.Actor, string(b))
				return nil
			},
		})
	}
	fanoutJobDuration.Observe(time.Since(start).Seconds())
	total := job.Affected + affected

	detail := jobAuditDetail{
		JobID:        job.ID,
		Instructions: job.Instructions,
		Affected:     total,
		Skipped:      skipped,
	}

	if err != nil && ctx.Err() != nil {
		// shutting down; progress up to the last checkpoint is kept and the job is picked up again on the next start
		if rerr := e.Jobs.Release(context.Background(), job.ID); rerr != nil {
			logger.Error("failed to release interrupted fan-out job", "err", rerr)
		}
		logger.Info("fan-out job interrupted", "err", err)
		return nil
	}

	if err != nil {
		state, ferr := e.Jobs.Fail(ctx, job, err)
		if ferr != nil {
			logger.Error("failed to record fan-out job failure", "err", ferr)
			return errors.Join(err, ferr)
		}
		fanoutJobsFinished.WithLabelValues(string(state)).Inc()

		var xerr *ExecutionError
		if errors.As(err, &xerr) {
			detail.Cursor = xerr.Cursor
		}
		detail.State = state
		detail.Error = err.Error()
		b, _ := json.Marshal(detail)
		if state == models.JobStateDead {
			e.Audit.Record(ctx, "fanout.dead", job.Domain, job.Actor, string(b))
		} else {
			e.Audit.Record(ctx, "fanout.failed", job.Domain, job.Actor, string(b))
		}
		logger.Warn("fan-out job failed", "state", state, "retries", job.RetryCount, "err", err)
		return err
	}

	if err := e.Jobs.Complete(ctx, job.ID, total); err != nil {
		logger.Error("failed to mark fan-out job complete", "err", err)
		return err
	}
	fanoutJobsFinished.WithLabelValues(string(models.JobStateComplete)).Inc()

	detail.State = models.JobStateComplete
	b, _ := json.Marshal(detail)
	e.Audit.Record(ctx, "fanout.complete", job.Domain, job.Actor, string(b))
	logger.Info("fan-out job complete", "affected", total, "skipped", skipped, "duration", time.Since(start))

	if err := e.finishUnblock(ctx, job); err != nil {
		logger.Error("failed to discard unblocked domain block", "err", err)
		return err
	}
	return nil
}

// finishUnblock discards a block row once the undo fan-out for its removal has completed, unless the block was changed again in the meantime.
func (e *Engine) finishUnblock(ctx context.Context, job *models.FanoutJob) error {
	var block *models.DomainBlock
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockDomainBlock(tx, job.Domain)
		if err != nil || existing == nil {
			return err
		}
		if existing.State != models.BlockStateUnblocking || existing.Version != job.BlockVersion {
			return nil
		}
		latest, err := e.Jobs.latestForDomain(tx, job.Domain)
		if err != nil {
			return err
		}
		if latest != job.ID {
			return nil
		}

		now := time.Now().UTC()
		existing.State = models.BlockStateDiscarded
		existing.DiscardedAt = &now
		if err := tx.Save(existing).Error; err != nil {
			return err
		}
		block = existing
		return nil
	})
	if err != nil || block == nil {
		return err
	}

	if err := e.purgeRule(ctx, block.Domain); err != nil {
		e.Logger.Warn("failed to purge block rule cache", "domain", block.Domain, "err", err)
	}
	e.Audit.Record(ctx, "domain_block.discard", block.Domain, job.Actor, "")
	e.Notifier.DomainBlockChanged(ctx, block)
	e.Logger.Info("domain block discarded", "domain", block.Domain, "job", job.ID)
	return nil
}

// extends the lock until the returned func is called
func keepLockAlive(lk DomainLock, ttl time.Duration, logger *slog.Logger) func() {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := lk.Extend(context.Background()); err != nil {
					logger.Error("failed to extend domain lock", "err", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}
