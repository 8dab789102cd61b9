package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/fedmod/moderation/models"
	"github.com/bluesky-social/fedmod/moderation/settings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobStore is the durable fan-out job queue. Only the oldest not-yet-complete job of a domain is ever runnable, which is what keeps fan-out for a domain in the order the block changes were issued.
type JobStore struct {
	db       *gorm.DB
	settings *settings.Settings
	logger   *slog.Logger
}

func NewJobStore(db *gorm.DB, st *settings.Settings) *JobStore {
	return &JobStore{
		db:       db,
		settings: st,
		logger:   slog.Default().With("system", "jobstore"),
	}
}

// Enqueue inserts a new job using the given transaction, so that the job is committed (or not) together with the block change that planned it.
func (s *JobStore) Enqueue(tx *gorm.DB, job *models.FanoutJob) error {
	job.State = models.JobStateEnqueued
	job.Cursor = 0
	job.Affected = 0
	job.RetryCount = 0
	job.RetryAfter = nil
	if err := tx.Create(job).Error; err != nil {
		return fmt.Errorf("enqueueing fan-out job for %s: %w", job.Domain, err)
	}
	fanoutJobsEnqueued.Inc()
	return nil
}

func (s *JobStore) Get(ctx context.Context, id uint64) (*models.FanoutJob, error) {
	var job models.FanoutJob
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// NextRunnable returns at most one job per domain: the oldest job which is not complete, if it is enqueued or failed with an elapsed retry time. Jobs which are in progress or dead hold back every later job of their domain.
func (s *JobStore) NextRunnable(ctx context.Context, limit int) ([]*models.FanoutJob, error) {
	now := time.Now().UTC()
	heads := s.db.Model(&models.FanoutJob{}).
		Select("MIN(id)").
		Where("state <> ?", models.JobStateComplete).
		Group("domain")

	var jobs []*models.FanoutJob
	err := s.db.WithContext(ctx).
		Where("id IN (?)", heads).
		Where("state = ? OR (state = ? AND retry_after <= ?)", models.JobStateEnqueued, models.JobStateFailed, now).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Claim marks a runnable job as in progress. It returns false if the job was claimed by someone else (or is no longer runnable).
func (s *JobStore) Claim(ctx context.Context, id uint64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.FanoutJob{}).
		Where("id = ? AND state IN ?", id, []models.JobState{models.JobStateEnqueued, models.JobStateFailed}).
		Update("state", models.JobStateInProgress)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release puts a claimed job back without counting an attempt, eg when the domain lock is held elsewhere.
func (s *JobStore) Release(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&models.FanoutJob{}).
		Where("id = ? AND state = ?", id, models.JobStateInProgress).
		Update("state", models.JobStateEnqueued).Error
}

func (s *JobStore) Checkpoint(ctx context.Context, id uint64, cursor uint64, affected int64) error {
	return s.db.WithContext(ctx).Model(&models.FanoutJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"cursor":   cursor,
			"affected": affected,
		}).Error
}

func (s *JobStore) Complete(ctx context.Context, id uint64, affected int64) error {
	return s.db.WithContext(ctx).Model(&models.FanoutJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":       models.JobStateComplete,
			"affected":    affected,
			"retry_after": nil,
			"last_error":  "",
		}).Error
}

// Fail records a failed attempt. The job is retried after an exponential backoff, or marked dead once it has used up its retries. Returns the new state.
func (s *JobStore) Fail(ctx context.Context, job *models.FanoutJob, cause error) (models.JobState, error) {
	retries := job.RetryCount + 1
	maxRetries := s.settings.Int(ctx, SettingMaxJobRetries)
	base := s.settings.Duration(ctx, SettingRetryBase)

	update := map[string]any{
		"retry_count": retries,
		"last_error":  truncateError(cause, 1000),
	}

	var state models.JobState
	if retries >= maxRetries {
		state = models.JobStateDead
		update["retry_after"] = nil
		s.logger.Warn("fan-out job is dead", "job", job.ID, "domain", job.Domain, "retries", retries, "err", cause)
	} else {
		state = models.JobStateFailed
		update["retry_after"] = time.Now().UTC().Add(computeExponentialBackoff(retries-1, base))
	}
	update["state"] = state

	if err := s.db.WithContext(ctx).Model(&models.FanoutJob{}).Where("id = ?", job.ID).Updates(update).Error; err != nil {
		return "", err
	}
	job.RetryCount = retries
	job.State = state
	return state, nil
}

func computeExponentialBackoff(attempt int, base time.Duration) time.Duration {
	if attempt > 13 {
		attempt = 13
	}
	d := time.Duration(1<<attempt) * base
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	return d
}

func truncateError(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

// Replay re-enqueues a failed or dead job with a fresh retry budget. Progress (the cursor) is kept.
func (s *JobStore) Replay(ctx context.Context, id uint64) (*models.FanoutJob, error) {
	var job models.FanoutJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.State != models.JobStateDead && job.State != models.JobStateFailed {
			return fmt.Errorf("%w: job %d is %s", ErrJobNotReplayable, id, job.State)
		}
		job.State = models.JobStateEnqueued
		job.RetryCount = 0
		job.RetryAfter = nil
		return tx.Model(&job).Updates(map[string]any{
			"state":       job.State,
			"retry_count": 0,
			"retry_after": nil,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RecoverInProgress re-enqueues jobs left in progress by a process which did not shut down cleanly. Only safe to call before the dispatcher starts.
func (s *JobStore) RecoverInProgress(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.FanoutJob{}).
		Where("state = ?", models.JobStateInProgress).
		Update("state", models.JobStateEnqueued)
	return res.RowsAffected, res.Error
}

// List returns jobs in ascending ID order, optionally filtered by state. Cursor is the last ID of the previous page.
func (s *JobStore) List(ctx context.Context, state models.JobState, cursor uint64, limit int) ([]*models.FanoutJob, error) {
	q := s.db.WithContext(ctx).Where("id > ?", cursor)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var jobs []*models.FanoutJob
	if err := q.Order("id ASC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *JobStore) ListDead(ctx context.Context, cursor uint64, limit int) ([]*models.FanoutJob, error) {
	return s.List(ctx, models.JobStateDead, cursor, limit)
}

// RecordSkipped records an account which the job gave up on. Recording the same account again for the same job (after a redelivery) is a no-op.
func (s *JobStore) RecordSkipped(ctx context.Context, job *models.FanoutJob, accountID uint64, cause error) error {
	row := &models.SkippedAccount{
		JobID:        job.ID,
		AccountID:    accountID,
		Domain:       job.Domain,
		Instructions: job.Instructions,
		Error:        truncateError(cause, 1000),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// ListSkipped returns skipped accounts in ID order, optionally only for one domain. Cursor is the last ID of the previous page.
func (s *JobStore) ListSkipped(ctx context.Context, domain string, cursor uint64, limit int) ([]*models.SkippedAccount, error) {
	q := s.db.WithContext(ctx).Where("id > ?", cursor)
	if domain != "" {
		q = q.Where("domain = ?", domain)
	}
	var rows []*models.SkippedAccount
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// latestForDomain returns the ID of the newest job of the domain, or zero if there are none.
func (s *JobStore) latestForDomain(tx *gorm.DB, domain string) (uint64, error) {
	var id uint64
	err := tx.Model(&models.FanoutJob{}).
		Select("COALESCE(MAX(id), 0)").
		Where("domain = ?", domain).
		Scan(&id).Error
	return id, err
}

// CountByState counts jobs which are not complete, and updates the queue gauges.
func (s *JobStore) CountByState(ctx context.Context) (map[models.JobState]int64, error) {
	var rows []struct {
		State models.JobState
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.FanoutJob{}).
		Select("state, COUNT(*) AS count").
		Where("state <> ?", models.JobStateComplete).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[models.JobState]int64{
		models.JobStateEnqueued:   0,
		models.JobStateInProgress: 0,
		models.JobStateFailed:     0,
		models.JobStateDead:       0,
	}
	for _, r := range rows {
		out[r.State] = r.Count
	}
	for st, n := range out {
		fanoutJobsByState.WithLabelValues(string(st)).Set(float64(n))
	}
	return out, nil
}
