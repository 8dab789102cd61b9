package moderation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bluesky-social/fedmod/moderation/models"
	"github.com/bluesky-social/fedmod/moderation/settings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Executor applies planned instructions to every account of a domain. It is safe to re-run over accounts which were already processed: an account already in the target state is not written again.
type Executor struct {
	db       *gorm.DB
	settings *settings.Settings
	logger   *slog.Logger

	// shared by all jobs in this process
	limiter *rate.Limiter

	// called before each per-account transaction and each batch query; only set by tests
	accountHook func(id uint64) error
	batchHook   func(cursor uint64) error
}

type ExecuteOptions struct {
	// accounts with IDs at or below this have already been processed
	StartAfter uint64

	// called after every batch with the highest ID below which all accounts are done, and the number of accounts changed so far
	Checkpoint func(ctx context.Context, cursor uint64, affected int64) error

	// called for each account which still fails after the retry pass. If set, the account is left behind and the run continues; an error from Skip fails the run. If nil, such accounts fail the run.
	Skip func(ctx context.Context, accountID uint64, cause error) error
}

func NewExecutor(db *gorm.DB, st *settings.Settings) *Executor {
	return &Executor{
		db:       db,
		settings: st,
		logger:   slog.Default().With("system", "executor"),
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
}

// Execute walks all accounts of exactly the given domain in ascending ID order and applies the instructions to each, in its own transaction. Returns the number of accounts whose stored state changed.
//
// Accounts which fail individually are skipped and retried once at the end. Those which fail again are handed to opts.Skip, and do not hold back the rest of the domain. A batch query failure is retried in place with backoff, and then returned as an *ExecutionError.
func (x *Executor) Execute(ctx context.Context, domain string, instrs []Instruction, opts ExecuteOptions) (int64, error) {
	ctx, span := tracer.Start(ctx, "Execute")
	defer span.End()
	span.SetAttributes(attribute.String("domain", domain), attribute.String("instructions", EncodeInstructions(instrs)))

	batchSize := x.settings.Int(ctx, SettingBatchSize)
	if batchSize < 1 {
		batchSize = 1
	}
	attempts := x.settings.Int(ctx, SettingBatchAttempts)
	if attempts < 1 {
		attempts = 1
	}
	backoff := x.settings.Duration(ctx, SettingBatchBackoff)

	bps := x.settings.Float(ctx, SettingBatchesPerSecond)
	if bps <= 0 {
		x.limiter.SetLimit(rate.Inf)
	} else if x.limiter.Limit() != rate.Limit(bps) {
		x.limiter.SetLimit(rate.Limit(bps))
	}

	logger := x.logger.With("domain", domain, "instructions", EncodeInstructions(instrs))

	cursor := opts.StartAfter
	var affected int64
	var failed []uint64
	var lastErr error
	failErrs := make(map[uint64]error)

	for {
		if err := x.limiter.Wait(ctx); err != nil {
			return affected, &ExecutionError{Domain: domain, Cursor: safeCursor(cursor, failed), Attempts: 1, Err: err}
		}

		start := time.Now()
		ids, err := x.nextBatch(ctx, logger, domain, cursor, batchSize, attempts, backoff)
		if err != nil {
			return affected, &ExecutionError{Domain: domain, Cursor: safeCursor(cursor, failed), Attempts: attempts, Err: err}
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			changed, err := x.applyToAccount(ctx, id, instrs)
			if err != nil {
				if ctx.Err() != nil {
					return affected, &ExecutionError{Domain: domain, Cursor: safeCursor(cursor, failed), Attempts: 1, Err: ctx.Err()}
				}
				logger.Warn("failed to apply instructions to account, skipping", "account", id, "err", err)
				fanoutAccountErrors.Inc()
				failed = append(failed, id)
				lastErr = err
				continue
			}
			if changed {
				affected++
			}
		}
		cursor = ids[len(ids)-1]
		fanoutBatchDuration.Observe(time.Since(start).Seconds())

		if opts.Checkpoint != nil {
			if err := opts.Checkpoint(ctx, safeCursor(cursor, failed), affected); err != nil {
				return affected, &ExecutionError{Domain: domain, Cursor: safeCursor(cursor, failed), Attempts: 1, Err: err}
			}
		}

		if len(ids) < batchSize {
			break
		}
	}

	if len(failed) > 0 {
		logger.Info("retrying failed accounts", "count", len(failed))
		var still []uint64
		for _, id := range failed {
			changed, err := x.applyToAccount(ctx, id, instrs)
			if err != nil {
				if ctx.Err() != nil {
					return affected, &ExecutionError{Domain: domain, Cursor: safeCursor(cursor, failed), Attempts: 1, Err: ctx.Err()}
				}
				fanoutAccountErrors.Inc()
				still = append(still, id)
				failErrs[id] = err
				lastErr = err
				continue
			}
			if changed {
				affected++
			}
		}
		if len(still) > 0 {
			if opts.Skip == nil {
				return affected, &ExecutionError{Domain: domain, Cursor: still[0] - 1, Attempts: 2, FailedAccounts: still, Err: lastErr}
			}
			for _, id := range still {
				logger.Warn("giving up on account, leaving it behind", "account", id, "err", failErrs[id])
				if err := opts.Skip(ctx, id, failErrs[id]); err != nil {
					return affected, &ExecutionError{Domain: domain, Cursor: still[0] - 1, Attempts: 2, FailedAccounts: still, Err: err}
				}
				fanoutAccountsSkipped.Inc()
			}
		}
		if opts.Checkpoint != nil {
			if err := opts.Checkpoint(ctx, cursor, affected); err != nil {
				return affected, &ExecutionError{Domain: domain, Cursor: safeCursor(cursor, failed), Attempts: 1, Err: err}
			}
		}
	}

	fanoutAccountsChanged.WithLabelValues(EncodeInstructions(instrs)).Add(float64(affected))
	logger.Info("fan-out complete", "affected", affected, "cursor", cursor)
	return affected, nil
}

// the persisted cursor must never move past an account which still needs work
func safeCursor(cursor uint64, failed []uint64) uint64 {
	if len(failed) > 0 && failed[0]-1 < cursor {
		return failed[0] - 1
	}
	return cursor
}

func (x *Executor) nextBatch(ctx context.Context, logger *slog.Logger, domain string, cursor uint64, size, attempts int, backoff time.Duration) ([]uint64, error) {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var ids []uint64
		err = nil
		if x.batchHook != nil {
			err = x.batchHook(cursor)
		}
		if err == nil {
			err = x.db.WithContext(ctx).Model(&models.Account{}).
				Where("domain = ? AND id > ?", domain, cursor).
				Order("id ASC").
				Limit(size).
				Pluck("id", &ids).Error
		}
		if err == nil {
			return ids, nil
		}
		if attempt == attempts {
			break
		}

		fanoutBatchRetries.Inc()
		wait := backoff << (attempt - 1)
		logger.Warn("fan-out batch failed, retrying", "cursor", cursor, "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// applyToAccount locks a single account row, applies the instructions to an in-memory copy, and writes the moderation columns back only if they changed.
func (x *Executor) applyToAccount(ctx context.Context, id uint64, instrs []Instruction) (bool, error) {
	if x.accountHook != nil {
		if err := x.accountHook(id); err != nil {
			return false, err
		}
	}

	changed := false
	err := x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acc, id).Error; err != nil {
			return err
		}

		before := acc
		for _, in := range instrs {
			ApplyInstruction(&acc, in)
		}
		if acc.SameModerationState(&before) {
			return nil
		}

		if err := tx.Model(&models.Account{}).Where("id = ?", id).Updates(acc.ModerationColumns()).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// account was removed since the batch was read
		return false, nil
	}
	return changed, err
}
