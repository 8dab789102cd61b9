package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/fedmod/moderation/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DomainBlockParams struct {
	Domain         string
	Severity       string
	RejectMedia    bool
	RejectReports  bool
	Obfuscate      bool
	PrivateComment string
	PublicComment  string
}

// Fields left nil are not changed
type DomainBlockUpdate struct {
	Severity       *string
	RejectMedia    *bool
	RejectReports  *bool
	Obfuscate      *bool
	PrivateComment *string
	PublicComment  *string
}

// CreateDomainBlock registers a new block. If the domain has a previously removed block (unblocking or discarded), or an active block with severity "none", that row is re-used.
//
// The fan-out job for the new severity is enqueued in the same transaction as the row write. Account state is updated asynchronously.
func (e *Engine) CreateDomainBlock(ctx context.Context, actor string, params DomainBlockParams) (*models.DomainBlock, error) {
	ctx, span := tracer.Start(ctx, "CreateDomainBlock")
	defer span.End()

	domain, err := NormalizeDomain(params.Domain)
	if err != nil {
		return nil, err
	}
	sev, err := ParseSeverity(params.Severity)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("domain", domain), attribute.String("severity", string(sev)))
	requestID := RequestID(ctx)
	ctx = WithRequestID(ctx, requestID)
	quota := int64(e.Settings.Int(ctx, SettingSuspendsPerDay))

	var block models.DomainBlock
	var plan *Plan
	var job *models.FanoutJob
	reserved := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockDomainBlock(tx, domain)
		if err != nil {
			return err
		}
		if err := checkCreate(existing); err != nil {
			return err
		}

		from := models.SeverityNone
		var delta FlagDelta
		if existing != nil {
			from = existing.EffectiveSeverity()
			block = *existing
			delta = flagDelta(existing, params.RejectMedia, params.RejectReports, params.Obfuscate)
		} else {
			delta = FlagDelta{RejectMedia: params.RejectMedia, RejectReports: params.RejectReports, Obfuscate: params.Obfuscate}
		}

		plan, err = PlanTransition(from, sev, delta)
		if err != nil {
			return err
		}

		block.Domain = domain
		block.Severity = sev
		block.RejectMedia = params.RejectMedia
		block.RejectReports = params.RejectReports
		block.Obfuscate = params.Obfuscate
		block.PrivateComment = params.PrivateComment
		block.PublicComment = params.PublicComment
		block.State = models.BlockStateActive
		block.DiscardedAt = nil
		block.Version++

		if existing != nil {
			if err := tx.Save(&block).Error; err != nil {
				return err
			}
		} else if err := tx.Create(&block).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// lost a race with a concurrent create
				return fmt.Errorf("%w: %s", ErrDuplicateDomain, domain)
			}
			return err
		}

		job, err = e.enqueuePlan(tx, &block, plan, actor, requestID)
		if err != nil {
			return err
		}
		// last step, so that only a failed commit can follow it
		reserved, err = e.reserveSuspendQuota(plan, quota)
		return err
	})
	if err != nil {
		if reserved {
			e.refundSuspendQuota()
		}
		return nil, err
	}

	e.afterBlockChange(ctx, "domain_block.create", actor, &block, plan, job)
	return &block, nil
}

// UpdateDomainBlock changes the severity and/or flags of an active block. The current row is read under a row lock in the same transaction as the write, so the plan is always computed against the severity it replaces.
func (e *Engine) UpdateDomainBlock(ctx context.Context, actor, rawDomain string, upd DomainBlockUpdate) (models.Severity, models.Severity, error) {
	ctx, span := tracer.Start(ctx, "UpdateDomainBlock")
	defer span.End()

	domain, err := NormalizeDomain(rawDomain)
	if err != nil {
		return "", "", err
	}
	span.SetAttributes(attribute.String("domain", domain))

	var newSev *models.Severity
	if upd.Severity != nil {
		sev, err := ParseSeverity(*upd.Severity)
		if err != nil {
			return "", "", err
		}
		newSev = &sev
	}
	requestID := RequestID(ctx)
	ctx = WithRequestID(ctx, requestID)
	quota := int64(e.Settings.Int(ctx, SettingSuspendsPerDay))

	var block models.DomainBlock
	var plan *Plan
	var job *models.FanoutJob
	reserved := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockDomainBlock(tx, domain)
		if err != nil {
			return err
		}
		if existing == nil || !existing.IsActive() {
			return fmt.Errorf("%w: %s", ErrDomainBlockNotFound, domain)
		}
		block = *existing

		to := block.Severity
		if newSev != nil {
			to = *newSev
		}
		rejectMedia := valueOr(upd.RejectMedia, block.RejectMedia)
		rejectReports := valueOr(upd.RejectReports, block.RejectReports)
		obfuscate := valueOr(upd.Obfuscate, block.Obfuscate)

		plan, err = PlanTransition(block.Severity, to, flagDelta(&block, rejectMedia, rejectReports, obfuscate))
		if err != nil {
			return err
		}

		block.Severity = to
		block.RejectMedia = rejectMedia
		block.RejectReports = rejectReports
		block.Obfuscate = obfuscate
		block.PrivateComment = valueOr(upd.PrivateComment, block.PrivateComment)
		block.PublicComment = valueOr(upd.PublicComment, block.PublicComment)
		block.Version++
		if err := tx.Save(&block).Error; err != nil {
			return err
		}

		job, err = e.enqueuePlan(tx, &block, plan, actor, requestID)
		if err != nil {
			return err
		}
		reserved, err = e.reserveSuspendQuota(plan, quota)
		return err
	})
	if err != nil {
		if reserved {
			e.refundSuspendQuota()
		}
		return "", "", err
	}

	e.afterBlockChange(ctx, "domain_block.update", actor, &block, plan, job)
	return plan.From, plan.To, nil
}

// DeleteDomainBlock removes a block. The row is marked "unblocking" and the full undo is enqueued in one transaction; the row only becomes "discarded" once that fan-out has completed. A block with severity "none" has nothing to undo and is discarded immediately.
func (e *Engine) DeleteDomainBlock(ctx context.Context, actor, rawDomain string) (*models.DomainBlock, error) {
	ctx, span := tracer.Start(ctx, "DeleteDomainBlock")
	defer span.End()

	domain, err := NormalizeDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("domain", domain))
	requestID := RequestID(ctx)
	ctx = WithRequestID(ctx, requestID)

	var block models.DomainBlock
	var plan *Plan
	var job *models.FanoutJob
	unchanged := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockDomainBlock(tx, domain)
		if err != nil {
			return err
		}
		if existing == nil || existing.State == models.BlockStateDiscarded {
			return fmt.Errorf("%w: %s", ErrDomainBlockNotFound, domain)
		}
		block = *existing
		if block.State == models.BlockStateUnblocking {
			unchanged = true
			return nil
		}

		plan, err = PlanTransition(block.Severity, models.SeverityNone, FlagDelta{})
		if err != nil {
			return err
		}

		block.Version++
		if plan.RequiresFanout() {
			block.State = models.BlockStateUnblocking
		} else {
			now := time.Now().UTC()
			block.State = models.BlockStateDiscarded
			block.DiscardedAt = &now
		}
		if err := tx.Save(&block).Error; err != nil {
			return err
		}

		job, err = e.enqueuePlan(tx, &block, plan, actor, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if unchanged {
		return &block, nil
	}

	e.afterBlockChange(ctx, "domain_block.delete", actor, &block, plan, job)
	return &block, nil
}

// GetDomainBlock returns the block row for a domain in any state, including discarded.
func (e *Engine) GetDomainBlock(ctx context.Context, rawDomain string) (*models.DomainBlock, error) {
	domain, err := NormalizeDomain(rawDomain)
	if err != nil {
		return nil, err
	}
	var block models.DomainBlock
	if err := e.db.WithContext(ctx).Where("domain = ?", domain).First(&block).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDomainBlockNotFound, domain)
		}
		return nil, err
	}
	return &block, nil
}

// ListDomainBlocks returns active and unblocking blocks in ID order. Cursor is the last ID of the previous page.
func (e *Engine) ListDomainBlocks(ctx context.Context, cursor uint64, limit int) ([]*models.DomainBlock, error) {
	var blocks []*models.DomainBlock
	err := e.db.WithContext(ctx).
		Where("id > ? AND state IN ?", cursor, []models.BlockState{models.BlockStateActive, models.BlockStateUnblocking}).
		Order("id ASC").
		Limit(limit).
		Find(&blocks).Error
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// reads the row for a domain, locking it for the rest of the transaction. Returns nil if there is none.
func lockDomainBlock(tx *gorm.DB, domain string) (*models.DomainBlock, error) {
	var block models.DomainBlock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("domain = ?", domain).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (e *Engine) enqueuePlan(tx *gorm.DB, block *models.DomainBlock, plan *Plan, actor, requestID string) (*models.FanoutJob, error) {
	if !plan.RequiresFanout() {
		return nil, nil
	}
	job := &models.FanoutJob{
		Domain:       block.Domain,
		BlockVersion: block.Version,
		Instructions: EncodeInstructions(plan.Instructions),
		Actor:        actor,
		RequestID:    requestID,
	}
	if err := e.Jobs.Enqueue(tx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func flagDelta(old *models.DomainBlock, rejectMedia, rejectReports, obfuscate bool) FlagDelta {
	return FlagDelta{
		RejectMedia:   old.RejectMedia != rejectMedia,
		RejectReports: old.RejectReports != rejectReports,
		Obfuscate:     old.Obfuscate != obfuscate,
	}
}

func valueOr[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}

type blockChangeDetail struct {
	From         models.Severity   `json:"from"`
	To           models.Severity   `json:"to"`
	Transition   Transition        `json:"transition"`
	Instructions string            `json:"instructions"`
	State        models.BlockState `json:"state"`
	Version      int64             `json:"version"`
	JobID        uint64            `json:"job_id,omitempty"`
}

// side effects of a committed registry change. None of these can fail the change.
func (e *Engine) afterBlockChange(ctx context.Context, action, actor string, block *models.DomainBlock, plan *Plan, job *models.FanoutJob) {
	if err := e.purgeRule(ctx, block.Domain); err != nil {
		e.Logger.Warn("failed to purge block rule cache", "domain", block.Domain, "err", err)
	}

	detail := blockChangeDetail{
		From:         plan.From,
		To:           plan.To,
		Transition:   plan.Transition,
		Instructions: EncodeInstructions(plan.Instructions),
		State:        block.State,
		Version:      block.Version,
	}
	if job != nil {
		detail.JobID = job.ID
	}
	b, _ := json.Marshal(detail)
	e.Audit.Record(ctx, action, block.Domain, actor, string(b))

	e.Notifier.DomainBlockChanged(ctx, block)

	domainBlockMutations.WithLabelValues(action, string(block.EffectiveSeverity())).Inc()
	e.Logger.Info("domain block changed", "action", action, "domain", block.Domain, "from", plan.From, "to", plan.To, "state", block.State, "actor", actor, "job", detail.JobID, "requestID", RequestID(ctx))
}
