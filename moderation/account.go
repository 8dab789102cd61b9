package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/fedmod/moderation/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertAccount registers an account, or returns the existing one. An empty domain means a local account.
//
// A new remote account from a domain under an active block is created with that block's restrictions already applied, since fan-out which has already run would never visit it.
func (e *Engine) UpsertAccount(ctx context.Context, username, rawDomain string) (*models.Account, error) {
	ctx, span := tracer.Start(ctx, "UpsertAccount")
	defer span.End()

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidAccount)
	}
	var domain *string
	if strings.TrimSpace(rawDomain) != "" {
		d, err := NormalizeDomain(rawDomain)
		if err != nil {
			return nil, err
		}
		domain = &d
	}

	var acc models.Account
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("username = ?", username)
		if domain == nil {
			q = q.Where("domain IS NULL")
		} else {
			q = q.Where("domain = ?", *domain)
		}
		err := q.First(&acc).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		acc = models.Account{
			Username: username,
			Domain:   domain,
		}
		if domain != nil {
			// serializes with registry changes to this domain's block
			block, err := lockDomainBlock(tx, *domain)
			if err != nil {
				return err
			}
			if block != nil {
				plan, err := PlanTransition(models.SeverityNone, block.EffectiveSeverity(), FlagDelta{})
				if err != nil {
					return err
				}
				for _, in := range plan.Instructions {
					ApplyInstruction(&acc, in)
				}
			}
		}
		return tx.Create(&acc).Error
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (e *Engine) GetAccount(ctx context.Context, id uint64) (*models.Account, error) {
	var acc models.Account
	if err := e.db.WithContext(ctx).First(&acc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		return nil, err
	}
	return &acc, nil
}

// ListAccounts returns accounts in ID order, optionally only those of one domain.
func (e *Engine) ListAccounts(ctx context.Context, rawDomain string, cursor uint64, limit int) ([]*models.Account, error) {
	q := e.db.WithContext(ctx).Where("id > ?", cursor)
	if rawDomain != "" {
		domain, err := NormalizeDomain(rawDomain)
		if err != nil {
			return nil, err
		}
		q = q.Where("domain = ?", domain)
	}
	var accounts []*models.Account
	if err := q.Order("id ASC").Limit(limit).Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (e *Engine) SuspendAccount(ctx context.Context, actor string, id uint64) (*models.Account, error) {
	return e.setManualFlags(ctx, actor, id, "account.suspend", func(acc *models.Account) {
		acc.SuspendedManually = true
	})
}

func (e *Engine) UnsuspendAccount(ctx context.Context, actor string, id uint64) (*models.Account, error) {
	return e.setManualFlags(ctx, actor, id, "account.unsuspend", func(acc *models.Account) {
		acc.SuspendedManually = false
	})
}

func (e *Engine) SilenceAccount(ctx context.Context, actor string, id uint64) (*models.Account, error) {
	return e.setManualFlags(ctx, actor, id, "account.silence", func(acc *models.Account) {
		acc.SilencedManually = true
	})
}

func (e *Engine) UnsilenceAccount(ctx context.Context, actor string, id uint64) (*models.Account, error) {
	return e.setManualFlags(ctx, actor, id, "account.unsilence", func(acc *models.Account) {
		acc.SilencedManually = false
	})
}

// manual moderator actions only ever change the *_manually markers; a domain-caused restriction stays in effect until the domain block is lifted
func (e *Engine) setManualFlags(ctx context.Context, actor string, id uint64, action string, mutate func(*models.Account)) (*models.Account, error) {
	ctx, span := tracer.Start(ctx, "SetManualFlags")
	defer span.End()

	ctx = WithRequestID(ctx, RequestID(ctx))

	var acc models.Account
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
			}
			return err
		}
		mutate(&acc)
		acc.Recompute()
		return tx.Model(&models.Account{}).Where("id = ?", id).Updates(acc.ModerationColumns()).Error
	})
	if err != nil {
		return nil, err
	}

	e.Audit.Record(ctx, action, accountTarget(&acc), actor, fmt.Sprintf("account_id=%d", acc.ID))
	e.Logger.Info("account moderation changed", "action", action, "account", acc.ID, "actor", actor, "silenced", acc.Silenced, "suspended", acc.Suspended)
	return &acc, nil
}

// ReconcileAccount re-derives the domain cause markers of an account from the block currently in effect for its exact domain, eg for an account which fan-out had to skip. Skipped-account records for it are cleared.
func (e *Engine) ReconcileAccount(ctx context.Context, actor string, id uint64) (*models.Account, error) {
	ctx, span := tracer.Start(ctx, "ReconcileAccount")
	defer span.End()

	ctx = WithRequestID(ctx, RequestID(ctx))

	var acc models.Account
	var sev models.Severity
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
			}
			return err
		}

		sev = models.SeverityNone
		if !acc.IsLocal() {
			block, err := lockDomainBlock(tx, acc.DomainName())
			if err != nil {
				return err
			}
			if block != nil {
				sev = block.EffectiveSeverity()
			}
		}

		acc.SilencedByDomain = sev == models.SeveritySilence
		acc.SuspendedByDomain = sev == models.SeveritySuspend
		acc.Recompute()
		if err := tx.Model(&models.Account{}).Where("id = ?", id).Updates(acc.ModerationColumns()).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", id).Delete(&models.SkippedAccount{}).Error
	})
	if err != nil {
		return nil, err
	}

	e.Audit.Record(ctx, "account.reconcile", accountTarget(&acc), actor, fmt.Sprintf("account_id=%d severity=%s", acc.ID, sev))
	e.Logger.Info("account reconciled with domain block", "account", acc.ID, "severity", sev, "actor", actor)
	return &acc, nil
}

// audit target for an account: "user" for local accounts, "user@domain" otherwise
func accountTarget(acc *models.Account) string {
	if acc.IsLocal() {
		return acc.Username
	}
	return acc.Username + "@" + acc.DomainName()
}
