package moderation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bluesky-social/fedmod/moderation/models"

	"gorm.io/gorm"
)

const (
	ruleCacheName = "domain-rule"

	// cached marker for a domain with no active block
	noRuleSentinel = "-"
)

// RuleFor returns the active block which applies to a hostname: a block on the hostname itself, or else on the closest parent domain. Returns nil if none applies.
//
// Results are cached per domain, and purged whenever the block for that domain changes.
func (e *Engine) RuleFor(ctx context.Context, hostname string) (*models.DomainBlock, error) {
	ctx, span := tracer.Start(ctx, "RuleFor")
	defer span.End()

	host, err := NormalizeDomain(hostname)
	if err != nil {
		return nil, err
	}

	for _, d := range domainSuffixes(host) {
		block, err := e.cachedRule(ctx, d)
		if err != nil {
			return nil, err
		}
		if block != nil {
			return block, nil
		}
	}
	return nil, nil
}

func (e *Engine) cachedRule(ctx context.Context, domain string) (*models.DomainBlock, error) {
	val, err := e.Rules.Get(ctx, ruleCacheName, domain)
	if err != nil {
		// the cache is an optimization; fall through to the database
		ruleCacheLookups.WithLabelValues("error").Inc()
		e.Logger.Warn("block rule cache lookup failed", "domain", domain, "err", err)
	}
	if val == noRuleSentinel {
		ruleCacheLookups.WithLabelValues("hit").Inc()
		return nil, nil
	}
	if val != "" {
		var block models.DomainBlock
		if err := json.Unmarshal([]byte(val), &block); err == nil {
			ruleCacheLookups.WithLabelValues("hit").Inc()
			return &block, nil
		}
	}
	ruleCacheLookups.WithLabelValues("miss").Inc()

	var block models.DomainBlock
	err = e.db.WithContext(ctx).Where("domain = ? AND state = ?", domain, models.BlockStateActive).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := e.Rules.Set(ctx, ruleCacheName, domain, noRuleSentinel); err != nil {
			e.Logger.Warn("failed to cache block rule", "domain", domain, "err", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(&block)
	if err != nil {
		return nil, err
	}
	if err := e.Rules.Set(ctx, ruleCacheName, domain, string(b)); err != nil {
		e.Logger.Warn("failed to cache block rule", "domain", domain, "err", err)
	}
	return &block, nil
}

func (e *Engine) purgeRule(ctx context.Context, domain string) error {
	return e.Rules.Purge(ctx, ruleCacheName, domain)
}

// RejectMedia reports whether media from the hostname should not be stored
func (e *Engine) RejectMedia(ctx context.Context, hostname string) (bool, error) {
	block, err := e.RuleFor(ctx, hostname)
	if err != nil || block == nil {
		return false, err
	}
	return block.RejectMedia || block.Severity == models.SeveritySuspend, nil
}

// RejectReports reports whether abuse reports from the hostname should be discarded
func (e *Engine) RejectReports(ctx context.Context, hostname string) (bool, error) {
	block, err := e.RuleFor(ctx, hostname)
	if err != nil || block == nil {
		return false, err
	}
	return block.RejectReports || block.Severity == models.SeveritySuspend, nil
}

func (e *Engine) IsDomainSuspended(ctx context.Context, hostname string) (bool, error) {
	block, err := e.RuleFor(ctx, hostname)
	if err != nil || block == nil {
		return false, err
	}
	return block.Severity == models.SeveritySuspend, nil
}
