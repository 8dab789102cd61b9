package moderation

import (
	"context"
	"log/slog"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type requestIDKey struct{}

// WithRequestID attaches a correlation ID to the context. Registry changes, the jobs they enqueue, and their audit entries all carry it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation ID from the context, or a fresh one if none was attached.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

type AuditLog struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{
		db:     db,
		logger: slog.Default().With("system", "audit"),
	}
}

// Record writes an audit entry. Failures are logged and counted, but never returned: a moderation action which has been committed is not undone because it could not be audited.
func (a *AuditLog) Record(ctx context.Context, action, target, actor, detail string) {
	entry := models.AuditEntry{
		RequestID: RequestID(ctx),
		Action:    action,
		Target:    target,
		Actor:     actor,
		Detail:    detail,
	}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		auditFailures.Inc()
		a.logger.Warn("failed to record audit entry", "action", action, "target", target, "actor", actor, "err", err)
	}
}

// List returns audit entries newest first. Cursor is the last ID of the previous page (zero for the first page).
func (a *AuditLog) List(ctx context.Context, cursor uint64, limit int) ([]*models.AuditEntry, error) {
	q := a.db.WithContext(ctx)
	if cursor > 0 {
		q = q.Where("id < ?", cursor)
	}
	var entries []*models.AuditEntry
	if err := q.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListForTarget is List restricted to entries about one target (a domain, or "user@domain" for accounts).
func (a *AuditLog) ListForTarget(ctx context.Context, target string, cursor uint64, limit int) ([]*models.AuditEntry, error) {
	q := a.db.WithContext(ctx).Where("target = ?", target)
	if cursor > 0 {
		q = q.Where("id < ?", cursor)
	}
	var entries []*models.AuditEntry
	if err := q.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
