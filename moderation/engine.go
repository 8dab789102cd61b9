package moderation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/fedmod/moderation/cachestore"
	"github.com/bluesky-social/fedmod/moderation/models"
	"github.com/bluesky-social/fedmod/moderation/settings"

	"github.com/RussellLuo/slidingwindow"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("moderation")

// Engine owns the domain block registry and everything needed to propagate block state to accounts: the job queue, the executor, and the ambient audit/notification hooks.
type Engine struct {
	db       *gorm.DB
	Logger   *slog.Logger
	Config   EngineConfig
	Settings *settings.Settings
	Jobs     *JobStore
	Executor *Executor
	Audit    *AuditLog

	// informed (fire-and-forget) of every block state change
	Notifier Notifier

	// effective block rules by hostname
	Rules cachestore.CacheStore

	// optional; when set, fan-out for a domain is exclusive across processes
	Locker DomainLocker

	quotaLk      sync.Mutex
	suspendQuota *slidingwindow.Limiter

	// set when the quota window is shared through Redis
	quotaStore *redisQuotaStore
}

type EngineConfig struct {
	RuleCacheSize int
	RuleCacheTTL  time.Duration

	// if not empty, settings defaults can be overridden by env vars with this prefix
	SettingsEnvPrefix string
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		RuleCacheSize:     100_000,
		RuleCacheTTL:      10 * time.Minute,
		SettingsEnvPrefix: "FEDMOD_SETTING_",
	}
}

func NewEngine(db *gorm.DB, config *EngineConfig) (*Engine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}

	st := settings.New(settings.NewGormStore(db), SettingDefinitions)
	if config.SettingsEnvPrefix != "" {
		if err := st.LoadEnvOverrides(config.SettingsEnvPrefix); err != nil {
			return nil, err
		}
	}

	logger := slog.Default().With("system", "moderation")
	e := &Engine{
		db:       db,
		Logger:   logger,
		Config:   *config,
		Settings: st,
		Jobs:     NewJobStore(db, st),
		Executor: NewExecutor(db, st),
		Audit:    NewAuditLog(db),
		Notifier: &NopNotifier{},
		Rules:    cachestore.NewMemCacheStore(config.RuleCacheSize, config.RuleCacheTTL),
	}

	if err := e.MigrateDatabase(); err != nil {
		return nil, err
	}

	e.suspendQuota = perDayLimiter(int64(st.Int(context.Background(), SettingSuspendsPerDay)), localWindow)

	return e, nil
}

func (e *Engine) MigrateDatabase() error {
	if err := e.db.AutoMigrate(models.DomainBlock{}); err != nil {
		return err
	}
	if err := e.db.AutoMigrate(models.Account{}); err != nil {
		return err
	}
	if err := e.db.AutoMigrate(models.FanoutJob{}); err != nil {
		return err
	}
	if err := e.db.AutoMigrate(models.SkippedAccount{}); err != nil {
		return err
	}
	if err := e.db.AutoMigrate(models.AuditEntry{}); err != nil {
		return err
	}
	if err := e.db.AutoMigrate(settings.Setting{}); err != nil {
		return err
	}
	return nil
}

// simple check of connection to database
func (e *Engine) Healthcheck() error {
	return e.db.Exec("SELECT 1").Error
}

func localWindow() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

func perDayLimiter(count int64, newWindow slidingwindow.NewWindow) *slidingwindow.Limiter {
	lim, _ := slidingwindow.NewLimiter(time.Hour*24, count, newWindow)
	return lim
}

// reserveSuspendQuota takes one unit of the daily domain suspension quota if the plan newly suspends a domain. A limit of zero disables the check. Returns whether a unit was taken; it must be handed back with refundSuspendQuota if the change is not committed.
func (e *Engine) reserveSuspendQuota(plan *Plan, limit int64) (bool, error) {
	if plan.To != models.SeveritySuspend || plan.From == models.SeveritySuspend {
		return false, nil
	}
	if limit <= 0 {
		return false, nil
	}

	e.quotaLk.Lock()
	defer e.quotaLk.Unlock()
	if e.suspendQuota.Limit() != limit {
		e.suspendQuota.SetLimit(limit)
	}
	now := time.Now()
	if e.quotaStore != nil {
		// a zero-sized request only pulls in the count from other processes
		e.suspendQuota.AllowN(now, 0)
	}
	if !e.suspendQuota.AllowN(now, 1) {
		suspendQuotaExceeded.Inc()
		return false, ErrQuotaExceeded
	}
	return true, nil
}

func (e *Engine) refundSuspendQuota() {
	e.quotaLk.Lock()
	defer e.quotaLk.Unlock()
	if e.quotaStore != nil {
		// negative changes are never pushed by the window sync, so the shared count is adjusted directly; the next sync pulls it back in
		start := time.Now().Truncate(e.suspendQuota.Size()).UnixNano()
		if _, err := e.quotaStore.Add(suspendQuotaKey, start, -1); err != nil {
			e.Logger.Warn("failed to refund shared suspension quota", "err", err)
		}
		return
	}
	e.suspendQuota.AllowN(time.Now(), -1)
}
