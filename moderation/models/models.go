package models

import (
	"time"
)

type Severity string

const (
	SeverityNone    = Severity("none")
	SeveritySilence = Severity("silence")
	SeveritySuspend = Severity("suspend")
)

type BlockState string

const (
	BlockStateActive = BlockState("active")
	// undo fan-out has been enqueued, and the row will be discarded once it completes
	BlockStateUnblocking = BlockState("unblocking")
	BlockStateDiscarded  = BlockState("discarded")
)

type DomainBlock struct {
	ID uint64 `gorm:"column:id;primarykey"`

	// these fields are automatically managed by gorm (by convention)
	CreatedAt time.Time
	UpdatedAt time.Time

	// normalized hostname (lower-case, ASCII/punycode, no port or trailing dot)
	Domain string `gorm:"column:domain;uniqueIndex;not null"`

	Severity      Severity `gorm:"column:severity;not null"`
	RejectMedia   bool     `gorm:"column:reject_media"`
	RejectReports bool     `gorm:"column:reject_reports"`

	// display-only: domain is partially hidden in public block lists
	Obfuscate bool `gorm:"column:obfuscate"`

	PrivateComment string `gorm:"column:private_comment"`
	PublicComment  string `gorm:"column:public_comment"`

	State       BlockState `gorm:"column:state;index;not null"`
	DiscardedAt *time.Time `gorm:"column:discarded_at"`

	// incremented on every mutation. fan-out jobs record the version they were planned against
	Version int64 `gorm:"column:version;not null"`
}

func (DomainBlock) TableName() string {
	return "domain_block"
}

type Account struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Username string `gorm:"column:username;not null;uniqueIndex:idx_account_username_domain"`

	// nil for local accounts
	Domain *string `gorm:"column:domain;index;uniqueIndex:idx_account_username_domain"`

	// effective moderation state; always the union of the cause markers below
	Silenced  bool `gorm:"column:silenced"`
	Suspended bool `gorm:"column:suspended"`

	// set and cleared only by domain block fan-out
	SilencedByDomain  bool `gorm:"column:silenced_by_domain"`
	SuspendedByDomain bool `gorm:"column:suspended_by_domain"`

	// set and cleared only by per-account moderator actions
	SilencedManually  bool `gorm:"column:silenced_manually"`
	SuspendedManually bool `gorm:"column:suspended_manually"`
}

func (Account) TableName() string {
	return "account"
}

type JobState string

const (
	JobStateEnqueued   = JobState("enqueued")
	JobStateInProgress = JobState("in_progress")
	JobStateComplete   = JobState("complete")
	JobStateFailed     = JobState("failed")

	// retries exhausted; needs an operator replay
	JobStateDead = JobState("dead")
)

// A FanoutJob is a durable, resumable unit of domain-to-account propagation. Jobs for the same domain are run strictly in ID order.
type FanoutJob struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Domain       string `gorm:"column:domain;index;not null"`
	BlockVersion int64  `gorm:"column:block_version;not null"`

	// comma-separated instruction names, in execution order
	Instructions string `gorm:"column:instructions;not null"`

	State JobState `gorm:"column:state;index;not null"`

	// highest account ID for which every account at or below has been processed
	Cursor   uint64 `gorm:"column:cursor"`
	Affected int64  `gorm:"column:affected"`

	RetryCount int        `gorm:"column:retry_count"`
	RetryAfter *time.Time `gorm:"column:retry_after"`
	LastError  string     `gorm:"column:last_error"`

	Actor     string `gorm:"column:actor"`
	RequestID string `gorm:"column:request_id;index"`
}

func (FanoutJob) TableName() string {
	return "fanout_job"
}

// A SkippedAccount is an account which a fan-out job could not update, even after retrying. The job completes without it; the account keeps its previous moderation state until it is reconciled.
type SkippedAccount struct {
	ID        uint64 `gorm:"column:id;primarykey"`
	CreatedAt time.Time

	JobID        uint64 `gorm:"column:job_id;uniqueIndex:idx_skipped_job_account;not null"`
	AccountID    uint64 `gorm:"column:account_id;uniqueIndex:idx_skipped_job_account;not null"`
	Domain       string `gorm:"column:domain;index;not null"`
	Instructions string `gorm:"column:instructions;not null"`
	Error        string `gorm:"column:error"`
}

func (SkippedAccount) TableName() string {
	return "fanout_skipped_account"
}

type AuditEntry struct {
	ID        uint64    `gorm:"column:id;primarykey"`
	CreatedAt time.Time `gorm:"index"`

	RequestID string `gorm:"column:request_id;index"`
	Action    string `gorm:"column:action;index;not null"`
	Target    string `gorm:"column:target;not null"`
	Actor     string `gorm:"column:actor"`
	Detail    string `gorm:"column:detail"`
}

func (AuditEntry) TableName() string {
	return "audit_entry"
}
