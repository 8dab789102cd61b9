package models

// restriction level, used for ordering severities: none < silence < suspend
func (s Severity) Level() int {
	switch s {
	case SeverityNone:
		return 0
	case SeveritySilence:
		return 1
	case SeveritySuspend:
		return 2
	default:
		return -1
	}
}

func (s Severity) IsValid() bool {
	return s.Level() >= 0
}

func (b *DomainBlock) IsActive() bool {
	return b.State == BlockStateActive
}

// Severity which is currently in effect for accounts on the domain. Unblocking and discarded rows are treated as "none".
func (b *DomainBlock) EffectiveSeverity() Severity {
	if b.State != BlockStateActive {
		return SeverityNone
	}
	return b.Severity
}

func (a *Account) IsLocal() bool {
	return a.Domain == nil || *a.Domain == ""
}

// Returns the account domain, or empty string for local accounts
func (a *Account) DomainName() string {
	if a.Domain == nil {
		return ""
	}
	return *a.Domain
}

// Re-derives the effective Silenced and Suspended flags from the cause markers.
func (a *Account) Recompute() {
	a.Silenced = a.SilencedByDomain || a.SilencedManually
	a.Suspended = a.SuspendedByDomain || a.SuspendedManually
}

// Checks whether two copies of an account have the same moderation state (effective flags and cause markers).
func (a *Account) SameModerationState(other *Account) bool {
	return a.Silenced == other.Silenced &&
		a.Suspended == other.Suspended &&
		a.SilencedByDomain == other.SilencedByDomain &&
		a.SuspendedByDomain == other.SuspendedByDomain &&
		a.SilencedManually == other.SilencedManually &&
		a.SuspendedManually == other.SuspendedManually
}

// Column map for writing the moderation state of an account. A map is used so that false values are written by gorm.
func (a *Account) ModerationColumns() map[string]any {
	return map[string]any{
		"silenced":            a.Silenced,
		"suspended":           a.Suspended,
		"silenced_by_domain":  a.SilencedByDomain,
		"suspended_by_domain": a.SuspendedByDomain,
		"silenced_manually":   a.SilencedManually,
		"suspended_manually":  a.SuspendedManually,
	}
}
