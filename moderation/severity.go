package moderation

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/fedmod/moderation/models"
)

type Transition string

const (
	TransitionUpgrade   = Transition("upgrade")
	TransitionDowngrade = Transition("downgrade")
	TransitionNone      = Transition("none")
)

// ParseSeverity parses an administrator-supplied severity string. Case and surrounding whitespace are ignored.
func ParseSeverity(raw string) (models.Severity, error) {
	sev := models.Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !sev.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, raw)
	}
	return sev, nil
}

// ClassifyTransition compares two severities by restriction level. All single-step changes are legal; only unknown values are rejected.
func ClassifyTransition(old, new models.Severity) (Transition, error) {
	if !old.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, old)
	}
	if !new.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, new)
	}
	switch {
	case new.Level() > old.Level():
		return TransitionUpgrade, nil
	case new.Level() < old.Level():
		return TransitionDowngrade, nil
	default:
		return TransitionNone, nil
	}
}

// checkCreate decides whether a create request may proceed against an existing row for the same domain (nil if there is none).
//
// An active block with a non-none severity can only be changed through an explicit update.
func checkCreate(existing *models.DomainBlock) error {
	if existing == nil {
		return nil
	}
	if existing.IsActive() && existing.Severity != models.SeverityNone {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateDomain, existing.Domain, existing.Severity)
	}
	return nil
}
