package moderation

import (
	"testing"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverity(t *testing.T) {
	assert := assert.New(t)

	for raw, expected := range map[string]models.Severity{
		"none":      models.SeverityNone,
		"silence":   models.SeveritySilence,
		" Suspend ": models.SeveritySuspend,
		"SILENCE":   models.SeveritySilence,
	} {
		sev, err := ParseSeverity(raw)
		assert.NoError(err)
		assert.Equal(expected, sev)
	}

	for _, raw := range []string{"", "noop", "limit", "ban"} {
		_, err := ParseSeverity(raw)
		assert.ErrorIs(err, ErrInvalidSeverity)
	}
}

func TestClassifyTransition(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		old, new models.Severity
		expected Transition
	}{
		{models.SeverityNone, models.SeveritySilence, TransitionUpgrade},
		{models.SeverityNone, models.SeveritySuspend, TransitionUpgrade},
		{models.SeveritySilence, models.SeveritySuspend, TransitionUpgrade},
		{models.SeveritySuspend, models.SeveritySilence, TransitionDowngrade},
		{models.SeveritySuspend, models.SeverityNone, TransitionDowngrade},
		{models.SeveritySilence, models.SeverityNone, TransitionDowngrade},
		{models.SeveritySilence, models.SeveritySilence, TransitionNone},
		{models.SeverityNone, models.SeverityNone, TransitionNone},
	}
	for _, tc := range tests {
		tr, err := ClassifyTransition(tc.old, tc.new)
		assert.NoError(err)
		assert.Equal(tc.expected, tr, "%s -> %s", tc.old, tc.new)
	}

	_, err := ClassifyTransition(models.SeverityNone, models.Severity("noop"))
	assert.ErrorIs(err, ErrInvalidSeverity)
	_, err = ClassifyTransition(models.Severity(""), models.SeveritySilence)
	assert.ErrorIs(err, ErrInvalidSeverity)
}

func TestCheckCreate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(checkCreate(nil))
	assert.NoError(checkCreate(&models.DomainBlock{Domain: "example.com", Severity: models.SeverityNone, State: models.BlockStateActive}))
	assert.NoError(checkCreate(&models.DomainBlock{Domain: "example.com", Severity: models.SeveritySuspend, State: models.BlockStateUnblocking}))
	assert.NoError(checkCreate(&models.DomainBlock{Domain: "example.com", Severity: models.SeveritySuspend, State: models.BlockStateDiscarded}))
	assert.ErrorIs(checkCreate(&models.DomainBlock{Domain: "example.com", Severity: models.SeveritySilence, State: models.BlockStateActive}), ErrDuplicateDomain)
	assert.ErrorIs(checkCreate(&models.DomainBlock{Domain: "example.com", Severity: models.SeveritySuspend, State: models.BlockStateActive}), ErrDuplicateDomain)
}
