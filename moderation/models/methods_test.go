package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityLevel(t *testing.T) {
	assert := assert.New(t)

	assert.True(SeverityNone.Level() < SeveritySilence.Level())
	assert.True(SeveritySilence.Level() < SeveritySuspend.Level())
	assert.True(SeveritySuspend.IsValid())
	assert.False(Severity("noop").IsValid())
	assert.False(Severity("").IsValid())
}

func TestEffectiveSeverity(t *testing.T) {
	assert := assert.New(t)

	b := DomainBlock{Domain: "example.com", Severity: SeveritySuspend, State: BlockStateActive}
	assert.Equal(SeveritySuspend, b.EffectiveSeverity())

	b.State = BlockStateUnblocking
	assert.Equal(SeverityNone, b.EffectiveSeverity())
	assert.False(b.IsActive())

	b.State = BlockStateDiscarded
	assert.Equal(SeverityNone, b.EffectiveSeverity())
}

func TestAccountRecompute(t *testing.T) {
	assert := assert.New(t)

	domain := "example.com"
	a := Account{Username: "alice", Domain: &domain}
	assert.False(a.IsLocal())
	assert.Equal("example.com", a.DomainName())

	a.SuspendedByDomain = true
	a.SilencedManually = true
	a.Recompute()
	assert.True(a.Suspended)
	assert.True(a.Silenced)

	a.SuspendedByDomain = false
	a.Recompute()
	assert.False(a.Suspended)
	assert.True(a.Silenced)

	b := a
	assert.True(a.SameModerationState(&b))
	b.SilencedByDomain = true
	assert.False(a.SameModerationState(&b))

	local := Account{Username: "bob"}
	assert.True(local.IsLocal())
	assert.Equal("", local.DomainName())
}
