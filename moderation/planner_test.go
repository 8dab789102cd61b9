package moderation

import (
	"testing"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/stretchr/testify/assert"
)

func TestPlanTransition(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		old, new models.Severity
		expected []Instruction
	}{
		{models.SeveritySuspend, models.SeveritySilence, []Instruction{UndoSuspend, ApplySilence}},
		{models.SeveritySilence, models.SeveritySuspend, []Instruction{UndoSilence, ApplySuspend}},
		{models.SeverityNone, models.SeveritySilence, []Instruction{ApplySilence}},
		{models.SeverityNone, models.SeveritySuspend, []Instruction{ApplySuspend}},
		{models.SeveritySilence, models.SeverityNone, []Instruction{UndoSilence}},
		{models.SeveritySuspend, models.SeverityNone, []Instruction{UndoSuspend}},
		{models.SeveritySilence, models.SeveritySilence, []Instruction{NoOp}},
		{models.SeverityNone, models.SeverityNone, []Instruction{NoOp}},
	}
	for _, tc := range tests {
		p, err := PlanTransition(tc.old, tc.new, FlagDelta{})
		assert.NoError(err)
		assert.Equal(tc.expected, p.Instructions, "%s -> %s", tc.old, tc.new)
		assert.Equal(tc.old != tc.new, p.RequiresFanout())
	}

	_, err := PlanTransition(models.SeveritySilence, models.Severity("ban"), FlagDelta{})
	assert.ErrorIs(err, ErrInvalidSeverity)
}

func TestPlanFlagsOnly(t *testing.T) {
	assert := assert.New(t)

	p, err := PlanTransition(models.SeveritySilence, models.SeveritySilence, FlagDelta{RejectMedia: true})
	assert.NoError(err)
	assert.Equal(TransitionNone, p.Transition)
	assert.True(p.Flags.Any())
	assert.False(p.RequiresFanout())
}

func TestApplyInstructionOrdering(t *testing.T) {
	assert := assert.New(t)

	// suspend -> silence
	acc := models.Account{Username: "alice"}
	ApplyInstruction(&acc, ApplySuspend)
	assert.True(acc.Suspended)
	p, err := PlanTransition(models.SeveritySuspend, models.SeveritySilence, FlagDelta{})
	assert.NoError(err)
	for _, in := range p.Instructions {
		ApplyInstruction(&acc, in)
	}
	assert.False(acc.Suspended)
	assert.True(acc.Silenced)

	// silence -> suspend
	p, err = PlanTransition(models.SeveritySilence, models.SeveritySuspend, FlagDelta{})
	assert.NoError(err)
	for _, in := range p.Instructions {
		ApplyInstruction(&acc, in)
	}
	assert.False(acc.Silenced)
	assert.True(acc.Suspended)
}

func TestApplyInstructionIdempotent(t *testing.T) {
	assert := assert.New(t)

	acc := models.Account{Username: "bob"}
	ApplyInstruction(&acc, ApplySilence)
	once := acc
	ApplyInstruction(&acc, ApplySilence)
	assert.True(acc.SameModerationState(&once))

	ApplyInstruction(&acc, UndoSilence)
	once = acc
	ApplyInstruction(&acc, UndoSilence)
	assert.True(acc.SameModerationState(&once))
	assert.False(acc.Silenced)
}

func TestApplyInstructionKeepsManualMarkers(t *testing.T) {
	assert := assert.New(t)

	acc := models.Account{Username: "carol", SuspendedManually: true}
	acc.Recompute()
	ApplyInstruction(&acc, ApplySuspend)
	ApplyInstruction(&acc, UndoSuspend)
	assert.True(acc.SuspendedManually)
	assert.False(acc.SuspendedByDomain)
	assert.True(acc.Suspended)

	ApplyInstruction(&acc, NoOp)
	assert.True(acc.Suspended)
}

func TestInstructionEncoding(t *testing.T) {
	assert := assert.New(t)

	ins := []Instruction{UndoSuspend, ApplySilence}
	raw := EncodeInstructions(ins)
	assert.Equal("undo_suspend,apply_silence", raw)

	out, err := DecodeInstructions(raw)
	assert.NoError(err)
	assert.Equal(ins, out)

	out, err = DecodeInstructions("")
	assert.NoError(err)
	assert.Empty(out)

	_, err = DecodeInstructions("apply_silence,delete_everything")
	assert.Error(err)
}
