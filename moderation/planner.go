package moderation

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/fedmod/moderation/models"
)

type Instruction string

const (
	ApplySilence = Instruction("apply_silence")
	UndoSilence  = Instruction("undo_silence")
	ApplySuspend = Instruction("apply_suspend")
	UndoSuspend  = Instruction("undo_suspend")
	NoOp         = Instruction("noop")
)

// Which of the non-severity flags changed along with a transition. These are recorded on the block row only; they never cause per-account work.
type FlagDelta struct {
	RejectMedia   bool
	RejectReports bool
	Obfuscate     bool
}

func (d FlagDelta) Any() bool {
	return d.RejectMedia || d.RejectReports || d.Obfuscate
}

type Plan struct {
	From         models.Severity
	To           models.Severity
	Transition   Transition
	Flags        FlagDelta
	Instructions []Instruction
}

// Whether any account needs to be visited for this plan
func (p *Plan) RequiresFanout() bool {
	for _, in := range p.Instructions {
		if in != NoOp {
			return true
		}
	}
	return false
}

// PlanTransition translates a severity change into the ordered list of per-account instructions. It does not touch storage.
//
// When moving between silence and suspend, the undo of the old restriction always comes before the apply of the new one.
func PlanTransition(old, new models.Severity, delta FlagDelta) (*Plan, error) {
	tr, err := ClassifyTransition(old, new)
	if err != nil {
		return nil, err
	}
	p := &Plan{
		From:       old,
		To:         new,
		Transition: tr,
		Flags:      delta,
	}
	if tr == TransitionNone {
		p.Instructions = []Instruction{NoOp}
		return p, nil
	}

	switch old {
	case models.SeveritySilence:
		p.Instructions = append(p.Instructions, UndoSilence)
	case models.SeveritySuspend:
		p.Instructions = append(p.Instructions, UndoSuspend)
	}
	switch new {
	case models.SeveritySilence:
		p.Instructions = append(p.Instructions, ApplySilence)
	case models.SeveritySuspend:
		p.Instructions = append(p.Instructions, ApplySuspend)
	}
	return p, nil
}

// ApplyInstruction mutates the domain cause markers of an in-memory account, and recomputes the effective flags. Manual markers are never touched. Applying an instruction twice is the same as applying it once.
func ApplyInstruction(acc *models.Account, in Instruction) {
	switch in {
	case ApplySilence:
		acc.SilencedByDomain = true
	case UndoSilence:
		acc.SilencedByDomain = false
	case ApplySuspend:
		acc.SuspendedByDomain = true
	case UndoSuspend:
		acc.SuspendedByDomain = false
	}
	acc.Recompute()
}

func EncodeInstructions(ins []Instruction) string {
	parts := make([]string, len(ins))
	for i, in := range ins {
		parts[i] = string(in)
	}
	return strings.Join(parts, ",")
}

func DecodeInstructions(raw string) ([]Instruction, error) {
	if raw == "" {
		return []Instruction{}, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]Instruction, len(parts))
	for i, p := range parts {
		in := Instruction(p)
		switch in {
		case ApplySilence, UndoSilence, ApplySuspend, UndoSuspend, NoOp:
			out[i] = in
		default:
			return nil, fmt.Errorf("unknown fan-out instruction: %q", p)
		}
	}
	return out, nil
}
