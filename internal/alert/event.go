package alert

import (
	"github.com/ppiankov/novagate/internal/model"
)

// TypeDegraded marks events where at least one check fell back to its
// neutral verdict.
const TypeDegraded = "degraded"

// FromRecord builds the alert for a committed decision. Reason is taken from
// the check that decided the outcome.
func FromRecord(rec model.DecisionRecord) Event {
	ev := Event{
		Timestamp:  model.FormatTime(rec.Timestamp),
		RecordID:   rec.ID,
		PolicyID:   rec.PolicyID,
		Action:     string(rec.FinalAction),
		RecordHash: rec.RecordHash,
		Reason:     rec.Inbound.Reasoning,
	}
	if rec.Inbound.Verdict == model.Malicious {
		ev.AttackType = string(rec.Inbound.AttackType)
		return ev
	}

	degraded := false
	switch {
	case rec.Outbound != nil && rec.Outbound.Verdict == model.Fail && !rec.Outbound.Degraded:
		ev.Reason = rec.Outbound.Reasoning
	case rec.Hallucination != nil && rec.Hallucination.Verdict == model.PossibleHallucination:
		ev.Reason = rec.Hallucination.Reasoning
	case rec.Rumor != nil && rec.Rumor.Verdict == model.Contradicted:
		ev.Reason = rec.Rumor.Reasoning
	}
	if rec.Outbound != nil && rec.Outbound.Degraded {
		degraded = true
	}
	if rec.Hallucination != nil && rec.Hallucination.Degraded {
		degraded = true
	}
	if rec.Rumor != nil && rec.Rumor.Degraded {
		degraded = true
	}
	if degraded {
		ev.Type = TypeDegraded
	}
	return ev
}
