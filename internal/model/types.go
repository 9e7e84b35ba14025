package model

import (
	"fmt"
	"math"
)

// InboundVerdict is the outcome of the inbound intent check.
type InboundVerdict string

const (
	Safe      InboundVerdict = "SAFE"
	Malicious InboundVerdict = "MALICIOUS"
)

// AttackType classifies a malicious prompt. Closed set.
type AttackType string

const (
	AttackNone           AttackType = "none"
	AttackPIIRequest     AttackType = "pii_request"
	AttackMedicalAdvice  AttackType = "medical_advice"
	AttackMisinformation AttackType = "misinformation"
	AttackJailbreak      AttackType = "jailbreak"
	AttackHarmfulContent AttackType = "harmful_content"
)

// AttackTypes lists every recognized attack type in display order.
var AttackTypes = []AttackType{
	AttackNone,
	AttackPIIRequest,
	AttackMedicalAdvice,
	AttackMisinformation,
	AttackJailbreak,
	AttackHarmfulContent,
}

// OutboundVerdict is the outcome of the outbound compliance check.
type OutboundVerdict string

const (
	Pass OutboundVerdict = "PASS"
	Fail OutboundVerdict = "FAIL"
)

// HallucinationVerdict is the outcome of the hallucination check.
type HallucinationVerdict string

const (
	LooksGood             HallucinationVerdict = "LOOKS_GOOD"
	PossibleHallucination HallucinationVerdict = "POSSIBLE_HALLUCINATION"
)

// RumorVerdict is the outcome of claim verification against sources.
type RumorVerdict string

const (
	Supported     RumorVerdict = "SUPPORTED"
	Contradicted  RumorVerdict = "CONTRADICTED"
	NotEnoughInfo RumorVerdict = "NOT_ENOUGH_INFO"
)

// Action is the final enforcement decision for one exchange.
type Action string

const (
	Allow Action = "ALLOW"
	Block Action = "BLOCK"
	Warn  Action = "WARN"
)

// Status is the dashboard rendering of an Action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusBlocked Status = "blocked"
	StatusWarning Status = "warning"
)

// Status maps the action 1:1 to the value the dashboard renders.
func (a Action) Status() Status {
	switch a {
	case Block:
		return StatusBlocked
	case Warn:
		return StatusWarning
	default:
		return StatusSuccess
	}
}

// ParseStatus accepts either a dashboard status or an action name.
func ParseStatus(s string) (Action, error) {
	switch s {
	case string(StatusSuccess), string(Allow):
		return Allow, nil
	case string(StatusBlocked), string(Block):
		return Block, nil
	case string(StatusWarning), string(Warn):
		return Warn, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Valid reports whether a is one of the three enforcement actions.
func (a Action) Valid() bool {
	return a == Allow || a == Block || a == Warn
}

// InboundCheck is the verdict of the inbound intent classifier.
type InboundCheck struct {
	Verdict    InboundVerdict `json:"verdict"`
	AttackType AttackType     `json:"attack_type"`
	Confidence float64        `json:"confidence_score"`
	Reasoning  string         `json:"reasoning"`
}

// OutboundCheck is the verdict of the outbound compliance classifier.
type OutboundCheck struct {
	Verdict    OutboundVerdict `json:"verdict"`
	Confidence float64         `json:"confidence_score"`
	Reasoning  string          `json:"reasoning"`
	Degraded   bool            `json:"degraded,omitempty"`
}

// HallucinationCheck is the verdict of the hallucination classifier.
type HallucinationCheck struct {
	Verdict    HallucinationVerdict `json:"verdict"`
	Confidence float64              `json:"confidence_score"`
	Reasoning  string               `json:"reasoning"`
	Degraded   bool                 `json:"degraded,omitempty"`
}

// RumorCheck is the verdict of the rumor/trust verifier. Only produced when
// the response carries a checkable factual claim.
type RumorCheck struct {
	Verdict          RumorVerdict `json:"verdict"`
	Claim            string       `json:"claim"`
	Reasoning        string       `json:"reasoning"`
	SourcesConsulted []string     `json:"sources_consulted"`
	Degraded         bool         `json:"degraded,omitempty"`
}

// Validate rejects verdicts outside the closed enums and confidences
// outside [0,1].
func (c InboundCheck) Validate() error {
	switch c.Verdict {
	case Safe, Malicious:
	default:
		return classifierErrorf("unrecognized inbound verdict %q", c.Verdict)
	}
	if !validAttackType(c.AttackType) {
		return classifierErrorf("unrecognized attack type %q", c.AttackType)
	}
	if c.Verdict == Malicious && c.AttackType == AttackNone {
		return classifierErrorf("malicious verdict without attack type")
	}
	return validConfidence(c.Confidence)
}

// Validate rejects verdicts outside the closed enum.
func (c OutboundCheck) Validate() error {
	switch c.Verdict {
	case Pass, Fail:
	default:
		return classifierErrorf("unrecognized outbound verdict %q", c.Verdict)
	}
	return validConfidence(c.Confidence)
}

// Validate rejects verdicts outside the closed enum.
func (c HallucinationCheck) Validate() error {
	switch c.Verdict {
	case LooksGood, PossibleHallucination:
	default:
		return classifierErrorf("unrecognized hallucination verdict %q", c.Verdict)
	}
	return validConfidence(c.Confidence)
}

// Validate rejects verdicts outside the closed enum.
func (c RumorCheck) Validate() error {
	switch c.Verdict {
	case Supported, Contradicted, NotEnoughInfo:
		return nil
	default:
		return classifierErrorf("unrecognized rumor verdict %q", c.Verdict)
	}
}

func validAttackType(t AttackType) bool {
	for _, known := range AttackTypes {
		if t == known {
			return true
		}
	}
	return false
}

func validConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return classifierErrorf("confidence %v outside [0,1]", c)
	}
	return nil
}

func classifierErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrClassifierError, fmt.Sprintf(format, args...))
}
