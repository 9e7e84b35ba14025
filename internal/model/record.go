package model

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC layout used wherever a timestamp is
// hashed or stored as text. Fixed width keeps lexical and temporal order equal.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Policy is a named rule set used as adjudication input.
// UpdatedAt doubles as the optimistic version token.
type Policy struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Rules       []string  `json:"rules" yaml:"rules"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Validate enforces the structural invariants of a policy.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidPolicy)
	}
	if p.Enabled && len(p.Rules) == 0 {
		return fmt.Errorf("%w: enabled policy %q has no rules", ErrInvalidPolicy, p.ID)
	}
	for i, r := range p.Rules {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: policy %q rule %d is empty", ErrInvalidPolicy, p.ID, i)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hold a snapshot that later
// edits cannot reach.
func (p Policy) Clone() Policy {
	p.Rules = append([]string(nil), p.Rules...)
	return p
}

// DecisionRecordDraft is a finished decision before it has a chain position.
type DecisionRecordDraft struct {
	Timestamp      time.Time           `json:"timestamp"`
	PolicyID       string              `json:"policy_id"`
	PromptText     string              `json:"prompt_text"`
	ResponseText   string              `json:"response_text"`
	Inbound        InboundCheck        `json:"inbound_check"`
	Outbound       *OutboundCheck      `json:"outbound_check"`
	Hallucination  *HallucinationCheck `json:"hallucination_check"`
	Rumor          *RumorCheck         `json:"rumor_verifier"`
	FinalAction    Action              `json:"final_action"`
	ResponseTimeMs int64               `json:"response_time_ms"`
}

// DecisionRecord is one entry of the hash-chained audit log.
// Every field except Frozen is immutable once appended.
type DecisionRecord struct {
	ID int64 `json:"id"`
	DecisionRecordDraft
	ContentHash string `json:"content_hash"`
	PrevHash    string `json:"prev_hash"`
	RecordHash  string `json:"record_hash"`
	Frozen      bool   `json:"frozen"`
}

// Status is the dashboard rendering of the final action.
func (r DecisionRecord) Status() Status {
	return r.FinalAction.Status()
}
