package audit

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/ppiankov/novagate/internal/model"
)

// Store persists decision records. Implementations must make each call
// atomic: a reader never observes a record that is only partly written.
type Store interface {
	// Insert persists a finalized record. The caller guarantees IDs arrive
	// strictly increasing by one.
	Insert(ctx context.Context, rec model.DecisionRecord) error
	// Last returns the chain tail, or ok=false for an empty log.
	Last(ctx context.Context) (rec model.DecisionRecord, ok bool, err error)
	Get(ctx context.Context, id int64) (model.DecisionRecord, error)
	// Range returns records with fromID <= id <= toID in id order.
	Range(ctx context.Context, fromID, toID int64) ([]model.DecisionRecord, error)
	// SetFrozen flips the frozen flag and returns the updated record.
	SetFrozen(ctx context.Context, id int64) (model.DecisionRecord, error)
	// Query returns one page of matching records, newest first, plus the
	// total number of matches.
	Query(ctx context.Context, f Filter, p Page) ([]model.DecisionRecord, int, error)
	Summary(ctx context.Context) (Summary, error)
	Close() error
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Action   model.Action `json:"action,omitempty"`
	PolicyID string       `json:"policy_id,omitempty"`
	// Since is inclusive, Until exclusive.
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
	// Text is a case-insensitive substring of the prompt or response.
	Text   string `json:"text,omitempty"`
	Frozen *bool  `json:"frozen,omitempty"`
}

// Match reports whether r passes the filter.
func (f Filter) Match(r model.DecisionRecord) bool {
	if f.Action != "" && r.FinalAction != f.Action {
		return false
	}
	if f.PolicyID != "" && r.PolicyID != f.PolicyID {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	if f.Frozen != nil && r.Frozen != *f.Frozen {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(r.PromptText), needle) &&
			!strings.Contains(strings.ToLower(r.ResponseText), needle) {
			return false
		}
	}
	return true
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page selects a window of query results.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Normalize clamps the page into the supported range.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Summary aggregates the log for the analytics dashboard.
type Summary struct {
	TotalRequests       int                      `json:"total_requests"`
	BlockedRequests     int                      `json:"blocked_requests"`
	WarnedRequests      int                      `json:"warned_requests"`
	AllowedRequests     int                      `json:"allowed_requests"`
	FrozenRecords       int                      `json:"frozen_records"`
	BlockRatePercentage float64                  `json:"block_rate_percentage"`
	AverageResponseMs   float64                  `json:"average_response_time_ms"`
	AttackTypes         map[model.AttackType]int `json:"attack_types"`
}

// summaryAccumulator builds a Summary incrementally so both the memory and
// SQL stores derive the percentages the same way.
type summaryAccumulator struct {
	s           Summary
	totalTimeMs int64
}

func newSummaryAccumulator() *summaryAccumulator {
	return &summaryAccumulator{s: Summary{AttackTypes: map[model.AttackType]int{}}}
}

func (a *summaryAccumulator) addAction(action model.Action, count int, timeMs int64, frozen int) {
	a.s.TotalRequests += count
	a.s.FrozenRecords += frozen
	a.totalTimeMs += timeMs
	switch action {
	case model.Block:
		a.s.BlockedRequests += count
	case model.Warn:
		a.s.WarnedRequests += count
	default:
		a.s.AllowedRequests += count
	}
}

func (a *summaryAccumulator) addAttack(t model.AttackType, count int) {
	if t == "" || t == model.AttackNone {
		return
	}
	a.s.AttackTypes[t] += count
}

func (a *summaryAccumulator) result() Summary {
	s := a.s
	if s.TotalRequests > 0 {
		s.BlockRatePercentage = round2(float64(s.BlockedRequests) / float64(s.TotalRequests) * 100)
		s.AverageResponseMs = round2(float64(a.totalTimeMs) / float64(s.TotalRequests))
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
