package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/model"
)

// EvaluateInput is the input for nova_evaluate.
type EvaluateInput struct {
	Prompt   string `json:"prompt" jsonschema:"the user prompt to evaluate"`
	PolicyID string `json:"policy_id" jsonschema:"policy to evaluate under, e.g. policy_001"`
}

// EvaluateOutput is the output for nova_evaluate.
type EvaluateOutput struct {
	ID            int64                     `json:"id"`
	Action        string                    `json:"final_action"`
	Status        string                    `json:"status"`
	Response      string                    `json:"response_text"`
	Inbound       model.InboundCheck        `json:"inbound_check"`
	Outbound      *model.OutboundCheck      `json:"outbound_check,omitempty"`
	Hallucination *model.HallucinationCheck `json:"hallucination_check,omitempty"`
	Rumor         *model.RumorCheck         `json:"rumor_verifier,omitempty"`
	RecordHash    string                    `json:"record_hash"`
}

// VerifyInput is the input for nova_verify.
type VerifyInput struct {
	FromID int64 `json:"from_id,omitempty" jsonschema:"first record id, default 1"`
	ToID   int64 `json:"to_id,omitempty" jsonschema:"last record id, default the current tail"`
}

// QueryInput is the input for nova_query.
type QueryInput struct {
	Status   string `json:"status,omitempty" jsonschema:"success, warning or blocked (ALLOW/WARN/BLOCK also accepted)"`
	PolicyID string `json:"policy_id,omitempty" jsonschema:"only records under this policy"`
	Since    string `json:"since,omitempty" jsonschema:"RFC 3339 lower bound, inclusive"`
	Until    string `json:"until,omitempty" jsonschema:"RFC 3339 upper bound, inclusive"`
	Text     string `json:"q,omitempty" jsonschema:"case-insensitive text in prompt or response"`
	Limit    int    `json:"limit,omitempty" jsonschema:"page size, default 20, max 100"`
	Offset   int    `json:"offset,omitempty" jsonschema:"records to skip"`
}

// RecordSummary is one row of a query result.
type RecordSummary struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	PolicyID  string `json:"policy_id"`
	Action    string `json:"final_action"`
	Prompt    string `json:"prompt_text"`
	Frozen    bool   `json:"frozen"`
}

// QueryOutput is the output for nova_query.
type QueryOutput struct {
	Records []RecordSummary `json:"records"`
	Total   int             `json:"total"`
}

// SummaryInput is the input for nova_summary.
type SummaryInput struct{}

// SummaryOutput is the output for nova_summary.
type SummaryOutput struct {
	Total       int            `json:"total_requests"`
	Blocked     int            `json:"blocked_requests"`
	Warned      int            `json:"warned_requests"`
	Allowed     int            `json:"allowed_requests"`
	Frozen      int            `json:"frozen_records"`
	BlockRate   float64        `json:"block_rate_percentage"`
	AverageMs   float64        `json:"average_response_time_ms"`
	AttackTypes map[string]int `json:"attack_types"`
}

// FreezeInput is the input for nova_freeze.
type FreezeInput struct {
	ID int64 `json:"id" jsonschema:"audit record id to freeze"`
}

// FreezeOutput is the output for nova_freeze.
type FreezeOutput struct {
	ID         int64  `json:"id"`
	Frozen     bool   `json:"frozen"`
	RecordHash string `json:"record_hash"`
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	if strings.TrimSpace(input.Prompt) == "" || input.PolicyID == "" {
		return nil, EvaluateOutput{}, fmt.Errorf("prompt and policy_id are required")
	}
	rec, err := s.eval.Evaluate(ctx, input.Prompt, input.PolicyID)
	if err != nil {
		return nil, EvaluateOutput{}, toolError(err)
	}
	out := EvaluateOutput{
		ID:            rec.ID,
		Action:        string(rec.FinalAction),
		Status:        string(rec.Status()),
		Response:      rec.ResponseText,
		Inbound:       rec.Inbound,
		Outbound:      rec.Outbound,
		Hallucination: rec.Hallucination,
		Rumor:         rec.Rumor,
		RecordHash:    rec.RecordHash,
	}
	if rec.FinalAction == model.Block {
		s.logger.InfoContext(ctx, "mcp evaluate blocked", "id", rec.ID, "policy_id", rec.PolicyID)
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, audit.VerifyResult, error) {
	res, err := s.log.VerifyIntegrity(ctx, input.FromID, input.ToID)
	if err != nil {
		return nil, audit.VerifyResult{}, toolError(err)
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, res, nil
	}
	return nil, res, nil
}

func (s *Server) handleQuery(ctx context.Context, req *mcpsdk.CallToolRequest, input QueryInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
	q := audit.QueryParams{
		Status:   input.Status,
		PolicyID: input.PolicyID,
		Since:    input.Since,
		Until:    input.Until,
		Text:     input.Text,
		Offset:   input.Offset,
		Limit:    input.Limit,
	}
	res, err := q.Run(ctx, s.log)
	if err != nil {
		return nil, QueryOutput{}, err
	}
	out := QueryOutput{Total: res.Total, Records: make([]RecordSummary, 0, len(res.Records))}
	for _, r := range res.Records {
		out.Records = append(out.Records, RecordSummary{
			ID:        r.ID,
			Timestamp: model.FormatTime(r.Timestamp),
			PolicyID:  r.PolicyID,
			Action:    string(r.FinalAction),
			Prompt:    r.PromptText,
			Frozen:    r.Frozen,
		})
	}
	return nil, out, nil
}

func (s *Server) handleSummary(ctx context.Context, req *mcpsdk.CallToolRequest, input SummaryInput) (*mcpsdk.CallToolResult, SummaryOutput, error) {
	sum, err := s.log.Summary(ctx)
	if err != nil {
		return nil, SummaryOutput{}, toolError(err)
	}
	out := SummaryOutput{
		Total:       sum.TotalRequests,
		Blocked:     sum.BlockedRequests,
		Warned:      sum.WarnedRequests,
		Allowed:     sum.AllowedRequests,
		Frozen:      sum.FrozenRecords,
		BlockRate:   sum.BlockRatePercentage,
		AverageMs:   sum.AverageResponseMs,
		AttackTypes: make(map[string]int, len(sum.AttackTypes)),
	}
	for k, v := range sum.AttackTypes {
		out.AttackTypes[string(k)] = v
	}
	return nil, out, nil
}

func (s *Server) handleFreeze(ctx context.Context, req *mcpsdk.CallToolRequest, input FreezeInput) (*mcpsdk.CallToolResult, FreezeOutput, error) {
	if input.ID < 1 {
		return nil, FreezeOutput{}, fmt.Errorf("id must be positive")
	}
	rec, err := s.log.Freeze(ctx, input.ID)
	if err != nil {
		return nil, FreezeOutput{}, toolError(err)
	}
	s.logger.InfoContext(ctx, "record frozen", "id", rec.ID, "via", "mcp")
	return nil, FreezeOutput{ID: rec.ID, Frozen: rec.Frozen, RecordHash: rec.RecordHash}, nil
}

// toolError keeps client-facing taxonomy errors and hides upstream detail.
func toolError(err error) error {
	switch {
	case errors.Is(err, model.ErrPolicyNotFound),
		errors.Is(err, model.ErrPolicyDisabled),
		errors.Is(err, model.ErrRecordNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return errors.New(model.UserMessage)
	}
}
