package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/novagate/internal/model"
)

// newTestDispatcher shortens the backoff so retry tests run fast.
func newTestDispatcher(configs ...Config) *Dispatcher {
	d := NewDispatcher(configs, nil)
	d.backoff = []time.Duration{time.Millisecond, time.Millisecond}
	return d
}

func countingServer(t *testing.T, called *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatchMatchesEvents(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := newTestDispatcher(Config{URL: srv.URL, Format: "generic", Events: []string{"BLOCK"}})

	d.Dispatch(context.Background(), Event{Action: "BLOCK", RecordID: 1})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := newTestDispatcher(Config{URL: srv.URL, Format: "generic", Events: []string{"BLOCK"}})

	d.Dispatch(context.Background(), Event{Action: "ALLOW", RecordID: 2})
	d.Wait()

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	srv1 := countingServer(t, &called)
	srv2 := countingServer(t, &called)

	d := newTestDispatcher(
		Config{URL: srv1.URL, Format: "generic", Events: []string{"BLOCK"}},
		Config{URL: srv2.URL, Format: "slack", Events: []string{"BLOCK", "WARN"}},
	)

	d.Dispatch(context.Background(), Event{Action: "BLOCK"})
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestDispatchMatchesDegradedType(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := newTestDispatcher(Config{URL: srv.URL, Format: "generic", Events: []string{TypeDegraded}})

	d.Dispatch(context.Background(), Event{Action: "WARN", Type: TypeDegraded})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call for degraded type match, got %d", called.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL, Format: "generic"}
	if err := newTestDispatcher(cfg).deliver(context.Background(), cfg, Event{Action: "BLOCK"}); err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestRetriesBoundedByBackoff(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL}
	err := newTestDispatcher(cfg).deliver(context.Background(), cfg, Event{Action: "BLOCK"})
	if err == nil || !strings.Contains(err.Error(), "3 attempts failed") {
		t.Errorf("expected exhausted retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts (429 is retried), got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL, Format: "generic"}
	err := newTestDispatcher(cfg).deliver(context.Background(), cfg, Event{Action: "BLOCK"})
	if !errors.Is(err, errRejected) {
		t.Errorf("expected rejection on 400, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL}
	d := newTestDispatcher(cfg)
	d.backoff = []time.Duration{time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.deliver(ctx, cfg, Event{Action: "BLOCK"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff wait ignored context")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt before cancel, got %d", attempts.Load())
	}
}

func TestDispatchOutlivesRequestContext(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := newTestDispatcher(Config{URL: srv.URL, Events: []string{"BLOCK"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, Event{Action: "BLOCK"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected delivery after request ended, got %d calls", called.Load())
	}
}

func TestSendHeaders(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Token")
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL, Headers: map[string]string{"X-Token": "s3cret"}}
	if err := newTestDispatcher(cfg).deliver(context.Background(), cfg, Event{Action: "BLOCK"}); err != nil {
		t.Fatal(err)
	}
	if h := <-got; h != "s3cret" {
		t.Errorf("expected X-Token header, got %q", h)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := Event{
		Timestamp:  "2025-01-15T14:00:00.000000Z",
		RecordID:   7,
		PolicyID:   "policy_002",
		Action:     "BLOCK",
		AttackType: "pii_request",
		Reason:     "PII request detected",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed Event
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.RecordID != 7 {
		t.Errorf("expected record_id 7, got %d", parsed.RecordID)
	}
	if parsed.Action != "BLOCK" {
		t.Errorf("expected action BLOCK, got %s", parsed.Action)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	event := Event{
		RecordID:   7,
		PolicyID:   "policy_002",
		Action:     "BLOCK",
		AttackType: "pii_request",
		Reason:     "PII request detected",
	}

	data, err := FormatPayload("slack", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %v", parsed["blocks"])
	}

	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}

	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 4 {
		t.Errorf("expected 4 fields in section (attack type included), got %v", fields)
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{Action: "BLOCK", AttackType: "jailbreak"}, "critical"},
		{Event{Action: "BLOCK", AttackType: "pii_request"}, "error"},
		{Event{Action: "WARN", Type: TypeDegraded}, "warning"},
		{Event{Action: "ALLOW"}, "info"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", tt.event)
		if err != nil {
			t.Fatal(err)
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("pagerduty format is not valid JSON: %v", err)
		}
		if parsed["event_action"] != "trigger" {
			t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
		}
		payload, _ := parsed["payload"].(map[string]any)
		if payload["severity"] != tt.want {
			t.Errorf("%+v: severity = %v, want %s", tt.event, payload["severity"], tt.want)
		}
		if payload["source"] != "nova" {
			t.Errorf("expected source nova, got %v", payload["source"])
		}
	}
}

func TestFromRecord(t *testing.T) {
	blocked := model.DecisionRecord{
		ID: 3,
		DecisionRecordDraft: model.DecisionRecordDraft{
			PolicyID:    "policy_002",
			FinalAction: model.Block,
			Inbound:     model.InboundCheck{Verdict: model.Malicious, AttackType: model.AttackPIIRequest, Reasoning: "asks for card"},
		},
	}
	ev := FromRecord(blocked)
	if ev.Action != "BLOCK" || ev.AttackType != "pii_request" || ev.Reason != "asks for card" || ev.Type != "" {
		t.Errorf("blocked event = %+v", ev)
	}

	warned := model.DecisionRecord{
		ID: 4,
		DecisionRecordDraft: model.DecisionRecordDraft{
			FinalAction:   model.Warn,
			Inbound:       model.InboundCheck{Verdict: model.Safe, AttackType: model.AttackNone},
			Outbound:      &model.OutboundCheck{Verdict: model.Pass},
			Hallucination: &model.HallucinationCheck{Verdict: model.LooksGood, Degraded: true},
			Rumor:         &model.RumorCheck{Verdict: model.Contradicted, Reasoning: "sources disagree"},
		},
	}
	ev = FromRecord(warned)
	if ev.Type != TypeDegraded || ev.Reason != "sources disagree" || ev.AttackType != "" {
		t.Errorf("warned event = %+v", ev)
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]Config{}, nil); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
