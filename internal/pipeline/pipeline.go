// Package pipeline orchestrates one prompt/response exchange: policy
// resolution, inbound screening, the model call, the parallel response
// checks, aggregation and the audit append.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/novagate/internal/classifier"
	"github.com/ppiankov/novagate/internal/model"
	"github.com/ppiankov/novagate/internal/policy"
	"github.com/ppiankov/novagate/internal/provider"
)

const instrumentationName = "github.com/ppiankov/novagate/internal/pipeline"

// Appender persists a finished decision. *audit.Log satisfies it.
type Appender interface {
	Append(ctx context.Context, draft model.DecisionRecordDraft) (model.DecisionRecord, error)
}

// Timeouts bounds each external call.
type Timeouts struct {
	Inbound       time.Duration `yaml:"inbound"`
	Outbound      time.Duration `yaml:"outbound"`
	Hallucination time.Duration `yaml:"hallucination"`
	Rumor         time.Duration `yaml:"rumor"`
	Provider      time.Duration `yaml:"provider"`
}

// DefaultTimeouts returns 5s per classifier and 10s for the provider.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Inbound:       5 * time.Second,
		Outbound:      5 * time.Second,
		Hallucination: 5 * time.Second,
		Rumor:         5 * time.Second,
		Provider:      10 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Inbound <= 0 {
		t.Inbound = d.Inbound
	}
	if t.Outbound <= 0 {
		t.Outbound = d.Outbound
	}
	if t.Hallucination <= 0 {
		t.Hallucination = d.Hallucination
	}
	if t.Rumor <= 0 {
		t.Rumor = d.Rumor
	}
	if t.Provider <= 0 {
		t.Provider = d.Provider
	}
	return t
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeouts overrides the call timeouts. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(p *Pipeline) { p.timeouts = t.withDefaults() }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracerProvider sets where stage spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets where decision metrics go. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pipeline) { p.meter = mp.Meter(instrumentationName) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline evaluates exchanges. It is safe for concurrent use.
type Pipeline struct {
	policies policy.Store
	suite    classifier.Suite
	provider provider.Provider
	audit    Appender
	timeouts Timeouts
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	now      func() time.Time

	decisions metric.Int64Counter
	aborts    metric.Int64Counter
	degraded  metric.Int64Counter
	latency   metric.Float64Histogram
}

// New wires a pipeline.
func New(policies policy.Store, suite classifier.Suite, prov provider.Provider, audit Appender, opts ...Option) (*Pipeline, error) {
	if policies == nil || prov == nil || audit == nil {
		return nil, errors.New("pipeline: policy store, provider and audit log are required")
	}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		policies: policies,
		suite:    suite,
		provider: prov,
		audit:    audit,
		timeouts: DefaultTimeouts(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("pipeline: init metrics: %w", err)
	}
	return p, nil
}

func (p *Pipeline) initMetrics() error {
	var err error
	if p.decisions, err = p.meter.Int64Counter("nova.decisions.total",
		metric.WithDescription("Decisions appended to the audit log"),
		metric.WithUnit("{decision}")); err != nil {
		return err
	}
	if p.aborts, err = p.meter.Int64Counter("nova.evaluations.aborted",
		metric.WithDescription("Evaluations aborted without a record"),
		metric.WithUnit("{evaluation}")); err != nil {
		return err
	}
	if p.degraded, err = p.meter.Int64Counter("nova.checks.degraded",
		metric.WithDescription("Response checks replaced by a degraded verdict"),
		metric.WithUnit("{check}")); err != nil {
		return err
	}
	p.latency, err = p.meter.Float64Histogram("nova.evaluate.duration",
		metric.WithDescription("End-to-end evaluation latency"),
		metric.WithUnit("ms"))
	return err
}

// Evaluate runs the full pipeline for one prompt and returns the appended
// record. Every error means nothing was appended.
func (p *Pipeline) Evaluate(ctx context.Context, prompt, policyID string) (model.DecisionRecord, error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "nova.evaluate", trace.WithAttributes(
		attribute.String("nova.policy_id", policyID),
	))
	defer span.End()

	pol, err := policy.Active(ctx, p.policies, policyID)
	if err != nil {
		return model.DecisionRecord{}, p.abort(ctx, span, "policy", err)
	}

	inbound, err := p.classifyInbound(ctx, prompt, pol.Rules)
	if err != nil {
		return model.DecisionRecord{}, p.abort(ctx, span, "inbound", err)
	}

	draft := model.DecisionRecordDraft{
		PolicyID:   pol.ID,
		PromptText: prompt,
		Inbound:    inbound,
	}

	if inbound.Verdict == model.Malicious {
		draft.FinalAction = model.Block
		draft.ResponseText = model.RefusalFor(inbound.AttackType)
		return p.commit(ctx, span, start, draft)
	}

	response, err := p.complete(ctx, prompt, pol.Rules)
	if err != nil {
		return model.DecisionRecord{}, p.abort(ctx, span, "provider", err)
	}

	checks := p.runChecks(ctx, response, pol.Rules)
	if err := ctx.Err(); err != nil {
		return model.DecisionRecord{}, p.abort(ctx, span, "checks", err)
	}

	draft.Outbound = &checks.outbound
	draft.Hallucination = &checks.hallucination
	draft.Rumor = checks.rumor
	draft.FinalAction = Aggregate(draft.Outbound, draft.Hallucination, draft.Rumor)
	draft.ResponseText = response
	if draft.FinalAction == model.Block {
		draft.ResponseText = model.PolicyRefusal
	}
	return p.commit(ctx, span, start, draft)
}

// Aggregate applies the decision rule, first match wins: a real outbound
// FAIL blocks; a possible hallucination, a contradicted rumor or any degraded
// check warns; otherwise allow.
func Aggregate(out *model.OutboundCheck, hal *model.HallucinationCheck, rumor *model.RumorCheck) model.Action {
	if out != nil && out.Verdict == model.Fail && !out.Degraded {
		return model.Block
	}
	if hal != nil && (hal.Verdict == model.PossibleHallucination || hal.Degraded) {
		return model.Warn
	}
	if rumor != nil && (rumor.Verdict == model.Contradicted || rumor.Degraded) {
		return model.Warn
	}
	if out != nil && out.Degraded {
		return model.Warn
	}
	return model.Allow
}

func (p *Pipeline) commit(ctx context.Context, span trace.Span, start time.Time, draft model.DecisionRecordDraft) (model.DecisionRecord, error) {
	now := p.now()
	draft.Timestamp = now.UTC()
	draft.ResponseTimeMs = now.Sub(start).Milliseconds()

	ctx, appendSpan := p.tracer.Start(ctx, "nova.audit.append")
	rec, err := p.audit.Append(ctx, draft)
	if err != nil {
		appendSpan.RecordError(err)
		appendSpan.SetStatus(codes.Error, "append failed")
		appendSpan.End()
		if !errors.Is(err, model.ErrPersistence) {
			err = fmt.Errorf("%w: %v", model.ErrPersistence, err)
		}
		return model.DecisionRecord{}, p.abort(ctx, span, "audit", err)
	}
	appendSpan.SetAttributes(attribute.Int64("nova.record_id", rec.ID))
	appendSpan.End()

	attrs := metric.WithAttributes(attribute.String("action", string(rec.FinalAction)))
	p.decisions.Add(ctx, 1, attrs)
	p.latency.Record(ctx, float64(rec.ResponseTimeMs), attrs)
	span.SetAttributes(
		attribute.Int64("nova.record_id", rec.ID),
		attribute.String("nova.final_action", string(rec.FinalAction)),
		attribute.String("nova.attack_type", string(rec.Inbound.AttackType)),
	)
	p.logger.InfoContext(ctx, "decision recorded",
		"id", rec.ID,
		"policy_id", rec.PolicyID,
		"action", rec.FinalAction,
		"attack_type", rec.Inbound.AttackType,
		"response_time_ms", rec.ResponseTimeMs,
	)
	return rec, nil
}

func (p *Pipeline) abort(ctx context.Context, span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	p.aborts.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("stage", stage)))
	p.logger.WarnContext(ctx, "evaluation aborted", "stage", stage, "error", err)
	return err
}

func (p *Pipeline) classifyInbound(ctx context.Context, prompt string, rules []string) (model.InboundCheck, error) {
	ctx, span := p.tracer.Start(ctx, "nova.inbound")
	defer span.End()

	check, err := callWithTimeout(ctx, p.timeouts.Inbound, func(c context.Context) (model.InboundCheck, error) {
		return p.suite.Inbound.ClassifyInbound(c, prompt, rules)
	})
	if err == nil {
		err = check.Validate()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.InboundCheck{}, ctxErr
		}
		span.RecordError(err)
		return model.InboundCheck{}, classifier.Classify("inbound", err)
	}
	span.SetAttributes(
		attribute.String("nova.verdict", string(check.Verdict)),
		attribute.String("nova.attack_type", string(check.AttackType)),
	)
	return check, nil
}

// complete calls the provider detached from caller cancellation. If the
// caller goes away first, the late completion is dropped.
func (p *Pipeline) complete(ctx context.Context, prompt string, rules []string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "nova.provider")
	defer span.End()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeouts.Provider)
	go func() {
		defer cancel()
		text, err := p.provider.Complete(pctx, prompt, rules)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		switch {
		case r.err != nil:
			span.RecordError(r.err)
			if errors.Is(r.err, model.ErrProviderUnavailable) {
				return "", r.err
			}
			return "", fmt.Errorf("%w: %v", model.ErrProviderUnavailable, r.err)
		case strings.TrimSpace(r.text) == "":
			return "", fmt.Errorf("%w: empty completion", model.ErrProviderUnavailable)
		}
		return r.text, nil
	}
}

type checkResults struct {
	outbound      model.OutboundCheck
	hallucination model.HallucinationCheck
	rumor         *model.RumorCheck
}

// runChecks runs the three response checks concurrently. A failed check is
// replaced by a degraded verdict and never read as a pass.
func (p *Pipeline) runChecks(ctx context.Context, response string, rules []string) checkResults {
	var (
		res checkResults
		wg  sync.WaitGroup
	)
	wg.Add(3)

	go func() {
		defer wg.Done()
		ctx, span := p.tracer.Start(ctx, "nova.outbound")
		defer span.End()
		out, err := callWithTimeout(ctx, p.timeouts.Outbound, func(c context.Context) (model.OutboundCheck, error) {
			return p.suite.Outbound.ClassifyOutbound(c, response, rules)
		})
		if err == nil {
			err = out.Validate()
		}
		if err != nil {
			err = p.degrade(ctx, span, "outbound", err)
			out = model.OutboundCheck{Verdict: model.Pass, Reasoning: degradedReason("outbound", err), Degraded: true}
		}
		span.SetAttributes(attribute.String("nova.verdict", string(out.Verdict)))
		res.outbound = out
	}()

	go func() {
		defer wg.Done()
		ctx, span := p.tracer.Start(ctx, "nova.hallucination")
		defer span.End()
		hal, err := callWithTimeout(ctx, p.timeouts.Hallucination, func(c context.Context) (model.HallucinationCheck, error) {
			return p.suite.Hallucination.ClassifyHallucination(c, response, rules)
		})
		if err == nil {
			err = hal.Validate()
		}
		if err != nil {
			err = p.degrade(ctx, span, "hallucination", err)
			hal = model.HallucinationCheck{Verdict: model.LooksGood, Reasoning: degradedReason("hallucination", err), Degraded: true}
		}
		span.SetAttributes(attribute.String("nova.verdict", string(hal.Verdict)))
		res.hallucination = hal
	}()

	go func() {
		defer wg.Done()
		ctx, span := p.tracer.Start(ctx, "nova.rumor")
		defer span.End()
		rumor, err := callWithTimeout(ctx, p.timeouts.Rumor, func(c context.Context) (*model.RumorCheck, error) {
			return p.suite.Rumor.VerifyRumor(c, response, rules)
		})
		if err == nil && rumor != nil {
			err = rumor.Validate()
		}
		if err != nil {
			err = p.degrade(ctx, span, "rumor", err)
			rumor = &model.RumorCheck{Verdict: model.NotEnoughInfo, Reasoning: degradedReason("rumor", err), Degraded: true}
		}
		if rumor != nil {
			span.SetAttributes(attribute.String("nova.verdict", string(rumor.Verdict)))
		}
		res.rumor = rumor
	}()

	wg.Wait()
	return res
}

func (p *Pipeline) degrade(ctx context.Context, span trace.Span, stage string, err error) error {
	err = classifier.Classify(stage, err)
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("nova.degraded", true))
	p.degraded.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("stage", stage)))
	p.logger.WarnContext(ctx, "check degraded", "stage", stage, "error", err)
	return err
}

func degradedReason(stage string, err error) string {
	return fmt.Sprintf("%s check unavailable: %v", stage, err)
}

// callWithTimeout runs fn under its own deadline and stops waiting once the
// deadline passes, even if fn ignores its context.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}
