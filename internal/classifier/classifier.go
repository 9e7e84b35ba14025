// Package classifier defines the four verdict capabilities the pipeline
// consumes and the strategies that implement them.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ppiankov/novagate/internal/model"
)

// InboundClassifier judges a prompt before it reaches the model.
type InboundClassifier interface {
	ClassifyInbound(ctx context.Context, prompt string, rules []string) (model.InboundCheck, error)
}

// OutboundClassifier judges a model response against the policy rules.
type OutboundClassifier interface {
	ClassifyOutbound(ctx context.Context, response string, rules []string) (model.OutboundCheck, error)
}

// HallucinationClassifier flags responses that look fabricated.
type HallucinationClassifier interface {
	ClassifyHallucination(ctx context.Context, response string, rules []string) (model.HallucinationCheck, error)
}

// RumorVerifier checks the factual claim in a response against outside
// sources. It returns nil when there is no checkable claim.
type RumorVerifier interface {
	VerifyRumor(ctx context.Context, response string, rules []string) (*model.RumorCheck, error)
}

// Suite bundles one implementation of each capability.
type Suite struct {
	Inbound       InboundClassifier
	Outbound      OutboundClassifier
	Hallucination HallucinationClassifier
	Rumor         RumorVerifier
}

// Validate reports a missing capability.
func (s Suite) Validate() error {
	switch {
	case s.Inbound == nil:
		return errors.New("classifier: inbound classifier is required")
	case s.Outbound == nil:
		return errors.New("classifier: outbound classifier is required")
	case s.Hallucination == nil:
		return errors.New("classifier: hallucination classifier is required")
	case s.Rumor == nil:
		return errors.New("classifier: rumor verifier is required")
	}
	return nil
}

// Classify maps an adapter failure onto the classifier error taxonomy.
// Deadline errors become ErrClassifierTimeout, everything else
// ErrClassifierError. Already-classified errors pass through.
func Classify(stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrClassifierTimeout) || errors.Is(err, model.ErrClassifierError) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", model.ErrClassifierTimeout, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrClassifierError, stage, err)
}
