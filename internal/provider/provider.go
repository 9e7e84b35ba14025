// Package provider adapts text-completion backends for the pipeline.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/novagate/internal/llm"
	"github.com/ppiankov/novagate/internal/model"
)

// Provider produces a model response for a prompt under system constraints.
// Implementations do not retry.
type Provider interface {
	Complete(ctx context.Context, prompt string, constraints []string) (string, error)
}

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client *llm.Client
}

// NewOpenAI returns a provider that talks to cfg.APIURL.
func NewOpenAI(cfg llm.Config) *OpenAI {
	return &OpenAI{client: llm.New(cfg)}
}

// SystemPrompt renders policy rules as the system message.
func SystemPrompt(constraints []string) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant. Follow these rules strictly:\n")
	for _, c := range constraints {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *OpenAI) Complete(ctx context.Context, prompt string, constraints []string) (string, error) {
	text, err := o.client.Complete(ctx, SystemPrompt(constraints), prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
	}
	return text, nil
}
