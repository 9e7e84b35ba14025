package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/novagate/internal/model"
)

type cannedReply struct {
	keywords []string
	text     string
}

// cannedReplies are the offline demo answers, checked in order.
var cannedReplies = []cannedReply{
	{
		keywords: []string{"vaccine", "covid", "health"},
		text:     "Vaccines are medical products designed to help prevent infectious diseases by training your immune system to recognize and fight specific pathogens. They have been extensively tested for safety and efficacy.",
	},
	{
		keywords: []string{"climate change"},
		text:     "Climate change refers to long-term shifts in temperatures and weather patterns, driven mainly by human activities such as burning fossil fuels.",
	},
	{
		keywords: []string{"news", "recent", "current events"},
		text:     "I can provide information about recent developments. However, I recommend verifying current news from multiple reliable sources.",
	},
}

const cannedDefault = "I'd be happy to help you with that question."

// Canned is a deterministic offline provider keyed by prompt topic.
type Canned struct {
	// Fallback overrides the reply for prompts that match no topic.
	Fallback string
}

func (c Canned) Complete(ctx context.Context, prompt string, constraints []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
	}
	lower := strings.ToLower(prompt)
	for _, r := range cannedReplies {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.text, nil
			}
		}
	}
	if c.Fallback != "" {
		return c.Fallback, nil
	}
	return cannedDefault, nil
}
