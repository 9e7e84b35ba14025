package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/novagate/internal/model"
)

// File is the on-disk policy document.
type File struct {
	Policies []model.Policy `yaml:"policies"`
}

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies() []model.Policy {
	return []model.Policy{
		{
			ID:          "policy_001",
			Name:        "Medical Advice Prevention",
			Description: "Prevents AI from providing medical diagnoses or treatment recommendations",
			Rules: []string{
				"Block requests for medical diagnoses",
				"Block treatment recommendations",
				"Block medication advice",
				"Allow general health information",
			},
			Enabled: true,
		},
		{
			ID:          "policy_002",
			Name:        "Personal Information Protection",
			Description: "Protects against PII leaks and unauthorized data access",
			Rules: []string{
				"Block requests for passwords",
				"Block credit card information",
				"Block SSN requests",
				"Block personal addresses",
			},
			Enabled: true,
		},
		{
			ID:          "policy_003",
			Name:        "Harmful Content Filter",
			Description: "Prevents generation of harmful or malicious content",
			Rules: []string{
				"Block hacking instructions",
				"Block violence promotion",
				"Block illegal activities",
				"Flag suspicious requests",
			},
			Enabled: false,
		},
	}
}

// LoadFile reads a policy file. Missing file returns the defaults.
// Invalid YAML or an invalid policy returns an error.
func LoadFile(path string) ([]model.Policy, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPolicies(), nil
		}
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document.
func Parse(data []byte) ([]model.Policy, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	seen := make(map[string]bool, len(f.Policies))
	for _, p := range f.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate policy id %q", model.ErrInvalidPolicy, p.ID)
		}
		seen[p.ID] = true
	}
	return f.Policies, nil
}

// Sync upserts policies into s. Unchanged policies keep their version token.
// It returns how many policies were written.
func Sync(ctx context.Context, s Store, policies []model.Policy) (int, error) {
	written := 0
	for _, p := range policies {
		cur, err := s.Get(ctx, p.ID)
		switch {
		case errors.Is(err, model.ErrPolicyNotFound):
			if _, err := s.Put(ctx, p, cur.UpdatedAt); err != nil {
				return written, fmt.Errorf("policy: create %s: %w", p.ID, err)
			}
			written++
		case err != nil:
			return written, err
		case sameContent(cur, p):
		default:
			if _, err := s.Put(ctx, p, cur.UpdatedAt); err != nil {
				return written, fmt.Errorf("policy: update %s: %w", p.ID, err)
			}
			written++
		}
	}
	return written, nil
}

func sameContent(a, b model.Policy) bool {
	return a.Name == b.Name && a.Description == b.Description &&
		a.Enabled == b.Enabled && slices.Equal(a.Rules, b.Rules)
}

// DefaultPoliciesYAML returns a commented policy file for init-policy.
func DefaultPoliciesYAML() string {
	return `# nova policy file
# Generated by: nova init-policy
#
# Each policy is a named, ordered list of natural-language rules.
# Rules starting with block, prevent, deny, never, do not or flag
# switch on the matching category in the heuristic classifier.
# A disabled policy is never selected by the pipeline.
# An enabled policy must have at least one rule.

policies:
  - id: policy_001
    name: Medical Advice Prevention
    description: Prevents AI from providing medical diagnoses or treatment recommendations
    enabled: true
    rules:
      - Block requests for medical diagnoses
      - Block treatment recommendations
      - Block medication advice
      - Allow general health information

  - id: policy_002
    name: Personal Information Protection
    description: Protects against PII leaks and unauthorized data access
    enabled: true
    rules:
      - Block requests for passwords
      - Block credit card information
      - Block SSN requests
      - Block personal addresses

  - id: policy_003
    name: Harmful Content Filter
    description: Prevents generation of harmful or malicious content
    enabled: false
    rules:
      - Block hacking instructions
      - Block violence promotion
      - Block illegal activities
      - Flag suspicious requests
`
}
