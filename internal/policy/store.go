// Package policy holds the named rule sets the pipeline adjudicates against.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/novagate/internal/model"
)

// Store is the policy read/write contract. Put uses UpdatedAt as an
// optimistic version token: a zero token creates, any other token must match
// the stored one.
type Store interface {
	Get(ctx context.Context, id string) (model.Policy, error)
	List(ctx context.Context) ([]model.Policy, error)
	Put(ctx context.Context, p model.Policy, expectedUpdatedAt time.Time) (model.Policy, error)
}

// Clock returns the current time. Stores take one so tests can pin
// version tokens.
type Clock func() time.Time

// nextVersion returns a token strictly after prev.
func nextVersion(now Clock, prev time.Time) time.Time {
	t := now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}

// MemoryStore keeps policies in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]model.Policy
	now      Clock
}

// NewMemoryStore returns an empty store. A nil clock uses time.Now.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{policies: map[string]model.Policy{}, now: now}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return model.Policy{}, fmt.Errorf("%w: %s", model.ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, p model.Policy, expectedUpdatedAt time.Time) (model.Policy, error) {
	if err := p.Validate(); err != nil {
		return model.Policy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.policies[p.ID]
	if err := checkVersion(p.ID, cur, exists, expectedUpdatedAt); err != nil {
		return model.Policy{}, err
	}
	p = p.Clone()
	p.UpdatedAt = nextVersion(s.now, cur.UpdatedAt)
	if exists {
		p.CreatedAt = cur.CreatedAt
	} else {
		p.CreatedAt = p.UpdatedAt
	}
	s.policies[p.ID] = p
	return p.Clone(), nil
}

func checkVersion(id string, cur model.Policy, exists bool, expected time.Time) error {
	switch {
	case expected.IsZero() && exists:
		return fmt.Errorf("%w: %s already exists", model.ErrVersionConflict, id)
	case !expected.IsZero() && !exists:
		return fmt.Errorf("%w: %s", model.ErrPolicyNotFound, id)
	case !expected.IsZero() && !cur.UpdatedAt.Equal(expected):
		return fmt.Errorf("%w: %s is at %s, not %s", model.ErrVersionConflict, id,
			model.FormatTime(cur.UpdatedAt), model.FormatTime(expected))
	}
	return nil
}

// Active resolves id to an enabled policy snapshot.
func Active(ctx context.Context, s Store, id string) (model.Policy, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return model.Policy{}, err
	}
	if !p.Enabled {
		return model.Policy{}, fmt.Errorf("%w: %s", model.ErrPolicyDisabled, id)
	}
	return p, nil
}
