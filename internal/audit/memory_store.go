package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ppiankov/novagate/internal/model"
)

// MemoryStore keeps records in id order with an id index.
type MemoryStore struct {
	mu      sync.RWMutex
	records []model.DecisionRecord
	index   map[int64]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: map[int64]int{}}
}

func (s *MemoryStore) Insert(ctx context.Context, rec model.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.records); n > 0 && rec.ID <= s.records[n-1].ID {
		return fmt.Errorf("audit: insert id %d, tail is %d", rec.ID, s.records[n-1].ID)
	}
	return s.load(rec)
}

// load appends without ordering checks. Replay uses it so a damaged log
// still opens and verification can point at the damage. A repeated id is
// refused since one of the two copies would be silently lost.
func (s *MemoryStore) load(rec model.DecisionRecord) error {
	if _, dup := s.index[rec.ID]; dup {
		return fmt.Errorf("audit: duplicate record id %d", rec.ID)
	}
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

func (s *MemoryStore) Last(ctx context.Context) (model.DecisionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return model.DecisionRecord{}, false, nil
	}
	return cloneRecord(s.records[len(s.records)-1]), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (model.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return model.DecisionRecord{}, fmt.Errorf("%w: %d", model.ErrRecordNotFound, id)
	}
	return cloneRecord(s.records[i]), nil
}

func (s *MemoryStore) Range(ctx context.Context, fromID, toID int64) ([]model.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.records), func(i int) bool { return s.records[i].ID >= fromID })
	var out []model.DecisionRecord
	for _, r := range s.records[start:] {
		if r.ID > toID {
			break
		}
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func (s *MemoryStore) SetFrozen(ctx context.Context, id int64) (model.DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return model.DecisionRecord{}, fmt.Errorf("%w: %d", model.ErrRecordNotFound, id)
	}
	s.records[i].Frozen = true
	return cloneRecord(s.records[i]), nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter, p Page) ([]model.DecisionRecord, int, error) {
	p = p.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.DecisionRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if f.Match(s.records[i]) {
			matched = append(matched, s.records[i])
		}
	}
	total := len(matched)
	if p.Offset >= total {
		return []model.DecisionRecord{}, total, nil
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	out := make([]model.DecisionRecord, 0, end-p.Offset)
	for _, r := range matched[p.Offset:end] {
		out = append(out, cloneRecord(r))
	}
	return out, total, nil
}

func (s *MemoryStore) Summary(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc := newSummaryAccumulator()
	for _, r := range s.records {
		frozen := 0
		if r.Frozen {
			frozen = 1
		}
		acc.addAction(r.FinalAction, 1, r.ResponseTimeMs, frozen)
		if r.FinalAction == model.Block {
			acc.addAttack(r.Inbound.AttackType, 1)
		}
	}
	return acc.result(), nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Tamper overwrites a stored record in place, bypassing the chain.
// It exists so integrity checks can be exercised against real corruption.
func (s *MemoryStore) Tamper(id int64, mutate func(*model.DecisionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrRecordNotFound, id)
	}
	mutate(&s.records[i])
	return nil
}

// Delete removes a record, leaving a gap in the chain. Like Tamper it
// only exists to simulate damage.
func (s *MemoryStore) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	s.index = make(map[int64]int, len(s.records))
	for j, r := range s.records {
		s.index[r.ID] = j
	}
}

// cloneRecord copies the pointer-typed checks so callers cannot alias
// stored state.
func cloneRecord(r model.DecisionRecord) model.DecisionRecord {
	if r.Outbound != nil {
		o := *r.Outbound
		r.Outbound = &o
	}
	if r.Hallucination != nil {
		h := *r.Hallucination
		r.Hallucination = &h
	}
	if r.Rumor != nil {
		rc := *r.Rumor
		if src := r.Rumor.SourcesConsulted; src != nil {
			// An empty list and a missing one hash differently.
			rc.SourcesConsulted = make([]string, len(src))
			copy(rc.SourcesConsulted, src)
		}
		r.Rumor = &rc
	}
	return r
}
