// Package audit implements the append-only, hash-chained decision log.
package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/ppiankov/novagate/internal/model"
)

// Log assigns chain positions to decisions and persists them through a
// Store. Appends are serialized so the chain never forks.
type Log struct {
	store Store

	mu       sync.Mutex
	lastID   int64
	lastHash string
}

// New recovers the chain tail from store.
func New(ctx context.Context, store Store) (*Log, error) {
	l := &Log{store: store, lastHash: GenesisHash}
	tail, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: recover tail: %v", model.ErrPersistence, err)
	}
	if ok {
		l.lastID = tail.ID
		l.lastHash = tail.RecordHash
	}
	return l, nil
}

// Append finalizes draft into the next record of the chain. On a store
// failure nothing is appended and the tail is unchanged.
func (l *Log) Append(ctx context.Context, draft model.DecisionRecordDraft) (model.DecisionRecord, error) {
	if !draft.FinalAction.Valid() {
		return model.DecisionRecord{}, fmt.Errorf("audit: invalid final action %q", draft.FinalAction)
	}

	contentHash, err := ContentHash(draft.PromptText, draft.ResponseText)
	if err != nil {
		return model.DecisionRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := model.DecisionRecord{
		ID:                  l.lastID + 1,
		DecisionRecordDraft: draft,
		ContentHash:         contentHash,
		PrevHash:            l.lastHash,
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.RecordHash, err = RecordHash(rec); err != nil {
		return model.DecisionRecord{}, err
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	l.lastID = rec.ID
	l.lastHash = rec.RecordHash
	return rec, nil
}

// Freeze marks a record frozen. Repeated calls are no-ops and the record
// hash never changes.
func (l *Log) Freeze(ctx context.Context, id int64) (model.DecisionRecord, error) {
	rec, err := l.store.Get(ctx, id)
	if err != nil {
		return model.DecisionRecord{}, err
	}
	if rec.Frozen {
		return rec, nil
	}
	return l.store.SetFrozen(ctx, id)
}

// Get returns one record by id.
func (l *Log) Get(ctx context.Context, id int64) (model.DecisionRecord, error) {
	return l.store.Get(ctx, id)
}

// Query returns a page of records matching f, newest first.
func (l *Log) Query(ctx context.Context, f Filter, p Page) ([]model.DecisionRecord, int, error) {
	return l.store.Query(ctx, f, p)
}

// Summary aggregates the whole log.
func (l *Log) Summary(ctx context.Context) (Summary, error) {
	return l.store.Summary(ctx)
}

// Tail returns the id and record hash of the last appended record.
func (l *Log) Tail() (int64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID, l.lastHash
}

// Close releases the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}
