package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/novagate/internal/model"
)

// fileLine is one JSONL entry. Records and freeze markers share the file so
// the frozen flag survives restarts without rewriting earlier lines.
type fileLine struct {
	Kind     string                `json:"kind"`
	Record   *model.DecisionRecord `json:"record,omitempty"`
	FreezeID int64                 `json:"freeze_id,omitempty"`
	At       string                `json:"at,omitempty"`
}

const (
	lineRecord = "record"
	lineFreeze = "freeze"
)

// FileStore is an append-only JSONL store. Every write is synced before it
// is acknowledged. Reads are served from an in-memory index rebuilt on open.
type FileStore struct {
	*MemoryStore
	path   string
	file   *os.File
	mu     sync.Mutex
	size   int64
	failed error // set when a rejected write could not be rolled back
	flush  func() error
}

// OpenFileStore opens (or creates) a JSONL decision log and replays it.
// A trailing line without its newline was never acknowledged and is cut.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	mem := NewMemoryStore()
	var size int64
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		if size, err = replay(path, mem); err != nil {
			return nil, err
		}
		if size < info.Size() {
			if err := os.Truncate(path, size); err != nil {
				return nil, fmt.Errorf("audit: cut torn tail: %w", err)
			}
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &FileStore{MemoryStore: mem, path: path, file: file, size: size, flush: file.Sync}, nil
}

// replay loads every complete line and returns the byte length they cover.
func replay(path string, mem *MemoryStore) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	ctx := context.Background()
	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	lineNo := 0
	for {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Whatever is left has no newline: a write cut short.
			return offset, nil
		}
		if err != nil {
			return 0, fmt.Errorf("audit: scan existing log: %w", err)
		}
		lineNo++
		offset += int64(len(raw))
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var l fileLine
		if err := json.Unmarshal(raw, &l); err != nil {
			return 0, fmt.Errorf("audit: %s line %d: %w", path, lineNo, err)
		}
		switch l.Kind {
		case lineRecord:
			if l.Record == nil {
				return 0, fmt.Errorf("audit: %s line %d: record line without record", path, lineNo)
			}
			if err := mem.load(*l.Record); err != nil {
				return 0, fmt.Errorf("%s line %d: %w", path, lineNo, err)
			}
		case lineFreeze:
			// A marker for a record that is gone is left for Verify to notice.
			_, _ = mem.SetFrozen(ctx, l.FreezeID)
		default:
			return 0, fmt.Errorf("audit: %s line %d: unknown kind %q", path, lineNo, l.Kind)
		}
	}
}

func (s *FileStore) Insert(ctx context.Context, rec model.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok, _ := s.MemoryStore.Last(ctx); ok && rec.ID <= last.ID {
		return fmt.Errorf("audit: insert id %d, tail is %d", rec.ID, last.ID)
	}
	if err := s.writeLine(fileLine{Kind: lineRecord, Record: &rec}); err != nil {
		return err
	}
	return s.MemoryStore.Insert(ctx, rec)
}

func (s *FileStore) SetFrozen(ctx context.Context, id int64) (model.DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.MemoryStore.Get(ctx, id)
	if err != nil {
		return model.DecisionRecord{}, err
	}
	if cur.Frozen {
		return cur, nil
	}
	if err := s.writeLine(fileLine{Kind: lineFreeze, FreezeID: id, At: model.FormatTime(time.Now())}); err != nil {
		return model.DecisionRecord{}, err
	}
	return s.MemoryStore.SetFrozen(ctx, id)
}

// writeLine appends one synced line. On failure the file is cut back to
// its previous length so a rejected entry never reappears on replay.
func (s *FileStore) writeLine(l fileLine) error {
	if s.failed != nil {
		return fmt.Errorf("audit: store unusable after failed rollback: %w", s.failed)
	}
	line, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return s.rollback(fmt.Errorf("audit: write entry: %w", err))
	}
	if err := s.flush(); err != nil {
		return s.rollback(fmt.Errorf("audit: sync: %w", err))
	}
	s.size += int64(len(line))
	return nil
}

func (s *FileStore) rollback(cause error) error {
	if err := s.file.Truncate(s.size); err != nil {
		s.failed = err
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Close flushes and closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
