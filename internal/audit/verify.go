package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/novagate/internal/model"
)

// verifyBatch bounds how many records are held in memory while walking the chain.
const verifyBatch = 500

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	BrokenAtID *int64 `json:"broken_at_id,omitempty"`
	Checked    int    `json:"checked"`
	Reason     string `json:"reason,omitempty"`
	FromID     int64  `json:"from_id"`
	ToID       int64  `json:"to_id"`
}

func broken(res VerifyResult, id int64, reason string) VerifyResult {
	res.Valid = false
	res.BrokenAtID = &id
	res.Reason = reason
	return res
}

// VerifyIntegrity recomputes the hashes of records fromID..toID and checks
// each prev_hash link. toID <= 0 means the current tail. It reports the first
// broken record and never repairs anything.
func (l *Log) VerifyIntegrity(ctx context.Context, fromID, toID int64) (VerifyResult, error) {
	if fromID < 1 {
		fromID = 1
	}
	tailID, _ := l.Tail()
	if toID <= 0 || toID > tailID {
		toID = tailID
	}
	res := VerifyResult{Valid: true, FromID: fromID, ToID: toID}
	if fromID > toID {
		return res, nil
	}

	prevHash := GenesisHash
	if fromID > 1 {
		anchor, err := l.store.Get(ctx, fromID-1)
		if errors.Is(err, model.ErrRecordNotFound) {
			return broken(res, fromID-1, "anchor record missing"), nil
		}
		if err != nil {
			return VerifyResult{}, fmt.Errorf("%w: read anchor: %v", model.ErrPersistence, err)
		}
		prevHash = anchor.RecordHash
	}

	expectID := fromID
	for start := fromID; start <= toID; start += verifyBatch {
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, err
		}
		end := min(start+verifyBatch-1, toID)
		recs, err := l.store.Range(ctx, start, end)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("%w: read records %d-%d: %v", model.ErrPersistence, start, end, err)
		}
		for _, r := range recs {
			if r.ID != expectID {
				return broken(res, expectID, fmt.Sprintf("record %d missing (found %d)", expectID, r.ID)), nil
			}
			if reason := checkRecord(r, prevHash); reason != "" {
				return broken(res, r.ID, reason), nil
			}
			prevHash = r.RecordHash
			expectID++
			res.Checked++
		}
		if expectID <= end {
			return broken(res, expectID, fmt.Sprintf("record %d missing", expectID)), nil
		}
	}
	return res, nil
}

// checkRecord returns a non-empty reason when r does not match its own
// hashes or does not link to prevHash.
func checkRecord(r model.DecisionRecord, prevHash string) string {
	if r.PrevHash != prevHash {
		return fmt.Sprintf("prev_hash mismatch: expected %s, got %s", prevHash, r.PrevHash)
	}
	content, err := ContentHash(r.PromptText, r.ResponseText)
	if err != nil {
		return err.Error()
	}
	if content != r.ContentHash {
		return fmt.Sprintf("content_hash mismatch: expected %s, got %s", content, r.ContentHash)
	}
	hash, err := RecordHash(r)
	if err != nil {
		return err.Error()
	}
	if hash != r.RecordHash {
		return fmt.Sprintf("record_hash mismatch: expected %s, got %s", hash, r.RecordHash)
	}
	return ""
}
