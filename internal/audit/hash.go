package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/ppiankov/novagate/internal/model"
)

// GenesisHash is the prev_hash of the first record in a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// recordHashInput is every immutable field of a record. Frozen is
// deliberately absent so freezing never changes the chain.
type recordHashInput struct {
	ID             int64                     `json:"id"`
	PrevHash       string                    `json:"prev_hash"`
	ContentHash    string                    `json:"content_hash"`
	FinalAction    model.Action              `json:"final_action"`
	Timestamp      string                    `json:"timestamp"`
	PolicyID       string                    `json:"policy_id"`
	Inbound        model.InboundCheck        `json:"inbound"`
	Outbound       *model.OutboundCheck      `json:"outbound"`
	Hallucination  *model.HallucinationCheck `json:"hallucination"`
	Rumor          *model.RumorCheck         `json:"rumor"`
	ResponseTimeMs int64                     `json:"response_time_ms"`
}

// ContentHash returns H(prompt ∥ response) over the RFC 8785 canonical
// encoding of the pair, so field boundaries are unambiguous.
func ContentHash(prompt, response string) (string, error) {
	raw, err := json.Marshal([]string{prompt, response})
	if err != nil {
		return "", fmt.Errorf("audit: marshal content: %w", err)
	}
	return canonicalHash(raw)
}

// RecordHash recomputes the chain hash of r from its stored fields.
func RecordHash(r model.DecisionRecord) (string, error) {
	raw, err := json.Marshal(recordHashInput{
		ID:             r.ID,
		PrevHash:       r.PrevHash,
		ContentHash:    r.ContentHash,
		FinalAction:    r.FinalAction,
		Timestamp:      model.FormatTime(r.Timestamp),
		PolicyID:       r.PolicyID,
		Inbound:        r.Inbound,
		Outbound:       r.Outbound,
		Hallucination:  r.Hallucination,
		Rumor:          r.Rumor,
		ResponseTimeMs: r.ResponseTimeMs,
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal record: %w", err)
	}
	return canonicalHash(raw)
}

func canonicalHash(raw []byte) (string, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	return HashBytes(canon), nil
}

// HashBytes returns "sha256:<hex>" of b.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(h[:])
}
