package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/novagate/internal/llm"
)

// MaxSearchResults caps the snippets handed to the rumor synthesizer.
const MaxSearchResults = 5

// SearchResult is one organic web result.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher looks up evidence for a claim.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// DefaultSerperURL is the Serper.dev Google search endpoint.
const DefaultSerperURL = "https://google.serper.dev/search"

// Serper is a Searcher backed by the Serper.dev API.
type Serper struct {
	apiURL string
	apiKey string
	http   *http.Client
}

// NewSerper returns a Serper client. Empty apiURL uses DefaultSerperURL.
func NewSerper(apiURL, apiKey string, timeout time.Duration) *Serper {
	if apiURL == "" {
		apiURL = DefaultSerperURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Serper{apiURL: apiURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

func (s *Serper) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if s.apiKey == "" {
		return nil, nil
	}
	body, err := json.Marshal(map[string]string{"q": query})
	if err != nil {
		return nil, fmt.Errorf("marshal search: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search HTTP %d: %s", resp.StatusCode, llm.Truncate(strings.TrimSpace(string(respBody)), 200))
	}

	var result struct {
		Organic []SearchResult `json:"organic"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(result.Organic) > MaxSearchResults {
		result.Organic = result.Organic[:MaxSearchResults]
	}
	return result.Organic, nil
}
