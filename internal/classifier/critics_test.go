package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/novagate/internal/model"
)

// scriptedChat answers each Complete call with the next canned reply.
type scriptedChat struct {
	replies []string
	err     error
	systems []string
}

func (s *scriptedChat) Complete(ctx context.Context, system, user string) (string, error) {
	s.systems = append(s.systems, system)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

type staticSearch struct{ results []SearchResult }

func (s staticSearch) Search(ctx context.Context, q string) ([]SearchResult, error) {
	return s.results, nil
}

func newCritics(t *testing.T, chat Completer, search Searcher) *Critics {
	t.Helper()
	c, err := NewCritics(chat, search)
	if err != nil {
		t.Fatalf("NewCritics: %v", err)
	}
	return c
}

func TestCriticInboundParsesFencedJSON(t *testing.T) {
	chat := &scriptedChat{replies: []string{"```json\n{\"verdict\":\"MALICIOUS\",\"attack_type\":\"pii_request\",\"reasoning\":\"asks for card\",\"confidence_score\":0.97}\n```"}}
	c := newCritics(t, chat, nil)

	got, err := c.ClassifyInbound(context.Background(), "What's my credit card number?", piiRules)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Verdict != model.Malicious || got.AttackType != model.AttackPIIRequest || got.Confidence != 0.97 {
		t.Fatalf("unexpected check: %+v", got)
	}
	if !strings.Contains(chat.systems[0], "Block credit card information") {
		t.Fatal("policy rules missing from system prompt")
	}
}

func TestCriticRejectsSchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown verdict":  `{"verdict":"MAYBE","reasoning":"x","confidence_score":0.5}`,
		"confidence range": `{"verdict":"SAFE","reasoning":"x","confidence_score":1.5}`,
		"missing field":    `{"verdict":"SAFE"}`,
		"not json":         `I think it's fine`,
		"malicious none":   `{"verdict":"MALICIOUS","attack_type":"none","reasoning":"x","confidence_score":0.9}`,
		"unknown attack":   `{"verdict":"MALICIOUS","attack_type":"sql_injection","reasoning":"x","confidence_score":0.9}`,
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			c := newCritics(t, &scriptedChat{replies: []string{reply}}, nil)
			_, err := c.ClassifyInbound(context.Background(), "p", nil)
			if !errors.Is(err, model.ErrClassifierError) {
				t.Fatalf("expected ErrClassifierError, got %v", err)
			}
		})
	}
}

func TestCriticTimeoutMapping(t *testing.T) {
	c := newCritics(t, &scriptedChat{err: context.DeadlineExceeded}, nil)
	_, err := c.ClassifyOutbound(context.Background(), "text", nil)
	if !errors.Is(err, model.ErrClassifierTimeout) {
		t.Fatalf("expected ErrClassifierTimeout, got %v", err)
	}
}

func TestCriticOutboundAndHallucination(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		`{"verdict":"FAIL","reasoning":"gives dosage","confidence_score":0.8}`,
		`{"verdict":"POSSIBLE_HALLUCINATION","reasoning":"invented study","confidence_score":0.6}`,
	}}
	c := newCritics(t, chat, nil)

	out, err := c.ClassifyOutbound(context.Background(), "take 400mg", medicalRules)
	if err != nil || out.Verdict != model.Fail {
		t.Fatalf("outbound: %+v %v", out, err)
	}
	hal, err := c.ClassifyHallucination(context.Background(), "a 2031 study shows", nil)
	if err != nil || hal.Verdict != model.PossibleHallucination {
		t.Fatalf("hallucination: %+v %v", hal, err)
	}
}

func TestCriticRumorPipeline(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		`{"claim":"Vaccines are tested for safety"}`,
		`{"verdict":"SUPPORTED","reasoning":"agencies agree"}`,
	}}
	search := staticSearch{results: []SearchResult{
		{Title: "Vaccine safety", Link: "https://www.who.int/vaccines", Snippet: "tested"},
		{Title: "Safety", Link: "https://www.cdc.gov/vaccinesafety", Snippet: "monitored"},
		{Title: "More WHO", Link: "https://www.who.int/other", Snippet: "dup"},
	}}
	c := newCritics(t, chat, search)

	got, err := c.VerifyRumor(context.Background(), "Vaccines are tested for safety.", nil)
	if err != nil {
		t.Fatalf("rumor: %v", err)
	}
	if got == nil || got.Verdict != model.Supported || got.Claim != "Vaccines are tested for safety" {
		t.Fatalf("unexpected rumor: %+v", got)
	}
	if len(got.SourcesConsulted) != 2 || got.SourcesConsulted[0] != "who.int" || got.SourcesConsulted[1] != "cdc.gov" {
		t.Fatalf("sources = %v", got.SourcesConsulted)
	}
}

func TestCriticRumorNoClaim(t *testing.T) {
	c := newCritics(t, &scriptedChat{replies: []string{`{"claim":null}`}}, staticSearch{})
	got, err := c.VerifyRumor(context.Background(), "Hello there!", nil)
	if err != nil || got != nil {
		t.Fatalf("expected nil rumor, got %+v %v", got, err)
	}
}

func TestCriticRumorNoSources(t *testing.T) {
	c := newCritics(t, &scriptedChat{replies: []string{`{"claim":"the moon is cheese"}`}}, staticSearch{})
	got, err := c.VerifyRumor(context.Background(), "The moon is cheese.", nil)
	if err != nil || got != nil {
		t.Fatalf("expected nil rumor, got %+v %v", got, err)
	}
}

func TestSerperSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["q"] != "vaccines" {
			t.Errorf("query = %q", body["q"])
		}
		organic := make([]SearchResult, 8)
		for i := range organic {
			organic[i] = SearchResult{Title: "t", Link: "https://example.org", Snippet: "s"}
		}
		json.NewEncoder(w).Encode(map[string]any{"organic": organic})
	}))
	defer srv.Close()

	s := NewSerper(srv.URL, "secret", time.Second)
	got, err := s.Search(context.Background(), "vaccines")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != MaxSearchResults {
		t.Fatalf("got %d results, want %d", len(got), MaxSearchResults)
	}

	bad := NewSerper(srv.URL, "wrong", time.Second)
	if _, err := bad.Search(context.Background(), "vaccines"); err == nil {
		t.Fatal("expected error on 403")
	}

	none := NewSerper(srv.URL, "", time.Second)
	if got, err := none.Search(context.Background(), "vaccines"); err != nil || got != nil {
		t.Fatalf("no key: %v %v", got, err)
	}
}
