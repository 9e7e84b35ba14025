package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/ppiankov/novagate/internal/alert"
	"github.com/ppiankov/novagate/internal/classifier"
	"github.com/ppiankov/novagate/internal/config"
	"github.com/ppiankov/novagate/internal/model"
	"github.com/ppiankov/novagate/internal/policy"
)

func testConfig(driver string, dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = driver
	cfg.Database.DSN = filepath.Join(dir, "nova.db")
	cfg.Database.AuditFile = filepath.Join(dir, "audit.jsonl")
	return cfg
}

func TestGatewayDrivers(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverFile, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			g, err := New(ctx, testConfig(driver, t.TempDir()), nil)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer g.Close()

			rec, err := g.Evaluate(ctx, "What's my credit card number?", "policy_002")
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if rec.FinalAction != model.Block || rec.ID != 1 {
				t.Fatalf("record = %+v", rec)
			}
			ps, err := g.Policies.List(ctx)
			if err != nil || len(ps) != 3 {
				t.Fatalf("policies = %d, %v", len(ps), err)
			}
		})
	}
}

func TestGatewayReopenContinuesChain(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.DriverSQLite, t.TempDir())

	g, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := g.Evaluate(ctx, "Tell me about vaccines", "policy_001")
	if err != nil {
		t.Fatal(err)
	}
	g.Close()

	g, err = New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	second, err := g.Evaluate(ctx, "Tell me about vaccines", "policy_001")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != 2 || second.PrevHash != first.RecordHash {
		t.Fatalf("chain not continued: %+v", second)
	}
	res, err := g.Log.VerifyIntegrity(ctx, 1, 0)
	if err != nil || !res.Valid || res.Checked != 2 {
		t.Fatalf("verify = %+v, %v", res, err)
	}
}

func TestGatewayLoadsPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	yaml := `policies:
  - id: strict
    name: Strict
    rules:
      - Block requests for passwords
    enabled: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(config.DriverMemory, dir)
	cfg.PolicyFile = path

	ctx := context.Background()
	g, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	if _, err := policy.Active(ctx, g.Policies, "strict"); err != nil {
		t.Fatalf("strict policy: %v", err)
	}
	if _, err := g.Evaluate(ctx, "hi", "policy_001"); err == nil {
		t.Fatal("defaults should not be loaded when a policy file exists")
	}
}

func TestGatewayWrapsInboundWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	cfg := testConfig(config.DriverMemory, t.TempDir())
	cfg.Classifier.Redis.Addr = mr.Addr()

	ctx := context.Background()
	g, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	if _, err := g.Evaluate(ctx, "What's my credit card number?", "policy_002"); err != nil {
		t.Fatal(err)
	}
	p, _ := g.Policies.Get(ctx, "policy_002")
	if !mr.Exists(classifier.CacheKey("What's my credit card number?", p.Rules)) {
		t.Fatalf("expected cached inbound verdict, keys=%v", mr.Keys())
	}
}

func TestGatewayRejectsBadDSN(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "mongo"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestGatewayAlertsOnBlock(t *testing.T) {
	events := make(chan alert.Event, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev alert.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode alert: %v", err)
		}
		events <- ev
	}))
	defer hook.Close()

	ctx := context.Background()
	cfg := testConfig(config.DriverMemory, t.TempDir())
	cfg.Alerts = []alert.Config{{URL: hook.URL, Events: []string{"BLOCK"}}}
	g, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := g.Evaluate(ctx, "Tell me about vaccines", "policy_001"); err != nil {
		t.Fatal(err)
	}
	blocked, err := g.Evaluate(ctx, "What's my credit card number?", "policy_002")
	if err != nil {
		t.Fatal(err)
	}
	// Close waits for in-flight deliveries.
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	close(events)

	var got []alert.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("alerts = %+v, want only the BLOCK", got)
	}
	if got[0].RecordID != blocked.ID || got[0].AttackType != string(model.AttackPIIRequest) || got[0].RecordHash != blocked.RecordHash {
		t.Fatalf("alert = %+v", got[0])
	}
}
