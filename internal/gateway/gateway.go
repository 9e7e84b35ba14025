// Package gateway assembles a running gateway from configuration: storage,
// policies, classifiers, provider and the decision pipeline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/novagate/internal/alert"
	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/classifier"
	"github.com/ppiankov/novagate/internal/config"
	"github.com/ppiankov/novagate/internal/database"
	"github.com/ppiankov/novagate/internal/llm"
	"github.com/ppiankov/novagate/internal/model"
	"github.com/ppiankov/novagate/internal/pipeline"
	"github.com/ppiankov/novagate/internal/policy"
	"github.com/ppiankov/novagate/internal/provider"
)

// Gateway owns every long-lived dependency of the service.
type Gateway struct {
	Config   *config.Config
	Policies policy.Store
	Log      *audit.Log
	Pipeline *pipeline.Pipeline

	logger *slog.Logger
	db     *database.DB
	redis  *redis.Client
	alerts *alert.Dispatcher
}

// New opens storage, seeds policies from the policy file and wires the
// pipeline. Extra options are passed to pipeline.New.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...pipeline.Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{Config: cfg, logger: logger}

	if err := g.openStores(ctx); err != nil {
		g.Close()
		return nil, err
	}

	policies, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		g.Close()
		return nil, err
	}
	written, err := policy.Sync(ctx, g.Policies, policies)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("gateway: sync policies: %w", err)
	}
	logger.Info("policies loaded", "count", len(policies), "written", written, "file", cfg.PolicyFile)

	suite, err := g.buildSuite()
	if err != nil {
		g.Close()
		return nil, err
	}

	opts = append([]pipeline.Option{
		pipeline.WithTimeouts(cfg.Timeouts()),
		pipeline.WithLogger(logger),
	}, opts...)
	p, err := pipeline.New(g.Policies, suite, buildProvider(cfg), g.Log, opts...)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.Pipeline = p
	g.alerts = alert.NewDispatcher(cfg.Alerts, logger)
	return g, nil
}

func (g *Gateway) openStores(ctx context.Context) error {
	var store audit.Store
	switch g.Config.Database.Driver {
	case config.DriverMemory:
		store = audit.NewMemoryStore()
		g.Policies = policy.NewMemoryStore(nil)
	case config.DriverFile:
		fs, err := audit.OpenFileStore(g.Config.Database.AuditFile)
		if err != nil {
			return err
		}
		store = fs
		g.Policies = policy.NewMemoryStore(nil)
	default:
		db, err := database.Open(g.Config.Database.Driver, g.Config.Database.DSN)
		if err != nil {
			return err
		}
		g.db = db
		ps, err := policy.NewSQLStore(ctx, db, nil)
		if err != nil {
			return err
		}
		g.Policies = ps
		as, err := audit.NewSQLStore(ctx, db)
		if err != nil {
			return err
		}
		store = as
	}

	log, err := audit.New(ctx, store)
	if err != nil {
		store.Close()
		return err
	}
	g.Log = log
	id, hash := log.Tail()
	g.logger.Info("audit log opened", "driver", g.Config.Database.Driver, "tail_id", id, "tail_hash", hash)
	return nil
}

func (g *Gateway) buildSuite() (classifier.Suite, error) {
	cfg := g.Config.Classifier
	heuristic := classifier.NewHeuristic().Suite()
	suite := heuristic

	if cfg.Mode == config.ClassifierLLM {
		var search classifier.Searcher
		if cfg.Search.APIKey != "" {
			search = classifier.NewSerper(cfg.Search.APIURL, cfg.Search.APIKey, cfg.Search.Timeout)
		}
		critics, err := classifier.NewCritics(llm.New(cfg.LLM), search)
		if err != nil {
			return classifier.Suite{}, err
		}
		suite = critics.Suite()
		if search == nil {
			// Without a search backend the keyword verifier still names sources.
			suite.Rumor = heuristic.Rumor
		}
	}

	if cfg.Redis.Addr != "" {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		suite.Inbound = classifier.NewCachedInbound(suite.Inbound, g.redis, cfg.Redis.TTL, g.logger)
	}
	return suite, nil
}

func buildProvider(cfg *config.Config) provider.Provider {
	if cfg.Provider.Mode == config.ProviderOpenAI {
		return provider.NewOpenAI(cfg.Provider.LLM)
	}
	return provider.Canned{Fallback: cfg.Provider.Fallback}
}

// WatchPolicies hot-reloads the policy file until ctx is cancelled. It is a
// no-op when no policy file is configured.
func (g *Gateway) WatchPolicies(ctx context.Context) error {
	if g.Config.PolicyFile == "" {
		return nil
	}
	r, err := policy.NewReloader(g.Policies, g.Config.PolicyFile, g.logger)
	if err != nil {
		return err
	}
	go r.Run(ctx)
	return nil
}

// Evaluate runs one exchange through the pipeline and fires any matching
// webhook alerts for the committed record.
func (g *Gateway) Evaluate(ctx context.Context, prompt, policyID string) (model.DecisionRecord, error) {
	rec, err := g.Pipeline.Evaluate(ctx, prompt, policyID)
	if err != nil {
		return rec, err
	}
	if g.alerts != nil {
		g.alerts.Dispatch(ctx, alert.FromRecord(rec))
	}
	return rec, nil
}

// Close releases storage and cache connections.
func (g *Gateway) Close() error {
	if g.alerts != nil {
		g.alerts.Wait()
	}
	var errs []error
	if g.Log != nil {
		errs = append(errs, g.Log.Close())
	}
	if g.db != nil {
		errs = append(errs, g.db.Close())
	}
	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}
	return errors.Join(errs...)
}
