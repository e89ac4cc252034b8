package main

import (
	"cmp"
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/archive"
	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/cost"
	"github.com/sells-group/price-scraper/internal/executor"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/monitoring"
	"github.com/sells-group/price-scraper/internal/orchestrator"
	"github.com/sells-group/price-scraper/internal/queue"
	"github.com/sells-group/price-scraper/internal/resilience"
	"github.com/sells-group/price-scraper/internal/scheduling"
	"github.com/sells-group/price-scraper/internal/store"
	"github.com/sells-group/price-scraper/internal/waterfall"
	anthropicpkg "github.com/sells-group/price-scraper/pkg/anthropic"
	"github.com/sells-group/price-scraper/pkg/firecrawl"
)

// scraperEnv holds everything the serve/batch/scrape commands need.
type scraperEnv struct {
	Store        store.Store
	Ledger       *budget.Ledger
	Scheduler    *scheduling.Service
	Orchestrator *orchestrator.Orchestrator
	Alerter      *monitoring.Alerter
	Breakers     *resilience.Breakers

	renderer executor.Renderer
	archive  *archive.Mongo
}

// Close releases resources held by the environment.
func (e *scraperEnv) Close() {
	if e.renderer != nil {
		_ = e.renderer.Close()
	}
	if e.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.archive.Close(ctx)
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prices.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func costRates() cost.Rates {
	rates := cost.DefaultRates()
	for name, usd := range cfg.Methods.Costs {
		if m, err := model.ParseMethod(name); err == nil {
			rates.Methods[m] = usd
		}
	}
	for name, p := range cfg.Pricing.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{Input: p.Input, Output: p.Output}
	}
	if cfg.Pricing.Firecrawl.PerCredit > 0 {
		rates.Firecrawl.PerCredit = cfg.Pricing.Firecrawl.PerCredit
	}
	return rates
}

// initLedger builds the spend ledger and hydrates it from st.
func initLedger(ctx context.Context, st store.Store, calc *cost.Calculator) (*budget.Ledger, error) {
	loc, err := time.LoadLocation(cfg.Budget.Timezone)
	if err != nil {
		return nil, eris.Wrap(err, "budget timezone")
	}
	th := cfg.Budget.Thresholds
	ledger := budget.New(
		budget.Limits{Daily: cfg.Budget.DailyLimit, Weekly: cfg.Budget.WeeklyLimit, Monthly: cfg.Budget.MonthlyLimit},
		calc,
		budget.WithRepository(st),
		budget.WithLocation(loc),
		budget.WithThresholds(budget.Thresholds{Warning: th.Warning, Critical: th.Critical, Shutdown: th.Shutdown}),
	)
	if err := ledger.Load(ctx); err != nil {
		return nil, eris.Wrap(err, "load budget")
	}
	return ledger, nil
}

// initExecutors registers every method whose backend is configured. The
// manual method is always available.
func initExecutors(calc *cost.Calculator, notifier executor.Notifier, breakers *resilience.Breakers) (*executor.Registry, executor.Renderer) {
	extract := executor.NewExtractor(executor.DefaultMinConfidence)
	reg := executor.NewRegistry(executor.NewManual(notifier))

	var renderer executor.Renderer
	if cfg.Browser.Enabled {
		renderer = executor.NewRodRenderer(executor.RodOptions{
			BinPath:  cfg.Browser.BinPath,
			Stealth:  cfg.Browser.Stealth,
			MaxPages: cfg.Browser.MaxPages,
		})
	}
	fetcher := executor.NewFetcher(executor.FetchOptions{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   time.Duration(cfg.Browser.FetchTimeout) * time.Second,
	})
	reg.Register(executor.NewBrowser(fetcher, renderer, extract))

	if cfg.Firecrawl.Key != "" {
		client := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
		reg.Register(executor.NewFirecrawl(client, calc, extract, cfg.Firecrawl.RequestsPerS))
	} else {
		zap.L().Warn("SCRAPER_FIRECRAWL_KEY not set, firecrawl method disabled")
	}

	if cfg.Anthropic.Key != "" && renderer != nil {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		reg.Register(executor.NewVision(renderer, client, calc, cfg.Anthropic.VisionModel, cfg.Anthropic.MaxTokens, executor.DefaultMinConfidence))
	} else {
		zap.L().Warn("vision method disabled (needs SCRAPER_ANTHROPIC_KEY and browser.enabled)")
	}

	reg.Guard(breakers)
	return reg, renderer
}

// initEnv wires the store, ledger, executors and orchestrator. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*scraperEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &scraperEnv{Store: st}

	calc := cost.NewCalculator(costRates())
	env.Ledger, err = initLedger(ctx, st, calc)
	if err != nil {
		env.Close()
		return nil, err
	}

	overrides, err := waterfall.LoadOverrides(cfg.OverridesPath)
	if err != nil {
		env.Close()
		return nil, err
	}
	policy := waterfall.PolicyFromConfig(cfg.Escalation)

	schedOpts := []scheduling.Option{
		scheduling.WithFailureThreshold(policy.CircuitBreakerThreshold),
		scheduling.WithMaxAttempts(cmp.Or(cfg.Orchestrator.DefaultMaxAttempts, policy.AttemptBudget())),
	}
	if cfg.Archive.MongoURI != "" {
		arc, err := archive.Open(ctx, cfg.Archive)
		if err != nil {
			// The archive is optional history; scraping continues without it.
			zap.L().Warn("result archive unavailable", zap.Error(err))
		} else {
			env.archive = arc
			schedOpts = append(schedOpts, scheduling.WithArchive(arc))
		}
	}
	env.Scheduler = scheduling.New(st, schedOpts...)

	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)
	var executors *executor.Registry
	env.Breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	executors, env.renderer = initExecutors(calc, env.Alerter, env.Breakers)

	selector := waterfall.NewSelector(overrides)
	env.Orchestrator = orchestrator.New(orchestrator.Deps{
		Scheduler:  env.Scheduler,
		Ledger:     env.Ledger,
		Executors:  executors,
		Selector:   selector,
		Escalation: waterfall.NewEscalation(policy, selector),
	},
		orchestrator.WithQueue(queue.New(queue.WithMaxSize(cfg.Queue.MaxSize), queue.WithTTL(cfg.Queue.TTL()))),
		orchestrator.WithConcurrency(cfg.Orchestrator.Concurrency),
		orchestrator.WithMaxVendors(cfg.Orchestrator.MaxVendorsPerRun),
		orchestrator.WithBatchTimeout(cfg.Orchestrator.BatchTimeout()),
	)

	zap.L().Info("scraper initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Any("methods", executors.Methods()),
		zap.Any("budget", env.Ledger.Remaining()),
	)
	return env, nil
}
