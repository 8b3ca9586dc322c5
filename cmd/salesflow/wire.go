package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zen-systems/salesflow/pkg/adapter"
	"github.com/zen-systems/salesflow/pkg/api"
	"github.com/zen-systems/salesflow/pkg/archive"
	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/ledger"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/research"
	"github.com/zen-systems/salesflow/pkg/store/postgres"
	"github.com/zen-systems/salesflow/pkg/weekly"
)

type deliveryLog interface {
	notify.Log
	notify.Reader
}

// app holds the audit stores shared by every command. With a database URL
// the usage ledger, delivery log and run index live in Postgres; otherwise
// they are NDJSON files and evidence directories.
type app struct {
	cfg        *config.Config
	ledger     *ledger.Ledger
	deliveries deliveryLog
	runs       api.RunStore
	runSaver   daily.RunSaver
	recorder   *evidence.Recorder
	pool       *pgxpool.Pool
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	a := &app{cfg: cfg, recorder: &evidence.Recorder{BaseDir: cfg.Engine.EvidenceDir}}

	if cfg.Storage.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		runs := postgres.NewRunStore(pool)
		a.pool = pool
		a.ledger = ledger.New(postgres.NewUsageStore(pool), ledger.WithLogger(log.Printf))
		a.deliveries = postgres.NewDeliveryLog(pool)
		a.runs = runs
		a.runSaver = runs
		return a, nil
	}

	usage, err := ledger.NewFileStore(cfg.Storage.UsageLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage log: %w", err)
	}
	deliveries, err := notify.OpenFileLog(cfg.Storage.DeliveryLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open delivery log: %w", err)
	}
	a.ledger = ledger.New(usage, ledger.WithLogger(log.Printf))
	a.deliveries = deliveries
	a.runs = a.recorder
	return a, nil
}

// Close flushes the ledger and releases the database pool.
func (a *app) Close(ctx context.Context) {
	if err := a.ledger.Close(ctx); err != nil {
		log.Printf("ledger: %v", err)
	}
	if n := a.ledger.Dropped(); n > 0 {
		log.Printf("ledger: %d usage records were dropped", n)
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

type runOptions struct {
	mock   bool
	dryRun bool
}

// engine is what every pipeline shares: the invoker, the dispatcher, the
// recipient directory and the lead file.
type engine struct {
	cfg        *config.Config
	invoker    *invoke.Invoker
	dispatcher *notify.Dispatcher
	directory  *notify.MemoryDirectory
	source     *daily.FileSource
	results    *daily.FileSink
	archive    *archive.Archive
	loc        *time.Location
}

// newEngine wires adapters, invoker, transports, dispatcher, lead files and
// the archive. required lists the task types the model table must map.
func (a *app) newEngine(ctx context.Context, opts runOptions, required ...string) (*engine, error) {
	cfg := a.cfg
	var adapters map[string]adapter.Adapter
	var err error
	if opts.mock {
		adapters = mockAdapters(cfg.ModelTable)
	} else if adapters, err = createAdapters(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}
	inv, err := invoke.New(cfg.ModelTable, adapters, a.ledger, required, invoke.WithLogger(log.Printf))
	if err != nil {
		return nil, err
	}

	dir, err := daily.LoadDirectory(cfg.Engine.RecipientsFile)
	if err != nil {
		return nil, err
	}
	transports := createTransports(cfg)
	if opts.dryRun {
		transports = printTransports()
	}
	dispatcher, err := notify.NewDispatcher(cfg.Dispatch, transports, a.deliveries,
		notify.WithLogger(log.Printf), notify.WithDirectory(dir))
	if err != nil {
		return nil, err
	}

	store, err := archive.Open(ctx, cfg.Storage.Archive)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, err
	}
	sink := &daily.FileSink{Dir: cfg.Engine.ResultsDir}
	return &engine{
		cfg:        cfg,
		invoker:    inv,
		dispatcher: dispatcher,
		directory:  dir,
		source:     &daily.FileSource{Path: cfg.Engine.LeadsFile, ScoresPath: sink.ScoresPath()},
		results:    sink,
		archive:    archive.New(store),
		loc:        loc,
	}, nil
}

func (a *app) dailyRunner(e *engine) (*daily.Runner, error) {
	d, err := daily.New(e.cfg.Engine, daily.Deps{
		Source:     e.source,
		Sink:       e.results,
		Invoker:    e.invoker,
		Dispatcher: e.dispatcher,
		Directory:  e.directory,
		Logger:     log.Printf,
	})
	if err != nil {
		return nil, err
	}
	return &daily.Runner{
		Daily:             d,
		Evidence:          a.recorder,
		Runs:              a.runSaver,
		Archive:           e.archive,
		MaxBudgetUSD:      e.cfg.Engine.MaxBudgetUSD,
		FailureRecipients: e.cfg.Engine.FailureRecipients,
		Location:          e.loc,
	}, nil
}

// researchRunner saves research next to the daily results, one file per lead.
func (a *app) researchRunner(e *engine) (*research.Runner, error) {
	r, err := research.New(e.cfg.Engine, research.Deps{
		Source:  &research.SnapshotSource{Leads: e.source},
		Sink:    &research.FileSink{Dir: filepath.Join(e.cfg.Engine.ResultsDir, "research")},
		Invoker: e.invoker,
		Logger:  log.Printf,
	})
	if err != nil {
		return nil, err
	}
	return &research.Runner{
		Research:     r,
		Evidence:     a.recorder,
		Runs:         a.runSaver,
		MaxBudgetUSD: e.cfg.Engine.MaxBudgetUSD,
		Deadline:     e.cfg.Engine.ResearchDeadline,
		Location:     e.loc,
	}, nil
}

// weeklyRunner keeps reports in the archive, keyed by week.
func (a *app) weeklyRunner(e *engine) (*weekly.Runner, error) {
	w, err := weekly.New(e.cfg.Engine, weekly.Deps{
		Source:     e.source,
		Store:      &weekly.ArchiveStore{Archive: e.archive},
		Invoker:    e.invoker,
		Dispatcher: e.dispatcher,
		Directory:  e.directory,
		Logger:     log.Printf,
	})
	if err != nil {
		return nil, err
	}
	return &weekly.Runner{
		Weekly:       w,
		Evidence:     a.recorder,
		Runs:         a.runSaver,
		MaxBudgetUSD: e.cfg.Engine.MaxBudgetUSD,
		Deadline:     e.cfg.Engine.Deadline,
		Location:     e.loc,
	}, nil
}

func createAdapters(ctx context.Context, cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	if cfg.OpenRouterAPIKey != "" {
		a, err := adapter.NewOpenRouterAdapter(cfg.OpenRouterAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openrouter adapter: %w", err)
		}
		adapters["openrouter"] = a
	}

	if cfg.MoonshotAPIKey != "" {
		a, err := adapter.NewMoonshotAdapter(cfg.MoonshotAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create moonshot adapter: %w", err)
		}
		adapters["moonshot"] = a
	}

	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}

// mockAdapters stands in an offline responder for every adapter the table names.
func mockAdapters(table *config.ModelTable) map[string]adapter.Adapter {
	adapters := map[string]adapter.Adapter{}
	for _, e := range table.Endpoints() {
		if _, ok := adapters[e.Adapter]; ok {
			continue
		}
		m := adapter.NewMockAdapter().Named(e.Adapter)
		m.Respond = adapter.ChainResponders(daily.MockResponder, research.MockResponder, weekly.MockResponder)
		adapters[e.Adapter] = m
	}
	return adapters
}

func createTransports(cfg *config.Config) []notify.Transport {
	ch := cfg.Channels
	transports := []notify.Transport{&notify.DiscordTransport{}}
	if ch.TelegramBotToken != "" {
		transports = append(transports, &notify.TelegramTransport{Token: ch.TelegramBotToken, BaseURL: ch.TelegramAPIBase})
	}
	if ch.WhatsAppToken != "" {
		transports = append(transports, &notify.WhatsAppTransport{Token: ch.WhatsAppToken, PhoneNumberID: ch.WhatsAppPhoneID, BaseURL: ch.WhatsAppAPIBase})
	}
	if ch.ResendAPIKey != "" {
		transports = append(transports, &notify.EmailTransport{APIKey: ch.ResendAPIKey, From: ch.EmailFrom, BaseURL: ch.ResendAPIBase})
	}
	return transports
}

// printTransports write every message to stdout instead of sending it.
func printTransports() []notify.Transport {
	var out []notify.Transport
	for _, channel := range []string{notify.ChannelTelegram, notify.ChannelDiscord, notify.ChannelWhatsApp, notify.ChannelEmail} {
		out = append(out, notify.FuncTransport{Name: channel, Fn: func(_ context.Context, address string, msg notify.Message) error {
			_, err := fmt.Fprintf(os.Stdout, "--- %s -> %s [%s]\n%s\n\n", channel, address, msg.Severity, notify.FormatText(msg))
			return err
		}})
	}
	return out
}
