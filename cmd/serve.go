package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/leadflow/internal/collab"
	"github.com/nextlevelbuilder/leadflow/internal/config"
	"github.com/nextlevelbuilder/leadflow/internal/decision"
	httpapi "github.com/nextlevelbuilder/leadflow/internal/http"
	"github.com/nextlevelbuilder/leadflow/internal/insight"
	"github.com/nextlevelbuilder/leadflow/internal/intake"
	"github.com/nextlevelbuilder/leadflow/internal/outbound"
	"github.com/nextlevelbuilder/leadflow/internal/store"
	"github.com/nextlevelbuilder/leadflow/internal/store/pg"
	"github.com/nextlevelbuilder/leadflow/internal/store/sqlite"
	"github.com/nextlevelbuilder/leadflow/internal/sweep"
	"github.com/nextlevelbuilder/leadflow/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging core (API, dispatcher, decision workers)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("storage open failed", "mode", cfg.Database.Mode, "error", err)
		os.Exit(1)
	}
	defer stores.Close()
	slog.Info("storage ready", "mode", cfg.Database.Mode)

	// External collaborators; missing endpoints get safe local fallbacks.
	client := collab.NewClient(cfg.Collab.Timeout(), cfg.Collab.Token)
	var leads intake.LeadResolver = collab.LocalLeadResolver{}
	if cfg.Collab.LeadResolverURL != "" {
		leads = collab.NewLeadResolver(client, cfg.Collab.LeadResolverURL)
	} else {
		slog.Warn("no lead resolver configured, using deterministic local lead ids")
	}
	var policy decision.Policy = collab.DenyPolicy{}
	var gen decision.Generator = collab.NoGenerator{}
	if cfg.Collab.PolicyURL != "" && cfg.Collab.GeneratorURL != "" {
		policy = collab.NewPolicy(client, cfg.Collab.PolicyURL)
		gen = collab.NewGenerator(client, cfg.Collab.GeneratorURL)
	} else {
		slog.Warn("policy/generator collaborators not configured, inbound messages will escalate to human takeover")
	}

	intakeSvc := intake.NewService(stores.Messages, stores.Sessions, leads)
	outboundSvc := outbound.NewService(stores.Threads, stores.Queue)
	aggregator := insight.NewAggregator(stores.Threads, stores.Messages, stores.Insights,
		cfg.Insight.Cron, time.Duration(cfg.Insight.WindowMinutes)*time.Minute)

	var wg sync.WaitGroup

	// Outbound dispatcher workers. Without a send capability the queue stays
	// durable and untouched until one is configured.
	var dispatcher *outbound.Dispatcher
	if cfg.Collab.SenderURL != "" {
		dispatcher = outbound.NewDispatcher(stores.Queue, stores.Threads,
			collab.NewSender(client, cfg.Collab.SenderURL), outbound.DispatcherOptions{
				PollInterval:  cfg.Dispatch.PollInterval(),
				BatchSize:     cfg.Dispatch.BatchSize,
				MaxRetries:    cfg.Dispatch.MaxRetries,
				BackoffBase:   cfg.Dispatch.BackoffBase(),
				SendTimeout:   cfg.Dispatch.SendTimeout(),
				RatePerMinute: cfg.Dispatch.RatePerMinute,
			})
		for i := 0; i < cfg.Dispatch.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dispatcher.Run(ctx)
			}()
		}
	} else {
		slog.Warn("no channel sender configured, outbound dispatch idle")
	}

	worker := decision.NewWorker(stores.Messages, stores.Threads, stores.Insights,
		outboundSvc, gen, policy, aggregator, decision.Options{
			PollInterval:    cfg.Decision.PollInterval(),
			MaxAttempts:     cfg.Decision.MaxAttempts,
			GenerateTimeout: cfg.Decision.GenerateTimeout(),
			HistoryLimit:    cfg.Decision.HistoryLimit,
		})
	for i := 0; i < cfg.Decision.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		aggregator.Run(ctx)
	}()

	sweeper := sweep.New(stores.Messages, stores.Queue, cfg.Sweep.Cron, cfg.Sweep.Lease())
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// Hot-reload of dispatcher retry tuning.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		if dispatcher != nil {
			dispatcher.UpdatePolicy(next.Dispatch.MaxRetries, next.Dispatch.BackoffBase())
		}
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	handler := httpapi.NewHandler(intakeSvc, outboundSvc, stores, cfg.Server.APIToken)
	server := httpapi.NewServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), handler)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	wg.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("trace flush incomplete", "error", err)
	}
	slog.Info("leadflow stopped")
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.Config{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
	}
	if sc.IsManaged() {
		return pg.NewStores(sc)
	}
	return sqlite.NewStores(sc)
}
