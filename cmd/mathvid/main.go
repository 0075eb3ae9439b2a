package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"mathvid/internal/auth"
	"mathvid/internal/classify"
	"mathvid/internal/config"
	"mathvid/internal/db"
	"mathvid/internal/enrich"
	"mathvid/internal/ingest"
	"mathvid/internal/logging"
	"mathvid/internal/model"
	"mathvid/internal/recommend"
	"mathvid/internal/scheduler"
	"mathvid/internal/score"
	"mathvid/internal/server"
	"mathvid/internal/store"
)

const usage = `usage: mathvid <serve|crawl|enrich> [-config path] [-dry-run]`

type app struct {
	cfg      config.Config
	conn     *sql.DB
	store    *store.Store
	rules    classify.Rules
	ingester *ingest.Service
	enricher *enrich.Service
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	dryRun := fs.Bool("dry-run", false, "enrich: compute but do not write")
	_ = fs.Parse(os.Args[2:])

	cfg, created, err := config.LoadOrInit(*configPath)
	if err != nil {
		fatal(err, "load config")
	}
	if created {
		fmt.Printf("Created default config at %s. Edit it (especially admin_secret and crawler.cookie), then rerun.\n", *configPath)
		os.Exit(0)
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		if err := cfg.ValidateServe(); err != nil {
			fatal(err, "invalid config")
		}
		a := build(cfg, *dryRun)
		defer a.conn.Close()
		serve(ctx, a)
	case "crawl":
		a := build(cfg, *dryRun)
		defer a.conn.Close()
		runCtx := logging.NewRunContext(ctx, "crawl")
		sum, err := a.ingester.Run(runCtx)
		a.recordSummary(runCtx, "crawl", sum)
		printSummary(sum)
		if err != nil {
			logging.Error().Err(err).Msg("crawl finished with error")
		}
	case "enrich":
		a := build(cfg, *dryRun)
		defer a.conn.Close()
		runCtx := logging.NewRunContext(ctx, "enrich")
		sum, err := a.enricher.Run(runCtx)
		if !sum.DryRun {
			a.recordSummary(runCtx, "enrich", sum)
		}
		printSummary(sum)
		if err != nil {
			fatal(err, "enrich setup failed")
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func build(cfg config.Config, dryRun bool) *app {
	conn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		fatal(err, "open database")
	}
	st := store.New(conn)

	rules, err := classify.LoadRules(cfg.Enrich.RulesPath)
	if err != nil {
		fatal(err, "load classifier rules")
	}
	classifier, err := classify.New(rules)
	if err != nil {
		fatal(err, "init classifier")
	}
	scorer := score.New(score.ConfigFromSettings(cfg.Scorer))

	enrichOpts := enrich.OptionsFromConfig(cfg.Enrich)
	enrichOpts.DryRun = dryRun

	return &app{
		cfg:      cfg,
		conn:     conn,
		store:    st,
		rules:    rules,
		ingester: ingest.New(ingest.OptionsFromConfig(cfg.Crawler), ingest.NewSource(cfg.Crawler), st),
		enricher: enrich.New(enrichOpts, st, classifier, scorer),
	}
}

func serve(ctx context.Context, a *app) {
	cfg := a.cfg
	guard, err := auth.New(cfg.AdminSecret, cfg.AdminBindCIDRs)
	if err != nil {
		fatal(err, "init auth")
	}

	crawl := scheduler.RunnerFunc(func(ctx context.Context) error {
		sum, err := a.ingester.Run(ctx)
		a.recordSummary(ctx, "crawl", sum)
		return err
	})
	enrichJob := scheduler.RunnerFunc(func(ctx context.Context) error {
		sum, err := a.enricher.Run(ctx)
		a.recordSummary(ctx, "enrich", sum)
		return err
	})
	sched := scheduler.New(cfg.DailyRunTime, map[string]scheduler.Runner{
		"crawl":               crawl,
		"enrich":              enrichJob,
		scheduler.JobPipeline: scheduler.Sequence(crawl, enrichJob),
	})

	subjects := make([]model.Subject, 0, len(a.rules.Subjects))
	for _, s := range a.rules.Subjects {
		subjects = append(subjects, s.Name)
	}
	engine := recommend.New(a.store, a.rules, recommend.OptionsFromConfig(cfg.Recommend))
	api := server.New(cfg, a.store, engine, subjects, sched, a.ingester, guard).WithBaseContext(ctx)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      http.MaxBytesHandler(api.Routes(), cfg.MaxBodyBytes),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	sched.Start(ctx)
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shCtx)
	}()

	logging.Info().Str("addr", cfg.ListenAddress).Bool("tls", cfg.EnableTLS).Msg("starting mathvid")
	if cfg.EnableTLS {
		err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(err, "http server")
	}
	logging.Info().Msg("waiting for running jobs to stop")
	sched.Wait()
}

func (a *app) recordSummary(ctx context.Context, job string, v any) {
	b, err := json.Marshal(v)
	if err == nil {
		err = a.store.SetSetting(context.WithoutCancel(ctx), server.SummaryKey(job), string(b))
	}
	if err != nil {
		l := logging.Component("main")
		logging.Ctx(ctx, l).Warn().Err(err).Str("job", job).Msg("record run summary")
	}
}

func printSummary(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error, msg string) {
	logging.Error().Err(err).Msg(msg)
	os.Exit(1)
}
