package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"coach/internal/analysis"
	"coach/internal/audit"
	"coach/internal/cache"
	"coach/internal/config"
	coacherrors "coach/internal/errors"
	"coach/internal/export"
	"coach/internal/logging"
	"coach/internal/metrics"
	"coach/internal/producer"
	"coach/internal/review"
	"coach/internal/rubric"
	"coach/internal/scoring"
	"coach/internal/storage"
	"coach/internal/transcript"
)

// app holds the wired engine components for one command invocation.
type app struct {
	root     string
	cfg      *config.Config
	logger   *logging.Logger
	db       *storage.DB
	trail    *audit.Trail
	calls    *transcript.Store
	rubrics  *rubric.Store
	reviews  *review.Reconciler
	cache    *cache.Cache
	engine   *scoring.Engine
	exporter *export.Exporter
}

// openApp loads configuration from the workspace and wires every
// component except the analysis producer, which only commands that
// compute analyses need.
func openApp() (*app, error) {
	cfg, err := config.Load(dirFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	db, err := storage.Open(workspacePath(cfg.Database.Path), logger)
	if err != nil {
		return nil, err
	}

	engine := scoring.NewEngine(logger)
	if err := engine.LoadProfiles(workspacePath(cfg.Scoring.ProfilesPath)); err != nil {
		db.Close()
		return nil, err
	}

	trail := audit.NewTrail(db, logger)
	ttl := time.Duration(cfg.Cache.TTLDays) * 24 * time.Hour
	lockWait := time.Duration(cfg.Cache.LockWaitMs) * time.Millisecond
	reviews := review.NewReconciler(db, trail, logger)

	return &app{
		root:     dirFlag,
		cfg:      cfg,
		logger:   logger,
		db:       db,
		trail:    trail,
		calls:    transcript.NewStore(db, logger),
		rubrics:  rubric.NewStore(db, trail, logger, cfg.Scoring.Category),
		reviews:  reviews,
		cache:    cache.New(db, metrics.New(), logger, ttl, lockWait),
		engine:   engine,
		exporter: export.NewExporter(reviews, logger),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// producer builds the configured analysis producer.
func (a *app) producer() (producer.Producer, error) {
	switch a.cfg.Producer.Provider {
	case "openai":
		return producer.NewOpenAI(os.Getenv(a.cfg.Producer.APIKeyEnv), a.cfg.Producer.Model, a.logger)
	default:
		return nil, coacherrors.Newf(coacherrors.ValidationFailed,
			"unknown producer provider %q", a.cfg.Producer.Provider)
	}
}

// analysisService wires the full analysis pipeline including the
// producer.
func (a *app) analysisService() (*analysis.Service, error) {
	p, err := a.producer()
	if err != nil {
		return nil, err
	}
	return analysis.NewService(a.calls, a.rubrics, a.cache, a.engine, p, a.logger), nil
}

// workspacePath resolves a config-relative path against the workspace
// root. Absolute paths pass through.
func workspacePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dirFlag, path)
}

func newLogger(cfg *config.Config) *logging.Logger {
	format := logging.HumanFormat
	if cfg.Logging.Format == "json" {
		format = logging.JSONFormat
	}
	return logging.NewLogger(logging.Config{
		Format: format,
		Level:  logging.ParseLevel(cfg.Logging.Level),
	})
}

// resolveActor picks the audit actor: the --actor flag when given,
// otherwise the invoking user.
func resolveActor(flag string) string {
	if flag != "" {
		return flag
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}
