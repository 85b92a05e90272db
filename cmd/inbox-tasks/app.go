package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/inbox-tasks/internal/api"
	"github.com/pysugar/inbox-tasks/internal/auth/microsoft"
	"github.com/pysugar/inbox-tasks/internal/auth/token"
	"github.com/pysugar/inbox-tasks/internal/classifier"
	"github.com/pysugar/inbox-tasks/internal/config"
	"github.com/pysugar/inbox-tasks/internal/db"
	"github.com/pysugar/inbox-tasks/internal/dedup"
	"github.com/pysugar/inbox-tasks/internal/extract"
	"github.com/pysugar/inbox-tasks/internal/ingest"
	"github.com/pysugar/inbox-tasks/internal/subscription"
	"github.com/pysugar/inbox-tasks/internal/tasks"
	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
	"gorm.io/gorm"
)

// app is the wired process: every component built once from the config.
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	vault     *token.Vault
	manager   *subscription.Manager
	scheduler *subscription.Scheduler
	dedup     *dedup.Cache
	ingestor  *ingest.Ingestor
	oauth     *microsoft.Handler
	tasks     *tasks.Materializer
}

func newApp(cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	database, err := db.InitDB(cfg.DBPath, cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	oauthConfig := microsoft.GetOAuthConfig(cfg.Microsoft)
	graphClient := graph.NewClient(cfg.Microsoft.GraphBaseURL, nil)
	graphClient.SetVerbose(cfg.Verbose)

	cls, err := classifier.NewClient(classifier.Config{
		APIKey:  cfg.Classifier.APIKey,
		BaseURL: cfg.Classifier.BaseURL,
		Model:   cfg.Classifier.Model,
		Timeout: cfg.Classifier.Timeout.Std(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier: %w", err)
	}
	cls.SetVerbose(cfg.Verbose)

	vault := token.NewVault(database, oauthConfig, cfg.Vault.RefreshMargin.Std())
	manager := subscription.NewManager(database, vault, graphClient, subscription.Options{
		NotificationURL: cfg.NotificationURL(),
		Resource:        cfg.Subscription.Resource,
		ChangeType:      cfg.Subscription.ChangeType,
		ReuseThreshold:  cfg.Subscription.ReuseThreshold.Std(),
		MaxMinutes:      cfg.Subscription.MaxMinutes,
		MarginMinutes:   cfg.Subscription.MarginMinutes,
	})
	scheduler := subscription.NewScheduler(manager, cfg.Subscription.RenewInterval.Std(), cfg.Subscription.RenewWindow.Std())

	cache := dedup.New(cfg.Ingest.DedupTTL.Std(), cfg.Ingest.DedupCapacity)
	materializer := tasks.NewMaterializer(database, loc)
	ingestor := ingest.New(ingest.Deps{
		Subscriptions: manager,
		Credentials:   vault,
		Messages:      graphClient,
		Dedup:         cache,
		Extractor:     extract.New(),
		Classifier:    cls,
		Tasks:         materializer,
	}, ingest.Options{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
		Retry: ingest.RetryPolicy{
			MaxAttempts: cfg.Ingest.FetchAttempts,
			BaseDelay:   cfg.Ingest.FetchBackoff.Std(),
		},
		BlockedSenders: cfg.Ingest.BlockedSenders,
		MaxBodyChars:   cfg.Classifier.MaxBodyChars,
		Location:       loc,
		Verbose:        cfg.Verbose,
	})

	oauthHandler := microsoft.NewHandler(oauthConfig, microsoft.NewStateStore(10*time.Minute), vault, graphClient, cfg.ClientURL)

	return &app{
		cfg:       cfg,
		db:        database,
		vault:     vault,
		manager:   manager,
		scheduler: scheduler,
		dedup:     cache,
		ingestor:  ingestor,
		oauth:     oauthHandler,
		tasks:     materializer,
	}, nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if a.cfg.Verbose {
		r.Use(chimiddleware.Logger)
	}
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})

	// OAuth flow. Login needs a ticket from POST /api/users/{id}/microsoft/connect.
	r.Get(microsoft.LoginPath, a.oauth.HandleLogin)
	r.Get("/auth/microsoft/callback", a.oauth.HandleCallback)

	apiServer := &api.Server{
		DB:            a.db,
		Subscriptions: a.manager,
		Credentials:   a.vault,
		Login:         a.oauth,
		Tasks:         a.tasks,
		Renewer:       a.scheduler,
		Ingest:        a.ingestor,
		Webhook:       a.ingestor.HandleNotifications,
		AdminPassword: a.cfg.AdminPassword,
		PublicBaseURL: a.cfg.PublicBaseURL,
	}
	r.Mount("/api", apiServer.Routes())
	return r
}
