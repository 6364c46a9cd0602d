// Package app wires shipline's components from a Config. The CLI and the
// HTTP server share it so both run the same stack.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"shipline/internal/backendinfra"
	"shipline/internal/blobstore"
	"shipline/internal/buildhealth"
	"shipline/internal/config"
	"shipline/internal/credentials"
	"shipline/internal/db"
	"shipline/internal/dispatch"
	"shipline/internal/engine"
	"shipline/internal/events"
	"shipline/internal/frontendinfra"
	"shipline/internal/migrate"
	"shipline/internal/notify"
	"shipline/internal/provider/github"
	"shipline/internal/provider/koyeb"
	"shipline/internal/provider/rest"
	"shipline/internal/provider/vercel"
	"shipline/internal/repo"
)

// Options override pieces that otherwise come from the environment.
type Options struct {
	Logger *slog.Logger
	// Secrets replaces the AWS Secrets Manager client.
	Secrets credentials.SecretSource
	// Archives replaces the object-storage archive store.
	Archives blobstore.ArchiveStore
	Now      func() time.Time
}

// Services is the fully wired application.
type Services struct {
	Config      *config.Config
	DB          *sql.DB
	Repo        repo.Repo
	Logger      *slog.Logger
	Engine      engine.Engine
	Dispatcher  *dispatch.Dispatcher
	Credentials *credentials.Resolver
	Backend     *backendinfra.Provisioner
	Frontend    *frontendinfra.Provisioner
	Builds      *buildhealth.Monitor
	Notifier    *notify.Background
}

// OpenStore opens the workspace database and applies pending migrations.
func OpenStore(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

func restClient(provider string, p config.ProviderConfig, logger *slog.Logger) *rest.Client {
	return rest.New(provider, rest.Options{
		BaseURL:       p.BaseURL,
		Token:         p.Token,
		Retries:       p.Retries,
		RatePerSecond: p.RatePerSecond,
		Timeout:       time.Duration(p.TimeoutSeconds) * time.Second,
		Logger:        logger,
	})
}

// New builds every component on top of an open store.
func New(ctx context.Context, cfg *config.Config, conn *sql.DB, opts Options) (*Services, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := repo.Repo{DB: conn}
	ev := events.Writer{Now: now}

	secrets := opts.Secrets
	if secrets == nil {
		sm, err := credentials.NewSecretsManager(ctx, cfg.ManagedDatabase.Region)
		if err != nil {
			return nil, err
		}
		secrets = sm
	}
	archives := opts.Archives
	if archives == nil {
		var err error
		if archives, err = blobstore.New(cfg.Storage, logger); err != nil {
			return nil, err
		}
	}

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.Email.APIKey != "" {
		sender = &notify.EmailSender{
			REST: rest.New("email", rest.Options{BaseURL: cfg.Email.BaseURL, Token: cfg.Email.APIKey, Logger: logger}),
			From: cfg.Email.From,
		}
	}
	notifier := &notify.Background{Sender: sender, Logger: logger}

	gh := github.New(restClient("github", cfg.GitHub.ProviderConfig, logger), cfg.GitHub.Owner)
	ky := koyeb.New(restClient("koyeb", cfg.Koyeb.ProviderConfig, logger))
	vc := vercel.New(restClient("vercel", cfg.Vercel.ProviderConfig, logger), cfg.Vercel.TeamID)

	resolver := &credentials.Resolver{
		Store:    r,
		Secrets:  secrets,
		Database: cfg.ManagedDatabase,
		Storage:  cfg.Storage,
		Logger:   logger,
	}
	backend := &backendinfra.Provisioner{
		Repo:        r,
		Events:      ev,
		Koyeb:       ky,
		GitHub:      gh,
		Credentials: resolver,
		Config:      cfg,
		Logger:      logger,
		Now:         now,
	}
	frontend := &frontendinfra.Provisioner{
		Repo:        r,
		Events:      ev,
		Vercel:      vc,
		GitHub:      gh,
		Credentials: resolver,
		Backend:     backend,
		Config:      cfg,
		Logger:      logger,
		Now:         now,
	}
	builds := &buildhealth.Monitor{
		Repo:         r,
		Events:       ev,
		Frontend:     frontend,
		GitHub:       gh,
		Archives:     archives,
		Notifier:     notifier,
		Config:       cfg,
		Logger:       logger,
		Now:          now,
		PollInterval: cfg.Builds.PollInterval(),
		PollTimeout:  cfg.Builds.PollTimeout(),
	}

	eng := engine.New(conn, cfg)
	eng.Events = ev
	eng.Now = now
	eng.Notifier = notifier
	eng.Logger = logger
	dispatcher := &dispatch.Dispatcher{
		Repo:   r,
		Events: ev,
		Config: cfg,
		Logger: logger,
		Now:    now,
		OnDead: eng.HandleDeadMessage,
	}
	eng.Dispatcher = dispatcher

	return &Services{
		Config:      cfg,
		DB:          conn,
		Repo:        r,
		Logger:      logger,
		Engine:      eng,
		Dispatcher:  dispatcher,
		Credentials: resolver,
		Backend:     backend,
		Frontend:    frontend,
		Builds:      builds,
		Notifier:    notifier,
	}, nil
}

// Close waits for pending notifications.
func (s *Services) Close() {
	s.Notifier.Wait()
}
