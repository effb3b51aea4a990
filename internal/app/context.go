// Package app assembles a running node from a workspace: it opens the
// database, builds every port from config and wires the engine, the HTTP
// handler and the background services together.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"signline/internal/config"
	"signline/internal/db"
	"signline/internal/engine"
	"signline/internal/migrate"
	"signline/internal/ports"
	"signline/internal/reminder"
	"signline/internal/server"
)

// staticTSASecret keys the built-in timestamping backend. Its tokens are
// only as trustworthy as the host they were minted on; configure the
// rfc3161 backend when a real authority is required.
const staticTSASecret = "signline-static-tsa"

// App is a fully wired node: an engine over an open database plus the
// HTTP handler. Background services are idle until Start.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Engine  engine.Engine
	Log     *logrus.Logger
	Handler http.Handler

	reminders *reminder.Service
	webhooks  *server.WebhookDispatcher
}

// Options tune assembly per invocation rather than per workspace.
type Options struct {
	Workspace string
	// DevLogin opens the token-minting endpoint. Never enable it on a
	// reachable deployment.
	DevLogin bool
}

// New opens the workspace database, migrates it and wires everything up.
// The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := newLogger(cfg)
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: cfg.DB.Path})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	p, err := buildPorts(ctx, cfg, opts.Workspace, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg, log, p)
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret: cfg.Server.JWTSecret,
			TokenTTL:  cfg.TokenTTL(),
			DevLogin:  opts.DevLogin,
			Logger:    log,
		},
		EnableDocs: cfg.Server.EnableDocs,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{Config: cfg, DB: conn, Engine: eng, Log: log, Handler: handler}, nil
}

// Start launches the reminder sweeper and, when any webhooks are
// configured, the dispatcher.
func (a *App) Start(ctx context.Context) {
	a.reminders = reminder.New(a.Engine, a.Config, a.Log)
	a.reminders.Start(ctx)
	a.webhooks = server.StartWebhookDispatcher(a.Engine)
}

// Close stops the background services and closes the database. Safe to
// call whether or not Start ran.
func (a *App) Close() {
	if a.reminders != nil {
		a.reminders.Stop()
	}
	a.webhooks.Stop()
	if a.DB != nil {
		a.DB.Close()
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// buildPorts materializes the external dependencies a backend at a time.
// Config validation has already vetted the backend names; the defaults
// here cover a zero-value config in tests.
func buildPorts(ctx context.Context, cfg *config.Config, workspace string, log *logrus.Logger) (engine.Ports, error) {
	clock := ports.WallClock()
	p := engine.Ports{Clock: clock}

	switch cfg.Store.Backend {
	case "", "fs":
		root := cfg.Store.Root
		if root == "" {
			root = filepath.Join(workspace, ".signline", "blobs")
		} else if !filepath.IsAbs(root) {
			root = filepath.Join(workspace, root)
		}
		store, err := ports.NewFSStore(root)
		if err != nil {
			return p, fmt.Errorf("open blob store: %w", err)
		}
		p.Store = store
	case "memory":
		p.Store = ports.NewMemoryStore()
	case "s3":
		store, err := ports.NewS3Store(ctx, cfg.Store.Bucket, cfg.Store.Region, cfg.Store.Prefix)
		if err != nil {
			return p, fmt.Errorf("open s3 store: %w", err)
		}
		p.Store = store
	default:
		return p, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	switch cfg.TSA.Backend {
	case "", "static":
		p.TSA = ports.NewStaticTSA([]byte(staticTSASecret), clock)
	case "rfc3161":
		p.TSA = ports.NewRFC3161TSA(cfg.TSA.URL, cfg.TSATimeout())
	default:
		return p, fmt.Errorf("unknown tsa backend %q", cfg.TSA.Backend)
	}

	switch cfg.Notifier.Backend {
	case "", "log":
		p.Notifier = ports.LogNotifier{Log: log}
	case "memory":
		p.Notifier = ports.NewMemoryNotifier()
	default:
		return p, fmt.Errorf("unknown notifier backend %q", cfg.Notifier.Backend)
	}

	p.PKI = ports.NewStaticCertVerifier(cfg.PKI.RecognizedIssuers, clock)

	endpoints := make(map[string]ports.Endpoint, len(cfg.Services))
	for name, ep := range cfg.Services {
		timeout := 10 * time.Second
		if ep.Timeout != "" {
			if d, err := time.ParseDuration(ep.Timeout); err == nil {
				timeout = d
			}
		}
		endpoints[name] = ports.Endpoint{URL: ep.URL, Timeout: timeout}
	}
	p.Invoker = ports.NewHTTPInvoker(endpoints, log)

	return p, nil
}
