package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/handoff"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/repo"
	"planline/internal/tracker"
)

// Options selects the workspace and project a command operates on.
type Options struct {
	Workspace string
	Project   string
	Actor     string
	// LogLevel overrides logging.level from planline.yml when set.
	LogLevel string
}

// Runtime holds everything one command or server process needs.
type Runtime struct {
	DB      *sql.DB
	Repo    repo.Repo
	Config  *config.Config
	Project engine.Project
	Engine  engine.Engine
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	nc *nats.Conn
}

// Open migrates the workspace database, resolves the project and wires the
// engine with the configured tracker.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: root})
	if err != nil {
		return nil, err
	}
	rt, err := build(ctx, conn, root, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

func build(ctx context.Context, conn *sql.DB, root string, opts Options) (*Runtime, error) {
	if err := migrate.Migrate(conn); err != nil {
		return nil, err
	}
	r := repo.Repo{DB: conn}
	projectID, cfg, err := ResolveProjectAndConfig(ctx, root, opts.Project, r)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	issuer, err := tracker.FromConfig(cfg, r, projectID, root)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	e := engine.New(conn, cfg)
	e.Tracker = issuer
	e.Logger = logger.Named("engine")
	e.Metrics = m
	e.Actor = opts.Actor
	if e.Actor == "" {
		e.Actor = "local-user"
	}
	return &Runtime{
		DB:      conn,
		Repo:    r,
		Config:  cfg,
		Project: engine.Project{ID: projectID, Root: root},
		Engine:  e,
		Logger:  logger,
		Metrics: m,
	}, nil
}

// Transport returns the handoff transport selected in planline.yml. A NATS
// connection is opened on first use and closed with the runtime.
func (rt *Runtime) Transport() (handoff.Transport, error) {
	h := rt.Config.Handoff
	switch h.Transport {
	case "", "sqlite":
		return handoff.SQLTransport{Repo: rt.Repo, PollInterval: h.PollInterval.Std(), Logger: rt.Logger.Named("handoff")}, nil
	case "nats":
		if rt.nc == nil {
			nc, err := handoff.Connect(h.NATSURL, "planline-"+rt.Project.ID)
			if err != nil {
				return nil, err
			}
			rt.nc = nc
		}
		return handoff.NATSTransport{Conn: rt.nc, Prefix: h.SubjectPrefix, Logger: rt.Logger.Named("handoff")}, nil
	}
	return nil, fmt.Errorf("unknown handoff transport %q", h.Transport)
}

// Protocol returns a handoff protocol bound to the configured transport.
func (rt *Runtime) Protocol() (*handoff.Protocol, error) {
	tr, err := rt.Transport()
	if err != nil {
		return nil, err
	}
	return &handoff.Protocol{
		Transport:  tr,
		AckTimeout: rt.Config.Handoff.AckTimeout.Std(),
		Supervisor: rt.Config.Handoff.Supervisor,
		Logger:     rt.Logger.Named("handoff"),
		Metrics:    rt.Metrics,
	}, nil
}

func (rt *Runtime) Close() error {
	if rt.nc != nil {
		rt.nc.Close()
	}
	_ = rt.Logger.Sync()
	return rt.DB.Close()
}
