// Package app assembles the workspace services shared by the CLI and the
// HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"teamflow/internal/access"
	"teamflow/internal/activity"
	"teamflow/internal/boardsync"
	"teamflow/internal/config"
	"teamflow/internal/db"
	"teamflow/internal/domain"
	"teamflow/internal/engine"
	"teamflow/internal/feed"
	"teamflow/internal/repo"
	"teamflow/internal/session"
)

type Options struct {
	Workspace  string
	ConfigPath string
	// JWTSecret signs session tokens. Sessions are unavailable when empty.
	JWTSecret string
	Logger    *zerolog.Logger
}

// Services is one open workspace.
type Services struct {
	DB       *sql.DB
	Config   *config.Config
	Repo     repo.Repo
	Feed     *feed.Hub
	Engine   engine.Engine
	Access   *access.Resolver
	Activity activity.Emitter
	Sessions *session.Manager
	Logger   *zerolog.Logger
}

// Open loads configuration, opens and migrates the workspace database and
// wires the services together.
func Open(ctx context.Context, opts Options) (*Services, error) {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.OpenMigrated(ctx, db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	return Wire(conn, cfg, opts.JWTSecret, logger), nil
}

// Wire builds Services over an already migrated database.
func Wire(conn *sql.DB, cfg *config.Config, jwtSecret string, logger *zerolog.Logger) *Services {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg == nil {
		cfg = config.Default()
	}
	hub := feed.NewHub(logger)
	eng := engine.New(conn, cfg, hub)
	eng.Logger = logger
	r := repo.Repo{DB: conn}

	sessions := session.New(r, jwtSecret)
	if cfg.Session.TTL > 0 {
		sessions.TTL = cfg.Session.TTL
	}
	sessions.Debounce = cfg.Session.ActivityDebounce
	sessions.Logger = logger

	return &Services{
		DB:       conn,
		Config:   cfg,
		Repo:     r,
		Feed:     hub,
		Engine:   eng,
		Access:   access.New(r, access.WithCacheTTL(cfg.Access.CacheTTL), access.WithLogger(logger)),
		Activity: activity.Emitter{Store: r, Logger: logger},
		Sessions: sessions,
		Logger:   logger,
	}
}

func (s *Services) Close() error {
	return s.DB.Close()
}

// Board returns a sync controller acting as actorID against the local
// engine. Callers Start and Close it.
func (s *Services) Board(actorID string, q domain.TaskQuery) *boardsync.Controller {
	return boardsync.New(boardsync.Config{
		Query:        q,
		Columns:      BoardColumns(s.Config),
		Remote:       s.Engine,
		Feed:         s.Feed,
		Permissions:  s.Access,
		Recorder:     s.Activity,
		ActorID:      actorID,
		WriteTimeout: s.Config.Sync.WriteTimeout,
		Logger:       s.Logger,
	})
}

// BoardColumns converts configured columns. A zero WIP limit is unbounded.
func BoardColumns(cfg *config.Config) []boardsync.Column {
	if cfg == nil {
		return nil
	}
	out := make([]boardsync.Column, 0, len(cfg.Board.Columns))
	for _, col := range cfg.Board.Columns {
		limit := col.WIPLimit
		if limit == 0 {
			limit = boardsync.Unbounded
		}
		title := col.Title
		if title == "" {
			title = col.Status
		}
		out = append(out, boardsync.Column{Status: col.Status, Title: title, WIPLimit: limit, Locked: col.Locked})
	}
	return out
}

// ResolveProject picks the active project: the override when given,
// otherwise the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (domain.Project, error) {
	if override != "" {
		p, err := r.GetProject(ctx, override)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("project %s not found", override)
		}
		return p, err
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		return domain.Project{}, fmt.Errorf("project not specified; use --project")
	}
	return p, nil
}

// DefaultTimeout bounds one CLI command.
const DefaultTimeout = 30 * time.Second
