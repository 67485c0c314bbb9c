package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/groupdate/groupdate/internal/config"
	"github.com/groupdate/groupdate/internal/finder"
	"github.com/groupdate/groupdate/internal/groups"
	"github.com/groupdate/groupdate/internal/logging"
	"github.com/groupdate/groupdate/internal/matches"
	"github.com/groupdate/groupdate/internal/notify"
	"github.com/groupdate/groupdate/internal/scheduler"
	"github.com/groupdate/groupdate/internal/storage"
)

// App wires configuration, logging, storage and the group finder together.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *storage.DB
	Matches *matches.Service
	Groups  *groups.Service
	Finder  *finder.Finder
	Runner  *scheduler.Runner

	Ctx    context.Context
	Cancel context.CancelFunc
}

// New initializes and returns a new App instance.
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := storage.NewDB(cfg)
	if err != nil {
		logger.Error("failed to initialize database", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	matchService := matches.NewService(db, cfg, logger)
	groupService := groups.NewService(db, notify.NewLogNotifier(logger), logger)
	groupFinder := finder.New(matchService, groupService, cfg, logger)
	runner := scheduler.New(groupFinder, cfg.RunInterval(), logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Matches: matchService,
		Groups:  groupService,
		Finder:  groupFinder,
		Runner:  runner,
		Ctx:     ctx,
		Cancel:  cancel,
	}, nil
}

// Close gracefully shuts down the application resources.
func (a *App) Close() {
	if a.Cancel != nil {
		a.Cancel()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error("failed to close database connection", zap.Error(err))
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// ContextWithLogger returns a new context with the application's logger.
func (a *App) ContextWithLogger(ctx context.Context) context.Context {
	return logging.ContextWithLogger(ctx, a.Logger)
}
