// -----------------------------------------------------------------------
// App - Application wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/handlers"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/interpreter"
	"github.com/ternarybob/perago/internal/redaction"
	"github.com/ternarybob/perago/internal/services/events"
	"github.com/ternarybob/perago/internal/services/scheduler"
	"github.com/ternarybob/perago/internal/session"
	"github.com/ternarybob/perago/internal/storage/badger"
)

// Maintenance job names registered with the scheduler
const (
	JobSessionReaper = "session_reaper"
	JobHistoryPurge  = "history_purge"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService     interfaces.EventService
	SchedulerService interfaces.SchedulerService

	// Statement execution
	Redactor       *redaction.Engine
	Registry       *interpreter.Registry
	SessionManager *session.Manager

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	SessionHandler   *handlers.SessionHandler
	StatementHandler *handlers.StatementHandler
	WSHandler        *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// The event bus feeds the WebSocket stream; both exist before any
	// session can publish
	app.EventService = events.NewService(app.Logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, app.Logger, handlers.DefaultThrottleIntervals)

	// Mirror every event into the debug log
	if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
		return nil, fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	logger.Info().
		Str("default_kind", cfg.Session.DefaultKind).
		Int("max_sessions", cfg.Session.MaxSessions).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Dir).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes business services in dependency order
func (a *App) initServices() error {
	// Redaction rules guard what statement code reaches the logs. A
	// broken rule set must not silently log secrets, so it fails startup.
	redactor := redaction.NewEngine()
	if policy := a.Config.Redaction.Policy; policy != "" {
		if err := redactor.AddRulesFromPolicy(policy); err != nil {
			return fmt.Errorf("invalid redaction policy: %w", err)
		}
	}
	if file := a.Config.Redaction.RulesFile; file != "" {
		if err := redactor.AddRulesFromFile(file); err != nil {
			return fmt.Errorf("invalid redaction rules file %s: %w", file, err)
		}
	}
	a.Redactor = redactor
	if redactor.Enabled() {
		a.Logger.Info().Msg("Log redaction enabled")
	}

	// Interpreter registry: builtins plus YAML definitions
	a.Registry = interpreter.NewRegistry(a.Config.Session.StatementTimeout, a.Logger)
	if dir := a.Config.Session.DefinitionsDir; dir != "" {
		if err := a.Registry.LoadDir(dir); err != nil {
			// Builtin kinds keep the service usable without definitions
			a.Logger.Warn().Err(err).Str("dir", dir).Msg("Failed to load interpreter definitions")
		}
	}

	a.SessionManager = session.NewManager(
		&a.Config.Session,
		a.Registry,
		a.StorageManager,
		a.EventService,
		a.Redactor,
		a.Logger,
	)

	// Sessions stored as live by a previous process are orphans now
	if swept, err := a.SessionManager.SweepOrphans(context.Background()); err != nil {
		a.Logger.Warn().Err(err).Msg("Orphan sweep failed")
	} else if swept > 0 {
		a.Logger.Info().Int("count", swept).Msg("Swept orphaned sessions from previous run")
	}

	return nil
}

// initHandlers initializes the HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.SessionManager, a.StorageManager)
	a.SessionHandler = handlers.NewSessionHandler(a.SessionManager)
	a.StatementHandler = handlers.NewStatementHandler(a.SessionManager, a.StorageManager)
}

// initScheduler registers the maintenance jobs and starts the scheduler
// when enabled
func (a *App) initScheduler() error {
	svc := scheduler.NewService(a.Logger)
	a.SchedulerService = svc

	err := svc.RegisterJob(JobSessionReaper, a.Config.Scheduler.ReaperSchedule,
		"Close sessions idle past the configured timeout", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_, err := a.SessionManager.ReapIdle(ctx)
			return err
		})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", JobSessionReaper, err)
	}

	err = svc.RegisterJob(JobHistoryPurge, a.Config.Scheduler.PurgeSchedule,
		"Delete dead session history past the retention window", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_, err := a.SessionManager.PurgeHistory(ctx, a.Config.Storage.HistoryRetention)
			return err
		})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", JobHistoryPurge, err)
	}

	if !a.Config.Scheduler.Enabled {
		a.Logger.Info().Msg("Scheduler disabled, maintenance jobs will not run")
		return nil
	}

	return svc.Start()
}

// Close shuts down all application components in reverse dependency
// order
func (a *App) Close() error {
	// Stop scheduled maintenance first so nothing races the shutdown
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Close live sessions; final state transitions persist and publish
	// while storage and the bus are still up
	if a.SessionManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.SessionManager.CloseAll(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close sessions")
		}
	}

	// Close event service
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Close storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
			return err
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
