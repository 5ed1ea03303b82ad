package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"litecoord/internal/adapter/httpapi"
	"litecoord/internal/adapter/scheduler"
	"litecoord/internal/config"
	"litecoord/internal/platform/logger"
	"litecoord/internal/platform/sqlite"
	"litecoord/migrations"
)

const (
	shutdownTimeout = 10 * time.Second
	backupTimeout   = time.Hour
	manualBackupGap = 10 * time.Second
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger

	// ready получает адрес HTTP сервера (или пустую строку без HTTP) после запуска
	ready chan string
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "litecoord",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Run starts the application and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	defer logger.Close(a.log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.run(ctx)
}

func (a *App) run(ctx context.Context) error {
	a.log.Info("starting", slog.String("db", a.cfg.DB.Path), slog.String("driver", a.cfg.DB.Driver))

	opts, err := a.dbOptions()
	if err != nil {
		return err
	}
	conn, err := sqlite.Open(ctx, a.cfg.DB.Path, opts)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := conn.Close(context.Background()); err != nil {
			a.log.Warn("close database", slog.Any("error", err))
		}
	}()

	if err := a.migrate(ctx, conn); err != nil {
		return err
	}
	store := NewStore(conn)

	var backups *BackupService
	if a.cfg.DB.Path != sqlite.MemoryTarget && a.cfg.Backup.Dir != "" {
		backups, err = NewBackupService(a.cfg.DB.Path, opts, BackupConfig{
			Dir:          a.cfg.Backup.Dir,
			PagesPerStep: a.cfg.Backup.PagesPerStep,
			Pause:        a.cfg.Backup.Pause,
			Keep:         a.cfg.Backup.Keep,
		}, store, a.log)
		if err != nil {
			return err
		}
	}

	sched := scheduler.NewWithContext(ctx, scheduler.Config{Logger: a.log})
	if backups != nil && a.cfg.Backup.Schedule != "" {
		_, err := sched.AddBackupJob(a.cfg.Backup.Schedule, backupTimeout, func(ctx context.Context) error {
			_, err := backups.Run(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sched.StopContext(stopCtx); err != nil {
			a.log.Warn("scheduler stop", slog.Any("error", err))
		}
	}()

	if a.cfg.HTTP.Addr == "" {
		if a.ready != nil {
			a.ready <- ""
		}
		<-ctx.Done()
		a.log.Info("shutting down")
		return nil
	}

	deps := httpapi.Deps{
		Store:      store,
		Jobs:       sched,
		Logger:     a.log,
		Token:      a.cfg.HTTP.Token,
		BackupRate: manualBackupGap,
	}
	if backups != nil {
		deps.Backups = backups
	}
	if a.cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	return a.serve(ctx, httpapi.NewServer(a.cfg.HTTP.Addr, httpapi.NewRouter(deps)))
}

// serve обслуживает HTTP до отмены ctx, затем останавливает сервер.
func (a *App) serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	a.log.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if a.ready != nil {
		a.ready <- ln.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dbOptions собирает настройки соединения: значения по умолчанию,
// затем переменные окружения, затем файл PRAGMA (он важнее всего).
func (a *App) dbOptions() (sqlite.Options, error) {
	db := a.cfg.DB
	opts := sqlite.DefaultOptions()
	opts.Driver = sqlite.Driver(db.Driver)
	opts.AccessMode = sqlite.AccessMode(db.Mode)
	opts.BusyTimeout = db.BusyTimeout
	opts.Logger = a.log

	env := sqlite.PragmaOptions{sqlite.OptForeignKeys: db.ForeignKeys}
	if db.JournalMode != "" {
		env[sqlite.OptJournalMode] = db.JournalMode
	}
	if db.Synchronous != "" {
		env[sqlite.OptSynchronous] = db.Synchronous
	}
	if db.CacheSize != 0 {
		env[sqlite.OptCacheSize] = db.CacheSize
	}
	opts.Pragmas = opts.Pragmas.Merge(env)

	if db.PragmaFile != "" {
		file, err := sqlite.LoadPragmaFile(db.PragmaFile)
		if err != nil {
			return opts, fmt.Errorf("DB_PRAGMA_FILE: %w", err)
		}
		opts.Pragmas = opts.Pragmas.Merge(file)
	}
	return opts, nil
}

// migrate приводит схему к последней версии. В режиме только чтения схема не меняется.
func (a *App) migrate(ctx context.Context, conn *sqlite.Conn) error {
	if conn.Mode() == sqlite.AccessModeReadOnly {
		version, err := sqlite.SchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		a.log.Info("read-only mode, migrations skipped", slog.Int64("version", version))
		return nil
	}

	var (
		steps []sqlite.Step
		err   error
	)
	if a.cfg.Migrations.URL != "" {
		steps, err = sqlite.OpenSteps(a.cfg.Migrations.URL)
	} else {
		steps, err = sqlite.StepsFromFS(migrations.FS, migrations.Dir)
	}
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := sqlite.NewMigrator(sqlite.MigratorOptions{AdoptLegacy: true, Logger: a.log})
	if err != nil {
		return err
	}
	report, err := m.Run(ctx, conn, steps)
	if err != nil {
		return err
	}
	a.log.Info("schema ready",
		slog.Int64("from", report.From),
		slog.Int64("to", report.To),
		slog.Int("applied", len(report.Applied)),
	)
	return nil
}
