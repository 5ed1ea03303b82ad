package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"litecoord/internal/adapter/httpapi"
	"litecoord/internal/platform/sqlite"
	"litecoord/internal/shared"
	"litecoord/pkg/retry"
)

// ErrBackupRunning - копирование уже идёт, второе параллельно не запускается.
var ErrBackupRunning = shared.MarkKind(errors.New("backup already running"), shared.KindConflict)

const partialSuffix = ".partial"

// BackupConfig - куда и как копировать.
type BackupConfig struct {
	Dir          string
	Prefix       string // по умолчанию "litecoord"
	PagesPerStep int
	Pause        time.Duration
	// Keep - сколько последних копий хранить (0 - все)
	Keep int
}

// BackupResult - итог одного копирования.
type BackupResult struct {
	ID        string
	Path      string
	Pages     int
	Steps     int
	Bytes     int64
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// View переводит результат в представление HTTP API.
func (r BackupResult) View() httpapi.BackupView {
	v := httpapi.BackupView{
		ID:         r.ID,
		Path:       r.Path,
		Pages:      r.Pages,
		Bytes:      r.Bytes,
		Size:       humanize.Bytes(uint64(max(r.Bytes, 0))),
		StartedAt:  r.StartedAt.UTC(),
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

// BackupFile - готовая копия в каталоге.
type BackupFile struct {
	Name    string
	Path    string
	Bytes   int64
	ModTime time.Time
}

// BackupService снимает онлайн-копии базы в каталог: сначала во временный
// файл *.partial, после проверки целостности переименовывает его в итоговое имя.
// Каждое копирование открывает собственные соединения к источнику и копии.
type BackupService struct {
	target  string
	dbOpts  sqlite.Options
	cfg     BackupConfig
	store   *Store
	log     *slog.Logger
	now     func() time.Time
	running sync.Mutex

	mu   sync.Mutex
	last *BackupResult
}

// NewBackupService создаёт сервис копирования базы target.
// store (необязательный) используется для журнала backup_log.
func NewBackupService(target string, dbOpts sqlite.Options, cfg BackupConfig, store *Store, log *slog.Logger) (*BackupService, error) {
	if target == sqlite.MemoryTarget {
		return nil, fmt.Errorf("%w: in-memory database cannot be backed up from another connection", sqlite.ErrInvalidOption)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: backup directory is empty", sqlite.ErrInvalidOption)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "litecoord"
	}
	if log == nil {
		log = slog.Default()
	}
	return &BackupService{
		target: target,
		dbOpts: dbOpts,
		cfg:    cfg,
		store:  store,
		log:    log.With(slog.String("component", "backup")),
		now:    time.Now,
	}, nil
}

// Run снимает одну копию. Параллельный вызов получает ErrBackupRunning.
func (s *BackupService) Run(ctx context.Context) (BackupResult, error) {
	if !s.running.TryLock() {
		return BackupResult{}, ErrBackupRunning
	}
	defer s.running.Unlock()

	started := s.now()
	id := uuid.NewString()
	name := fmt.Sprintf("%s-%s-%s.db", s.cfg.Prefix, started.UTC().Format("20060102T150405Z"), id[:8])
	res := BackupResult{ID: id, Path: filepath.Join(s.cfg.Dir, name), StartedAt: started}
	log := s.log.With(slog.String("job_id", id))

	log.Info("backup started", slog.String("path", res.Path))
	err := s.copyTo(ctx, res.Path, &res, log)
	res.Duration = time.Since(started)
	res.Err = err

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	s.record(ctx, res, log)

	if err != nil {
		if shared.HasKind(err, shared.KindCanceled) {
			log.Info("backup canceled", slog.Duration("duration", res.Duration))
		} else {
			log.Error("backup failed", slog.Any("error", err), slog.Duration("duration", res.Duration))
		}
		return res, err
	}

	log.Info("backup finished",
		slog.String("path", res.Path),
		slog.Int("pages", res.Pages),
		slog.String("size", humanize.Bytes(uint64(res.Bytes))),
		slog.Duration("duration", res.Duration),
	)
	if err := s.prune(); err != nil {
		log.Warn("backup retention failed", slog.Any("error", err))
	}
	return res, nil
}

func (s *BackupService) copyTo(ctx context.Context, final string, res *BackupResult, log *slog.Logger) (err error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	partial := final + partialSuffix
	_ = os.Remove(partial)
	defer func() {
		if err != nil {
			_ = os.Remove(partial)
		}
	}()

	srcOpts := s.dbOpts
	srcOpts.AccessMode = sqlite.AccessModeReadOnly
	srcOpts.IntegrityCheck = false
	src, err := sqlite.Open(ctx, s.target, srcOpts)
	if err != nil {
		return shared.Wrap(err, "open backup source")
	}
	defer src.Close(context.Background())

	dstOpts := s.dbOpts
	dstOpts.AccessMode = sqlite.AccessModeReadWriteCreate
	dstOpts.IntegrityCheck = false
	dstOpts.Pragmas = dstOpts.Pragmas.Merge(sqlite.PragmaOptions{sqlite.OptJournalMode: "rollback"})
	dst, err := sqlite.Open(ctx, partial, dstOpts)
	if err != nil {
		return shared.Wrap(err, "open backup destination")
	}

	progress, err := sqlite.Backup(ctx, src, dst, sqlite.BackupOptions{
		PagesPerStep: s.cfg.PagesPerStep,
		Pause:        s.cfg.Pause,
		OnProgress: func(copied, total int) {
			log.Debug("backup progress", slog.Int("copied", copied), slog.Int("total", total))
		},
	})
	res.Pages, res.Steps = progress.Total, progress.Steps
	if closeErr := dst.Close(context.Background()); err == nil && closeErr != nil {
		err = fmt.Errorf("close backup destination: %w", closeErr)
	}
	if err != nil {
		return err
	}

	// копия должна открываться и проходить quick_check до публикации
	verifyOpts := s.dbOpts
	verifyOpts.AccessMode = sqlite.AccessModeReadOnly
	verifyOpts.IntegrityCheck = true
	check, err := sqlite.Open(ctx, partial, verifyOpts)
	if err != nil {
		return shared.Wrap(err, "verify backup")
	}
	_ = check.Close(context.Background())

	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("publish backup: %w", err)
	}
	if fi, err := os.Stat(final); err == nil {
		res.Bytes = fi.Size()
	}
	return nil
}

// record пишет результат в backup_log, если таблица есть.
func (s *BackupService) record(ctx context.Context, res BackupResult, log *slog.Logger) {
	if s.store == nil {
		return
	}
	var errText *string
	if res.Err != nil {
		msg := res.Err.Error()
		errText = &msg
	}

	err := s.store.Do(ctx, func(ctx context.Context, conn *sqlite.Conn) error {
		ok, err := sqlite.TableExists(ctx, conn, "backup_log")
		if err != nil || !ok {
			return err
		}
		return sqlite.RetryOnBusy(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
			_, err := conn.ExecContext(ctx,
				`INSERT INTO backup_log (id, path, pages, bytes, started_at, duration_ms, error)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				res.ID, res.Path, res.Pages, res.Bytes, res.StartedAt.UTC(), res.Duration.Milliseconds(), errText)
			return err
		})
	})
	if err != nil {
		log.Warn("failed to record backup", slog.Any("error", err))
	}
}

type backupLogRow struct {
	ID         string    `db:"id"`
	Path       string    `db:"path"`
	Pages      int       `db:"pages"`
	Bytes      int64     `db:"bytes"`
	StartedAt  time.Time `db:"started_at"`
	DurationMS int64     `db:"duration_ms"`
	Error      *string   `db:"error"`
}

// Trigger запускает копирование по запросу.
func (s *BackupService) Trigger(ctx context.Context) (httpapi.BackupView, error) {
	res, err := s.Run(ctx)
	if err != nil {
		return httpapi.BackupView{}, err
	}
	return res.View(), nil
}

// Last возвращает последнее копирование: из памяти процесса, а после
// перезапуска из backup_log.
func (s *BackupService) Last(ctx context.Context) (httpapi.BackupView, bool, error) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		return last.View(), true, nil
	}
	if s.store == nil {
		return httpapi.BackupView{}, false, nil
	}

	var row backupLogRow
	found := false
	err := s.store.Do(ctx, func(ctx context.Context, conn *sqlite.Conn) error {
		ok, err := sqlite.TableExists(ctx, conn, "backup_log")
		if err != nil || !ok {
			return err
		}
		var rows []backupLogRow
		err = conn.SelectContext(ctx, &rows,
			`SELECT id, path, pages, bytes, started_at, duration_ms, error
			 FROM backup_log ORDER BY started_at DESC LIMIT 1`)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			row, found = rows[0], true
		}
		return nil
	})
	if err != nil || !found {
		return httpapi.BackupView{}, false, err
	}

	res := BackupResult{
		ID:        row.ID,
		Path:      row.Path,
		Pages:     row.Pages,
		Bytes:     row.Bytes,
		StartedAt: row.StartedAt,
		Duration:  time.Duration(row.DurationMS) * time.Millisecond,
	}
	if row.Error != nil {
		res.Err = errors.New(*row.Error)
	}
	return res.View(), true, nil
}

// List возвращает готовые копии, новые первыми.
func (s *BackupService) List() ([]BackupFile, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var files []BackupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, s.cfg.Prefix+"-") || !strings.HasSuffix(name, ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, BackupFile{
			Name:    name,
			Path:    filepath.Join(s.cfg.Dir, name),
			Bytes:   info.Size(),
			ModTime: info.ModTime(),
		})
	}
	// в имени метка времени UTC, поэтому лексикографический порядок хронологический
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	return files, nil
}

// prune оставляет Keep последних копий.
func (s *BackupService) prune() error {
	if s.cfg.Keep <= 0 {
		return nil
	}
	files, err := s.List()
	if err != nil || len(files) <= s.cfg.Keep {
		return err
	}

	var errs []error
	for _, f := range files[s.cfg.Keep:] {
		if err := os.Remove(f.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("old backup removed", slog.String("path", f.Path), slog.String("size", humanize.Bytes(uint64(f.Bytes))))
	}
	return errors.Join(errs...)
}
