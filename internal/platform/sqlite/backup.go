package sqlite

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	msqlite "modernc.org/sqlite"
)

// DefaultPagesPerStep - размер пачки страниц по умолчанию.
const DefaultPagesPerStep = 64

// BackupOptions - настройки резервного копирования.
type BackupOptions struct {
	// PagesPerStep - сколько страниц копировать за один шаг (<=0 - DefaultPagesPerStep,
	// больше math.MaxInt32 - math.MaxInt32)
	PagesPerStep int
	// Pause - пауза между шагами, отпускает блокировку для конкурирующих писателей
	Pause time.Duration
	// OnProgress вызывается синхронно после каждого шага.
	// Во время вызова оба соединения заняты копированием, использовать их нельзя.
	OnProgress func(copied, total int)
}

// BackupProgress - итог копирования.
type BackupProgress struct {
	Copied   int
	Total    int
	Steps    int
	Duration time.Duration
}

// modernBackuper - соединение modernc.org/sqlite, умеющее backup в файл.
type modernBackuper interface {
	NewBackup(dstURI string) (*msqlite.Backup, error)
}

// Backup копирует содержимое src в dst онлайн, пачками по PagesPerStep страниц.
// Копия согласована на момент начала; изменения src другими соединениями во время
// копирования движок учитывает сам, перезапуская копирование.
//
// Ни на одном из соединений не должно быть активной транзакции (ErrAlreadyActive),
// драйверы должны совпадать. Для modernc dst должен быть файлом: движок пишет в него
// через собственное соединение. Сбой любой стороны посреди копирования -
// ErrBackupInterrupted; завершение фиксируется один раз, после последней пачки.
func Backup(ctx context.Context, src, dst *Conn, opts BackupOptions) (BackupProgress, error) {
	if src == nil || dst == nil || src == dst {
		return BackupProgress{}, fmt.Errorf("%w: backup needs two distinct connections", ErrInvalidOption)
	}
	if src.Driver() != dst.Driver() {
		return BackupProgress{}, fmt.Errorf("%w: backup between drivers %s and %s", ErrInvalidOption, src.Driver(), dst.Driver())
	}
	if dst.Mode() == AccessModeReadOnly {
		return BackupProgress{}, fmt.Errorf("%w: backup destination is read-only", ErrInvalidOption)
	}
	if opts.PagesPerStep <= 0 {
		opts.PagesPerStep = DefaultPagesPerStep
	}
	// движок принимает int32
	opts.PagesPerStep = min(opts.PagesPerStep, math.MaxInt32)

	srcDone, err := src.acquire()
	if err != nil {
		return BackupProgress{}, fmt.Errorf("backup source: %w", err)
	}
	defer srcDone()
	dstDone, err := dst.acquire()
	if err != nil {
		return BackupProgress{}, fmt.Errorf("backup destination: %w", err)
	}
	defer dstDone()

	if src.tx != nil || dst.tx != nil {
		return BackupProgress{}, fmt.Errorf("backup: %w", ErrAlreadyActive)
	}

	log := src.log.With(slog.String("destination", dst.Target()))
	started := time.Now()

	var progress BackupProgress
	switch src.Driver() {
	case DriverMattn:
		progress, err = backupMattn(ctx, src, dst, opts)
	default:
		progress, err = backupModernc(ctx, src, dst, opts)
	}
	progress.Duration = time.Since(started)

	if err != nil {
		log.Warn("backup interrupted", slog.Int("copied", progress.Copied), slog.Any("error", err))
		if errors.Is(err, ErrBackupInterrupted) || errors.Is(err, ErrInvalidOption) {
			return progress, err
		}
		return progress, fmt.Errorf("%w: %w", ErrBackupInterrupted, err)
	}

	log.Info("backup completed",
		slog.Int("pages", progress.Total),
		slog.Int("steps", progress.Steps),
		slog.Duration("duration", progress.Duration),
	)
	return progress, nil
}

// backupModernc копирует через Backup API modernc в файл dst.
// Оставшихся страниц modernc не сообщает: размер источника перечитывается
// PRAGMA page_count после каждой пачки, а скопированное оценивается по числу
// шагов и не достигает итога, пока движок не закончил. Если источник
// изменился, движок начинает копирование заново, и оценка может опережать его.
func backupModernc(ctx context.Context, src, dst *Conn, opts BackupOptions) (BackupProgress, error) {
	var progress BackupProgress
	if dst.Target() == MemoryTarget {
		return progress, fmt.Errorf("%w: in-memory backup destination is not supported by %s driver", ErrInvalidOption, DriverModernc)
	}
	if err := src.conn.GetContext(ctx, &progress.Total, "PRAGMA page_count"); err != nil {
		return progress, fmt.Errorf("read page count: %w", classify(err))
	}

	busyDeadline := src.opts.BusyTimeout
	err := src.conn.Raw(func(driverConn any) error {
		bc, ok := driverConn.(modernBackuper)
		if !ok {
			return fmt.Errorf("%w: source is %T, backup is not supported", ErrInvalidOption, driverConn)
		}

		bk, err := bc.NewBackup(dst.Target())
		if err != nil {
			return fmt.Errorf("init backup: %w", classify(err))
		}

		var busySince time.Time
		for {
			more, err := bk.Step(int32(opts.PagesPerStep))
			if err != nil {
				if !IsBusy(err) {
					_ = bk.Finish()
					return fmt.Errorf("backup step: %w", err)
				}
				// другой писатель держит блокировку: ждём, но не дольше busy timeout
				if busySince.IsZero() {
					busySince = time.Now()
				} else if time.Since(busySince) > busyDeadline {
					_ = bk.Finish()
					return fmt.Errorf("backup step: %w", classify(err))
				}
				if err := pause(ctx, max(opts.Pause, 5*time.Millisecond)); err != nil {
					_ = bk.Finish()
					return err
				}
				continue
			}
			busySince = time.Time{}

			progress.Steps++
			total, err := driverPageCount(ctx, driverConn)
			if err != nil {
				_ = bk.Finish()
				return fmt.Errorf("read page count: %w", classify(err))
			}
			progress.Total = total
			if more {
				copied := max(progress.Copied, min(progress.Steps, math.MaxInt/opts.PagesPerStep)*opts.PagesPerStep)
				progress.Copied = max(min(copied, progress.Total-1), 0)
			} else {
				progress.Copied = progress.Total
			}
			if opts.OnProgress != nil {
				opts.OnProgress(progress.Copied, progress.Total)
			}
			if !more {
				break
			}
			if err := pause(ctx, opts.Pause); err != nil {
				_ = bk.Finish()
				return err
			}
		}
		return bk.Finish()
	})
	return progress, err
}

// driverPageCount читает PRAGMA page_count напрямую через соединение драйвера:
// внутри Raw соединение database/sql уже занято.
func driverPageCount(ctx context.Context, driverConn any) (int, error) {
	q, ok := driverConn.(driver.QueryerContext)
	if !ok {
		return 0, fmt.Errorf("%w: %T cannot run queries", ErrInvalidOption, driverConn)
	}
	rows, err := q.QueryContext(ctx, "PRAGMA page_count", nil)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, errors.New("page_count returned no rows")
		}
		return 0, err
	}
	n, ok := dest[0].(int64)
	if !ok {
		return 0, fmt.Errorf("page_count returned %T", dest[0])
	}
	return int(n), nil
}

// pause ждёт d или отмены контекста.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
