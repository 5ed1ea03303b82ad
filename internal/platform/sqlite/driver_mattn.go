//go:build cgo

package sqlite

import (
	"context"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// mattnBusy распознаёт SQLITE_BUSY / SQLITE_LOCKED драйвера go-sqlite3.
func mattnBusy(err error) (busy, ok bool) {
	var mattnErr sqlite3.Error
	if !errors.As(err, &mattnErr) {
		return false, false
	}
	return mattnErr.Code == sqlite3.ErrBusy || mattnErr.Code == sqlite3.ErrLocked, true
}

// backupMattn использует sqlite3_backup между двумя живыми соединениями,
// поэтому dst может быть и in-memory базой.
func backupMattn(ctx context.Context, src, dst *Conn, opts BackupOptions) (BackupProgress, error) {
	var progress BackupProgress

	err := dst.conn.Raw(func(dstDriver any) error {
		dstConn, ok := dstDriver.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("%w: destination is %T, not a go-sqlite3 connection", ErrInvalidOption, dstDriver)
		}
		return src.conn.Raw(func(srcDriver any) error {
			srcConn, ok := srcDriver.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("%w: source is %T, not a go-sqlite3 connection", ErrInvalidOption, srcDriver)
			}

			bk, err := dstConn.Backup("main", srcConn, "main")
			if err != nil {
				return fmt.Errorf("init backup: %w", err)
			}

			for {
				// BUSY и LOCKED драйвер отдаёт как (false, nil): шаг просто повторится
				done, err := bk.Step(opts.PagesPerStep)
				if err != nil {
					_ = bk.Finish()
					return fmt.Errorf("backup step: %w", err)
				}
				progress.Steps++
				progress.Total = bk.PageCount()
				progress.Copied = progress.Total - bk.Remaining()
				if opts.OnProgress != nil {
					opts.OnProgress(progress.Copied, progress.Total)
				}
				if done {
					break
				}
				if err := pause(ctx, opts.Pause); err != nil {
					_ = bk.Finish()
					return err
				}
			}
			return bk.Finish()
		})
	})
	return progress, err
}
