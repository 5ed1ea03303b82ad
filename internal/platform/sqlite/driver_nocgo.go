//go:build !cgo

package sqlite

import (
	"context"
	"fmt"
)

// Без cgo go-sqlite3 собирается заглушкой: открыть соединение им нельзя.

func mattnBusy(error) (busy, ok bool) { return false, false }

func backupMattn(context.Context, *Conn, *Conn, BackupOptions) (BackupProgress, error) {
	return BackupProgress{}, fmt.Errorf("%w: driver %s requires cgo", ErrInvalidOption, DriverMattn)
}
