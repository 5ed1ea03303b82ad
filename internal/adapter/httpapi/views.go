package httpapi

import "time"

// SchemaView - состояние схемы: версия и таблицы.
type SchemaView struct {
	Version   int64       `json:"version"`
	Name      string      `json:"name,omitempty"`
	AppliedAt string      `json:"applied_at,omitempty"`
	Tables    []TableView `json:"tables"`
}

// TableView - таблица с колонками и индексами.
type TableView struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Indexes []string `json:"indexes,omitempty"`
}

// BackupView - результат резервного копирования.
type BackupView struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Pages      int       `json:"pages"`
	Bytes      int64     `json:"bytes"`
	Size       string    `json:"size"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// JobView - состояние фоновой задачи.
type JobView struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Running   bool       `json:"running"`
	Runs      int        `json:"runs"`
	Failures  int        `json:"failures"`
	Skipped   int        `json:"skipped"`
	LastStart *time.Time `json:"last_start,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Next      *time.Time `json:"next,omitempty"`
}

type errorView struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
