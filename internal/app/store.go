package app

import (
	"context"
	"sync"

	"litecoord/internal/adapter/httpapi"
	"litecoord/internal/platform/sqlite"
	"litecoord/internal/shared"
)

// Store сериализует доступ к основному соединению: HTTP обработчики
// и задачи работают в разных горутинах, а соединение допускает одного владельца.
type Store struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// NewStore оборачивает открытое соединение.
func NewStore(conn *sqlite.Conn) *Store {
	return &Store{conn: conn}
}

// Do выполняет fn с эксклюзивным доступом к соединению.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, conn *sqlite.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, s.conn)
}

// Ping проверяет соединение.
func (s *Store) Ping(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context, conn *sqlite.Conn) error {
		return conn.Ping(ctx)
	})
}

// Schema возвращает версию схемы и список таблиц с колонками и индексами.
func (s *Store) Schema(ctx context.Context) (httpapi.SchemaView, error) {
	var view httpapi.SchemaView
	err := s.Do(ctx, func(ctx context.Context, conn *sqlite.Conn) error {
		return conn.WithinTx(ctx, sqlite.TxLockDeferred, func(ctx context.Context, tx *sqlite.Tx) error {
			m, err := sqlite.NewMigrator(sqlite.MigratorOptions{})
			if err != nil {
				return err
			}
			rec, err := m.Current(ctx, tx)
			if err != nil {
				return err
			}
			view.Version, view.Name, view.AppliedAt = rec.Version, rec.Name, rec.AppliedAt

			tables, err := sqlite.Tables(ctx, tx)
			if err != nil {
				return err
			}
			view.Tables = make([]httpapi.TableView, 0, len(tables))
			for _, name := range tables {
				if name == sqlite.DefaultVersionTable {
					continue
				}
				tv, err := describeTable(ctx, tx, name)
				if err != nil {
					return err
				}
				view.Tables = append(view.Tables, tv)
			}
			return nil
		})
	})
	if err != nil {
		return httpapi.SchemaView{}, shared.Wrap(err, "read schema")
	}
	return view, nil
}

func describeTable(ctx context.Context, q sqlite.Querier, name string) (httpapi.TableView, error) {
	tv := httpapi.TableView{Name: name}

	cols, err := sqlite.Columns(ctx, q, name)
	if err != nil {
		return tv, err
	}
	tv.Columns = make([]string, len(cols))
	for i, c := range cols {
		tv.Columns[i] = c.Name
	}

	idx, err := sqlite.Indexes(ctx, q, name)
	if err != nil {
		return tv, err
	}
	for _, ix := range idx {
		tv.Indexes = append(tv.Indexes, ix.Name)
	}
	return tv, nil
}
