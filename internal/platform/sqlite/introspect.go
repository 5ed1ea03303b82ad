package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Column - описание колонки таблицы (PRAGMA table_info).
type Column struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull bool           `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

// ForeignKey - одна колонка внешнего ключа (PRAGMA foreign_key_list).
type ForeignKey struct {
	ID       int    `db:"id"`
	Seq      int    `db:"seq"`
	Table    string `db:"table"`
	From     string `db:"from"`
	To       string `db:"to"`
	OnUpdate string `db:"on_update"`
	OnDelete string `db:"on_delete"`
	Match    string `db:"match"`
}

// Index - индекс таблицы (PRAGMA index_list) с колонками.
type Index struct {
	Name    string   `db:"name"`
	Unique  bool     `db:"unique"`
	Origin  string   `db:"origin"`
	Partial bool     `db:"partial"`
	Columns []string `db:"-"`
}

// Tables возвращает пользовательские таблицы схемы main в алфавитном порядке.
func Tables(ctx context.Context, q Querier) ([]string, error) {
	var names []string
	err := q.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// TableExists проверяет существование таблицы.
func TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.GetContext(ctx, &n,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns возвращает колонки таблицы в порядке объявления.
// Для несуществующей таблицы возвращает пустой срез.
func Columns(ctx context.Context, q Querier, table string) ([]Column, error) {
	var cols []Column
	err := q.SelectContext(ctx, &cols,
		`SELECT cid, name, type, "notnull", dflt_value, pk
		 FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	return cols, nil
}

// ColumnExists проверяет наличие колонки (имя без учёта регистра, как в SQLite).
func ColumnExists(ctx context.Context, q Querier, table, column string) (bool, error) {
	var n int
	err := q.GetContext(ctx, &n,
		`SELECT count(*) FROM pragma_table_info(?) WHERE name = ? COLLATE NOCASE`, table, column)
	if err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// ForeignKeys возвращает внешние ключи таблицы.
func ForeignKeys(ctx context.Context, q Querier, table string) ([]ForeignKey, error) {
	var fks []ForeignKey
	err := q.SelectContext(ctx, &fks,
		`SELECT id, seq, "table", "from", "to", on_update, on_delete, "match"
		 FROM pragma_foreign_key_list(?) ORDER BY id, seq`, table)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys of %s: %w", table, err)
	}
	return fks, nil
}

// Indexes возвращает индексы таблицы вместе с их колонками.
func Indexes(ctx context.Context, q Querier, table string) ([]Index, error) {
	var idx []Index
	err := q.SelectContext(ctx, &idx,
		`SELECT name, "unique", origin, partial
		 FROM pragma_index_list(?) ORDER BY name`, table)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", table, err)
	}

	for i := range idx {
		var cols []sql.NullString
		err := q.SelectContext(ctx, &cols,
			`SELECT name FROM pragma_index_info(?) ORDER BY seqno`, idx[i].Name)
		if err != nil {
			return nil, fmt.Errorf("list columns of index %s: %w", idx[i].Name, err)
		}
		for _, c := range cols {
			// выражение в индексе не имеет имени колонки
			if c.Valid {
				idx[i].Columns = append(idx[i].Columns, c.String)
			}
		}
	}
	return idx, nil
}

// IndexExists проверяет существование индекса по имени.
func IndexExists(ctx context.Context, q Querier, index string) (bool, error) {
	var n int
	err := q.GetContext(ctx, &n,
		`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, index)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", index, err)
	}
	return n > 0, nil
}
