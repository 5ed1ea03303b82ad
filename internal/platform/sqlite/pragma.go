package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Ключи PragmaOptions
const (
	OptForeignKeys   = "foreign_keys"
	OptJournalMode   = "journal_mode"
	OptSynchronous   = "synchronous"
	OptCacheSize     = "cache_size"
	OptTempStore     = "temp_store"
	OptBusyTimeoutMS = "busy_timeout_ms"
	OptQueryOnly     = "query_only"
)

// PragmaOptions - декларативная конфигурация соединения.
// Значения могут быть нативными (bool, int) или строками из env/YAML.
type PragmaOptions map[string]any

func (o PragmaOptions) clone() PragmaOptions {
	out := make(PragmaOptions, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// pragmaSpec описывает одну опцию: как проверить значение и построить PRAGMA.
type pragmaSpec struct {
	order int
	build func(v any) (stmt string, normalized any, err error)
}

var pragmaSpecs = map[string]pragmaSpec{
	// busy_timeout первым: остальные PRAGMA тоже могут упереться в блокировку
	OptBusyTimeoutMS: {0, buildInt("busy_timeout", 0)},
	OptForeignKeys:   {1, buildBool("foreign_keys")},
	OptJournalMode: {2, buildEnum("journal_mode", map[string]string{
		"rollback": "DELETE",
		"wal":      "WAL",
	})},
	OptSynchronous: {3, buildEnum("synchronous", map[string]string{
		"off":    "OFF",
		"normal": "NORMAL",
		"full":   "FULL",
	})},
	OptCacheSize: {4, buildInt("cache_size", -1<<31)},
	OptTempStore: {5, buildEnum("temp_store", map[string]string{
		"default": "DEFAULT",
		"memory":  "MEMORY",
		"file":    "FILE",
	})},
	OptQueryOnly: {6, buildBool("query_only")},
}

type pragmaStmt struct {
	key   string
	stmt  string
	value any
	order int
}

// ApplyPragmas применяет конфигурацию к соединению, по одной PRAGMA на ключ.
// Неизвестные ключи (ErrUnknownOption) и неверные значения (ErrInvalidOption)
// отклоняются до выполнения любой команды, соединение остаётся пригодным.
// Сбой самой PRAGMA оставляет соединение непригодным: его нужно закрыть и открыть заново.
func ApplyPragmas(ctx context.Context, c *Conn, opts PragmaOptions) error {
	stmts, err := planPragmas(opts)
	if err != nil {
		return err
	}

	done, err := c.acquire()
	if err != nil {
		return err
	}
	defer done()

	for _, p := range stmts {
		if p.key != OptJournalMode {
			if _, err := c.conn.ExecContext(ctx, p.stmt); err != nil {
				err = fmt.Errorf("failed to execute %s: %w", p.stmt, classify(err))
				c.fail(err)
				return err
			}
			c.applied[p.key] = p.value
			continue
		}

		// journal_mode возвращает фактический режим
		var mode string
		if err := c.conn.GetContext(ctx, &mode, p.stmt); err != nil {
			err = fmt.Errorf("failed to execute %s: %w", p.stmt, classify(err))
			c.fail(err)
			return err
		}
		// in-memory база всегда остаётся в режиме "memory"
		if !strings.EqualFold(mode, journalModeName(p.value)) {
			c.log.Warn("journal mode not applied",
				slog.String("requested", fmt.Sprint(p.value)),
				slog.String("actual", mode),
			)
		}
		c.applied[p.key] = strings.ToLower(mode)
	}

	return nil
}

func planPragmas(opts PragmaOptions) ([]pragmaStmt, error) {
	stmts := make([]pragmaStmt, 0, len(opts))
	for key, raw := range opts {
		spec, ok := pragmaSpecs[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOption, key)
		}
		stmt, value, err := spec.build(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		stmts = append(stmts, pragmaStmt{key: key, stmt: stmt, value: value, order: spec.order})
	}
	sort.Slice(stmts, func(i, j int) bool { return stmts[i].order < stmts[j].order })
	return stmts, nil
}

func journalModeName(v any) string {
	if s, _ := v.(string); s == "rollback" {
		return "delete"
	}
	return fmt.Sprint(v)
}

func buildBool(pragma string) func(any) (string, any, error) {
	return func(v any) (string, any, error) {
		b, err := toBool(v)
		if err != nil {
			return "", nil, err
		}
		state := "OFF"
		if b {
			state = "ON"
		}
		return fmt.Sprintf("PRAGMA %s = %s", pragma, state), b, nil
	}
}

func buildInt(pragma string, min int64) func(any) (string, any, error) {
	return func(v any) (string, any, error) {
		n, err := toInt(v)
		if err != nil {
			return "", nil, err
		}
		if n < min {
			return "", nil, fmt.Errorf("value %d below minimum %d", n, min)
		}
		return fmt.Sprintf("PRAGMA %s = %d", pragma, n), int(n), nil
	}
}

func buildEnum(pragma string, allowed map[string]string) func(any) (string, any, error) {
	return func(v any) (string, any, error) {
		s, ok := v.(string)
		if !ok {
			return "", nil, fmt.Errorf("expected string, got %T", v)
		}
		key := strings.ToLower(strings.TrimSpace(s))
		sqlValue, ok := allowed[key]
		if !ok {
			return "", nil, fmt.Errorf("unsupported value %q", s)
		}
		return fmt.Sprintf("PRAGMA %s = %s", pragma, sqlValue), key, nil
	}
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "on", "yes":
			return true, nil
		case "0", "false", "off", "no":
			return false, nil
		}
		return false, fmt.Errorf("cannot parse %q as bool", t)
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint64:
		return int64(t), nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as integer", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// LoadPragmaFile читает YAML-профиль PRAGMA, например:
//
//	foreign_keys: true
//	journal_mode: wal
//	cache_size: -20000
//
// Ключи проверяются сразу, чтобы опечатка в файле не всплыла только при открытии.
func LoadPragmaFile(path string) (PragmaOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pragma file: %w", err)
	}

	opts := PragmaOptions{}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("%w: parse pragma file %s: %v", ErrInvalidOption, path, err)
	}
	if _, err := planPragmas(opts); err != nil {
		return nil, fmt.Errorf("pragma file %s: %w", path, err)
	}
	return opts, nil
}

// Merge возвращает копию o, дополненную значениями из other (other важнее).
func (o PragmaOptions) Merge(other PragmaOptions) PragmaOptions {
	out := o.clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}
