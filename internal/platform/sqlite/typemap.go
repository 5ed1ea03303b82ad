package sqlite

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Adapter превращает значение Go в значение, которое понимает драйвер.
type Adapter func(v any) (any, error)

// Converter превращает прочитанное значение колонки с объявленным типом в значение Go.
type Converter func(v any) (any, error)

// TypeMap - неизменяемая таблица преобразования типов, своя у каждого соединения.
// Все With* методы возвращают новую таблицу, исходная не меняется.
type TypeMap struct {
	adapters   map[reflect.Type]Adapter
	converters map[string]Converter
}

// NewTypeMap возвращает пустую таблицу.
func NewTypeMap() TypeMap {
	return TypeMap{
		adapters:   map[reflect.Type]Adapter{},
		converters: map[string]Converter{},
	}
}

// DefaultTypeMap возвращает таблицу с конвертерами для DATE, TIMESTAMP, BOOLEAN и JSON.
func DefaultTypeMap() TypeMap {
	return NewTypeMap().
		WithConverter("DATE", convertDate).
		WithConverter("DATETIME", convertTimestamp).
		WithConverter("TIMESTAMP", convertTimestamp).
		WithConverter("BOOLEAN", convertBool).
		WithConverter("BOOL", convertBool).
		WithConverter("JSON", convertJSON)
}

func (m TypeMap) isZero() bool {
	return m.adapters == nil && m.converters == nil
}

func (m TypeMap) clone() TypeMap {
	out := NewTypeMap()
	for k, v := range m.adapters {
		out.adapters[k] = v
	}
	for k, v := range m.converters {
		out.converters[k] = v
	}
	return out
}

// WithAdapter регистрирует адаптер для типа значения sample.
func (m TypeMap) WithAdapter(sample any, fn Adapter) TypeMap {
	out := m.clone()
	out.adapters[reflect.TypeOf(sample)] = fn
	return out
}

// WithConverter регистрирует конвертер для объявленного типа колонки (без учёта регистра).
func (m TypeMap) WithConverter(declType string, fn Converter) TypeMap {
	out := m.clone()
	out.converters[normalizeDeclType(declType)] = fn
	return out
}

// AdaptFunc - типобезопасная регистрация адаптера.
func AdaptFunc[T any](m TypeMap, fn func(T) (any, error)) TypeMap {
	var zero T
	return m.WithAdapter(zero, func(v any) (any, error) {
		return fn(v.(T))
	})
}

func (m TypeMap) adaptArgs(args []any) ([]any, error) {
	if len(m.adapters) == 0 || len(args) == 0 {
		return args, nil
	}
	out := make([]any, len(args))
	for i, arg := range args {
		fn, ok := m.adapters[reflect.TypeOf(arg)]
		if !ok {
			out[i] = arg
			continue
		}
		v, err := fn(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: adapt argument %d (%T): %v", ErrInvalidOption, i+1, arg, err)
		}
		out[i] = v
	}
	return out, nil
}

func (m TypeMap) convert(declType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	fn, ok := m.converters[normalizeDeclType(declType)]
	if !ok {
		if b, isBytes := v.([]byte); isBytes {
			// драйвер может переиспользовать буфер
			return append([]byte(nil), b...), nil
		}
		return v, nil
	}
	return fn(v)
}

// normalizeDeclType: "varchar(20)" -> "VARCHAR"
func normalizeDeclType(declType string) string {
	t := strings.ToUpper(strings.TrimSpace(declType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func convertDate(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse("2006-01-02", t)
	case []byte:
		return time.Parse("2006-01-02", string(t))
	default:
		return nil, fmt.Errorf("cannot convert %T to date", v)
	}
}

func convertTimestamp(v any) (any, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return nil, fmt.Errorf("cannot convert %T to timestamp", v)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as timestamp", s)
}

func convertBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	default:
		return toBool(fmt.Sprint(v))
	}
}

func convertJSON(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return v, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return out, nil
}
