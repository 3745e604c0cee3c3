// Package confkeys flattens TOML and YAML documents into normalized dotted
// keys, so both formats are read through the same accessors.
package confkeys

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Store struct {
	raw  map[string]any
	flat map[string]any
}

func (s Store) Flat() map[string]any {
	flat := make(map[string]any, len(s.flat))
	for key, value := range s.flat {
		flat[key] = value
	}
	return flat
}

// Keys lists the normalized keys in order.
func (s Store) Keys() []string {
	keys := make([]string, 0, len(s.flat))
	for key := range s.flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func DecodeTOML(data []byte) (Store, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Store{}, err
	}
	return FromRaw(raw), nil
}

func DecodeYAML(data []byte) (Store, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Store{}, err
	}
	return FromRaw(raw), nil
}

func FromRaw(raw map[string]any) Store {
	flat := make(map[string]any)
	flattenMap("", raw, flat)

	normalized := make(map[string]any, len(flat))
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		normalizedKey := NormalizeKey(key)
		if _, exists := normalized[normalizedKey]; exists {
			continue
		}
		normalized[normalizedKey] = flat[key]
	}

	return Store{raw: raw, flat: normalized}
}

func (s Store) Has(key string) bool {
	_, ok := s.flat[NormalizeKey(key)]
	return ok
}

func (s Store) GetBool(key string) (bool, bool) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return false, false
	}
	switch typed := value.(type) {
	case bool:
		return typed, true
	default:
		return false, false
	}
}

func (s Store) GetInt(key string) (int64, bool) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return 0, false
	}
	return asInt64(value)
}

func (s Store) GetString(key string) (string, bool) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		return typed, true
	default:
		return "", false
	}
}

// GetDuration accepts a duration string ("250ms") or a whole number of
// milliseconds.
func (s Store) GetDuration(key string) (time.Duration, error) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return 0, nil
	}
	if text, ok := value.(string); ok {
		duration, err := time.ParseDuration(strings.TrimSpace(text))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return duration, nil
	}
	if millis, ok := asInt64(value); ok {
		return time.Duration(millis) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("%s: expected duration, got %T", key, value)
}

// GetStrings reads a list of strings. A single string is a one-element list.
func (s Store) GetStrings(key string) ([]string, error) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return nil, nil
	}
	switch typed := value.(type) {
	case string:
		return []string{typed}, nil
	case []string:
		return append([]string(nil), typed...), nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: expected string list, got %T element", key, item)
			}
			out = append(out, text)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected string list, got %T", key, value)
	}
}

// GetTables reads a list of tables ([[name]] in TOML, a sequence of mappings
// in YAML) as one Store per element.
func (s Store) GetTables(key string) ([]Store, error) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return nil, nil
	}
	switch typed := value.(type) {
	case []map[string]any:
		out := make([]Store, 0, len(typed))
		for _, table := range typed {
			out = append(out, FromRaw(table))
		}
		return out, nil
	case []any:
		out := make([]Store, 0, len(typed))
		for index, item := range typed {
			table, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected table, got %T", key, index, item)
			}
			out = append(out, FromRaw(table))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected list of tables, got %T", key, value)
	}
}

func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, ".")
	for i, part := range parts {
		lowered := strings.ToLower(part)
		parts[i] = strings.ReplaceAll(lowered, "_", "-")
	}
	return strings.Join(parts, ".")
}

func flattenMap(prefix string, raw map[string]any, out map[string]any) {
	for key, value := range raw {
		flattenValue(joinKey(prefix, key), value, out)
	}
}

func flattenValue(key string, value any, out map[string]any) {
	switch typed := value.(type) {
	case map[string]any:
		flattenMap(key, typed, out)
	default:
		out[key] = value
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func asInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case uint64:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	}
	return 0, false
}
