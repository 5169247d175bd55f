// Package typemap holds the read-only lookup from sensor keys found in uplink
// payloads to the integer sensor-type codes used by the ingestion API.
package typemap

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMalformedEntry is returned for an entry that is not of the form "key:int".
	ErrMalformedEntry = errors.New("malformed sensor type mapping entry")
	// ErrDuplicateKey is returned when the same sensor key is mapped twice.
	ErrDuplicateKey = errors.New("duplicate sensor key in type mapping")
)

// TypeMap maps sensor keys to sensor-type codes. It is built once and never
// mutated, so it is safe for concurrent use without locking.
type TypeMap struct {
	codes map[string]int
}

// Parse builds a TypeMap from "key:int" entries. Surrounding whitespace is
// ignored and empty entries are skipped, so a trailing comma in a config
// string is harmless.
func Parse(entries []string) (*TypeMap, error) {
	codes := make(map[string]int, len(entries))
	for i, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		key, codeStr, found := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		codeStr = strings.TrimSpace(codeStr)
		if !found || key == "" || codeStr == "" {
			return nil, fmt.Errorf("entry %d %q: %w", i, raw, ErrMalformedEntry)
		}
		code, err := strconv.Atoi(codeStr)
		if err != nil {
			return nil, fmt.Errorf("entry %d %q: code is not an integer: %w", i, raw, ErrMalformedEntry)
		}
		if err := add(codes, key, code); err != nil {
			return nil, err
		}
	}
	return &TypeMap{codes: codes}, nil
}

// ParseString parses the comma separated form used by legacy config files,
// e.g. "temp:1,humidity:2".
func ParseString(s string) (*TypeMap, error) {
	return Parse(strings.Split(s, ","))
}

// FromMap copies m into a new TypeMap.
func FromMap(m map[string]int) (*TypeMap, error) {
	codes := make(map[string]int, len(m))
	for k, v := range m {
		if err := add(codes, strings.TrimSpace(k), v); err != nil {
			return nil, err
		}
	}
	return &TypeMap{codes: codes}, nil
}

// Merge returns a new TypeMap holding the entries of both maps. A key present
// in both is a duplicate, even if the codes agree.
func Merge(a, b *TypeMap) (*TypeMap, error) {
	codes := make(map[string]int, a.Len()+b.Len())
	for _, tm := range []*TypeMap{a, b} {
		if tm == nil {
			continue
		}
		for k, v := range tm.codes {
			if err := add(codes, k, v); err != nil {
				return nil, err
			}
		}
	}
	return &TypeMap{codes: codes}, nil
}

func add(codes map[string]int, key string, code int) error {
	if key == "" {
		return fmt.Errorf("empty sensor key: %w", ErrMalformedEntry)
	}
	if prev, exists := codes[key]; exists {
		return fmt.Errorf("key %q mapped to %d and %d: %w", key, prev, code, ErrDuplicateKey)
	}
	codes[key] = code
	return nil
}

// Lookup returns the sensor-type code for key.
func (t *TypeMap) Lookup(key string) (int, bool) {
	if t == nil {
		return 0, false
	}
	code, ok := t.codes[key]
	return code, ok
}

// Len returns the number of mapped keys.
func (t *TypeMap) Len() int {
	if t == nil {
		return 0
	}
	return len(t.codes)
}

// Keys returns the mapped keys in sorted order.
func (t *TypeMap) Keys() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.codes))
	for k := range t.codes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the map in the "key:int" comma separated form, sorted by key.
func (t *TypeMap) String() string {
	keys := t.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, t.codes[k])
	}
	return strings.Join(parts, ",")
}
