// Package settingsmeta holds the static, read-only metadata table describing
// how each setting key is labelled, edited and bounded. The table is loaded once
// at startup and never mutated afterwards.
package settingsmeta

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTable []byte

// Table is an immutable lookup from setting key to Meta.
// The zero value and a nil *Table are both valid empty tables.
type Table struct {
	entries map[string]Meta
	order   []string
}

type tableFile struct {
	Settings []Meta `yaml:"settings"`
}

// Load parses a YAML metadata document
func Load(r io.Reader) (*Table, error) {
	var file tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode settings metadata: %w", err)
	}

	t := &Table{entries: make(map[string]Meta, len(file.Settings))}
	for i := range file.Settings {
		m := file.Settings[i]
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.entries[m.Key]; dup {
			return nil, fmt.Errorf("duplicate metadata for setting %s", m.Key)
		}
		t.entries[m.Key] = m
		t.order = append(t.order, m.Key)
	}
	return t, nil
}

// LoadFile reads a metadata table from path
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings metadata: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the table compiled into the binary
func Default() *Table {
	t, err := Load(bytes.NewReader(defaultTable))
	if err != nil {
		panic(fmt.Sprintf("embedded settings metadata is invalid: %v", err))
	}
	return t
}

// Get returns the metadata for key. Callers receive a copy.
func (t *Table) Get(key string) (Meta, bool) {
	if t == nil {
		return Meta{}, false
	}
	m, ok := t.entries[key]
	return m, ok
}

// Keys returns all keys in document order
func (t *Table) Keys() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.order...)
}

// All returns every entry sorted by key
func (t *Table) All() []Meta {
	if t == nil {
		return nil
	}
	out := make([]Meta, 0, len(t.entries))
	for _, m := range t.entries {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of entries
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
