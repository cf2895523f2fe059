// Package dictionary holds the code-to-label lists used to translate coded
// census fields into display labels. The lists ship as embedded YAML assets
// and are read-only once loaded.
package dictionary

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/shared.yaml data/tables/*.yaml
var assets embed.FS

// ErrNotFound is returned when a table or dictionary key is not in the store.
var ErrNotFound = errors.New("dictionary not found")

// Dictionary maps a code (a small integer carried as a string) to its label.
type Dictionary struct {
	entries map[string]string
}

// NewDictionary copies entries into an immutable Dictionary.
func NewDictionary(entries map[string]string) Dictionary {
	copied := make(map[string]string, len(entries))
	for code, label := range entries {
		copied[code] = label
	}
	return Dictionary{entries: copied}
}

// Label returns the label for code.
func (d Dictionary) Label(code string) (string, bool) {
	label, ok := d.entries[code]
	return label, ok
}

// Len returns the number of codes.
func (d Dictionary) Len() int {
	return len(d.entries)
}

// Codes returns the codes in numeric order where possible.
func (d Dictionary) Codes() []string {
	codes := make([]string, 0, len(d.entries))
	for code := range d.entries {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if len(codes[i]) != len(codes[j]) {
			return len(codes[i]) < len(codes[j])
		}
		return codes[i] < codes[j]
	})
	return codes
}

// Entries returns a copy of the code-to-label map.
func (d Dictionary) Entries() map[string]string {
	copied := make(map[string]string, len(d.entries))
	for code, label := range d.entries {
		copied[code] = label
	}
	return copied
}

// Store is the set of dictionaries for every table.
type Store struct {
	tables map[string]map[string]Dictionary
}

type tableFile struct {
	Table        string                       `yaml:"table"`
	Include      map[string]string            `yaml:"include"`
	Dictionaries map[string]map[string]string `yaml:"dictionaries"`
}

// Load parses shared.yaml and tables/*.yaml from fsys.
func Load(fsys fs.FS) (*Store, error) {
	shared := map[string]map[string]string{}
	raw, err := fs.ReadFile(fsys, "shared.yaml")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read shared dictionaries: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(raw, &shared); err != nil {
			return nil, fmt.Errorf("parse shared dictionaries: %w", err)
		}
	}

	files, err := fs.Glob(fsys, "tables/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list table dictionaries: %w", err)
	}

	store := &Store{tables: make(map[string]map[string]Dictionary, len(files))}
	for _, file := range files {
		contents, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		var parsed tableFile
		if err := yaml.Unmarshal(contents, &parsed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		table := strings.TrimSpace(parsed.Table)
		if table == "" {
			table = strings.TrimSuffix(path.Base(file), ".yaml")
		}
		if _, exists := store.tables[table]; exists {
			return nil, fmt.Errorf("table %s defined twice", table)
		}

		dictionaries := make(map[string]Dictionary, len(parsed.Include)+len(parsed.Dictionaries))
		for key, sharedName := range parsed.Include {
			entries, ok := shared[sharedName]
			if !ok {
				return nil, fmt.Errorf("%s: include %s refers to unknown shared dictionary %q", table, key, sharedName)
			}
			dictionaries[key] = NewDictionary(entries)
		}
		for key, entries := range parsed.Dictionaries {
			if _, exists := dictionaries[key]; exists {
				return nil, fmt.Errorf("%s: dictionary %s is both included and defined", table, key)
			}
			if len(entries) == 0 {
				return nil, fmt.Errorf("%s: dictionary %s is empty", table, key)
			}
			dictionaries[key] = NewDictionary(entries)
		}
		store.tables[table] = dictionaries
	}
	return store, nil
}

var (
	defaultOnce  sync.Once
	defaultStore *Store
	defaultErr   error
)

// Default returns the store built from the embedded assets.
func Default() (*Store, error) {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(assets, "data")
		if err != nil {
			defaultErr = err
			return
		}
		defaultStore, defaultErr = Load(sub)
	})
	return defaultStore, defaultErr
}

// Lookup returns the dictionary registered for (table, key).
func (s *Store) Lookup(table, key string) (Dictionary, error) {
	dictionaries, ok := s.tables[table]
	if !ok {
		return Dictionary{}, fmt.Errorf("%w: table %s", ErrNotFound, table)
	}
	dictionary, ok := dictionaries[key]
	if !ok {
		return Dictionary{}, fmt.Errorf("%w: %s.%s", ErrNotFound, table, key)
	}
	return dictionary, nil
}

// Tables returns the table names that have dictionaries, sorted.
func (s *Store) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns the dictionary keys of one table, sorted.
func (s *Store) Keys(table string) []string {
	dictionaries := s.tables[table]
	keys := make([]string, 0, len(dictionaries))
	for key := range dictionaries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
