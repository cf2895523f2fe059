// Package schema is the registry of uploadable census tables: for each table,
// the ordered field specifiers that say where a coded value lives in a raw
// record and which dictionary translates it.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/dictionary"
)

//go:embed tables.yaml
var tablesYAML []byte

// UnknownTableError reports a table name that is not registered.
type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q", e.Name)
}

// FieldSpec describes one categorical field of a table.
type FieldSpec struct {
	SourceKeys    []string `yaml:"keys" json:"sourceKeys"`
	DictionaryKey string   `yaml:"dictionary" json:"dictionaryKey"`
	Bucket        string   `yaml:"bucket" json:"bucket"`
	Label         string   `yaml:"label" json:"label"`
}

// TableSchema is the field list of one uploadable table.
type TableSchema struct {
	Name   string      `yaml:"table" json:"tableName"`
	Fields []FieldSpec `yaml:"fields" json:"fields"`
}

// Buckets returns the output bucket names in field order.
func (t TableSchema) Buckets() []string {
	buckets := make([]string, len(t.Fields))
	for i, field := range t.Fields {
		buckets[i] = field.Bucket
	}
	return buckets
}

// Registry holds every registered table. It is immutable after Load.
type Registry struct {
	order        []string
	tables       map[string]TableSchema
	dictionaries map[string]map[string]dictionary.Dictionary
}

// Load parses table definitions and checks them against the dictionary
// store. Every table needs at least one field and every dictionary key must
// resolve, so a bad asset fails here rather than during an upload.
func Load(definitions []byte, store *dictionary.Store) (*Registry, error) {
	var tables []TableSchema
	if err := yaml.Unmarshal(definitions, &tables); err != nil {
		return nil, fmt.Errorf("parse table definitions: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables defined")
	}

	registry := &Registry{
		order:        make([]string, 0, len(tables)),
		tables:       make(map[string]TableSchema, len(tables)),
		dictionaries: make(map[string]map[string]dictionary.Dictionary, len(tables)),
	}
	for _, table := range tables {
		if err := registry.add(table, store); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) add(table TableSchema, store *dictionary.Store) error {
	name := strings.TrimSpace(table.Name)
	if name == "" {
		return fmt.Errorf("table without a name")
	}
	if _, exists := r.tables[name]; exists {
		return fmt.Errorf("table %s registered twice", name)
	}
	if len(table.Fields) == 0 {
		return fmt.Errorf("table %s has no fields", name)
	}

	resolved := make(map[string]dictionary.Dictionary, len(table.Fields))
	buckets := make(map[string]struct{}, len(table.Fields))
	for i, field := range table.Fields {
		if len(field.SourceKeys) == 0 {
			return fmt.Errorf("table %s field %d has no source keys", name, i)
		}
		if strings.TrimSpace(field.Bucket) == "" || strings.TrimSpace(field.Label) == "" {
			return fmt.Errorf("table %s field %s needs a bucket and a label", name, field.SourceKeys[0])
		}
		if _, dup := buckets[field.Bucket]; dup {
			return fmt.Errorf("table %s uses bucket %q twice", name, field.Bucket)
		}
		buckets[field.Bucket] = struct{}{}

		dict, err := store.Lookup(name, field.DictionaryKey)
		if err != nil {
			return fmt.Errorf("table %s field %s: %w", name, field.SourceKeys[0], err)
		}
		resolved[field.DictionaryKey] = dict
	}

	table.Name = name
	r.order = append(r.order, name)
	r.tables[name] = table
	r.dictionaries[name] = resolved
	return nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default builds the registry from the embedded assets once.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		store, err := dictionary.Default()
		if err != nil {
			defaultErr = fmt.Errorf("load dictionaries: %w", err)
			return
		}
		defaultRegistry, defaultErr = Load(tablesYAML, store)
	})
	return defaultRegistry, defaultErr
}

// MustDefault is Default for program startup.
func MustDefault() *Registry {
	registry, err := Default()
	if err != nil {
		panic("schema registry: " + err.Error())
	}
	return registry
}

// Get returns the schema for name or an *UnknownTableError.
func (r *Registry) Get(name string) (TableSchema, error) {
	table, ok := r.tables[name]
	if !ok {
		return TableSchema{}, &UnknownTableError{Name: name}
	}
	return table, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tables[name]
	return ok
}

// Tables returns the registered names in definition order.
func (r *Registry) Tables() []string {
	return append([]string(nil), r.order...)
}

// Dictionary returns the dictionary a table field refers to.
func (r *Registry) Dictionary(table, key string) (dictionary.Dictionary, error) {
	byKey, ok := r.dictionaries[table]
	if !ok {
		return dictionary.Dictionary{}, &UnknownTableError{Name: table}
	}
	dict, ok := byKey[key]
	if !ok {
		return dictionary.Dictionary{}, fmt.Errorf("%w: %s.%s", dictionary.ErrNotFound, table, key)
	}
	return dict, nil
}
