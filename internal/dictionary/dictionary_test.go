package dictionary

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStoreLoadsEveryTable(t *testing.T) {
	store, err := Default()
	require.NoError(t, err)
	assert.Len(t, store.Tables(), 24)

	gender, err := store.Lookup("Institutions", "Gender")
	require.NoError(t, err)
	label, ok := gender.Label("1")
	require.True(t, ok)
	assert.Equal(t, "Boys Institution", label)
	assert.Equal(t, []string{"0", "1", "2", "3"}, gender.Codes())
}

func TestLookupUnknownTableAndKey(t *testing.T) {
	store, err := Default()
	require.NoError(t, err)

	_, err = store.Lookup("Nope", "Gender")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = store.Lookup("Institutions", "Nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnknownIsNotAnImplicitCode(t *testing.T) {
	store, err := Default()
	require.NoError(t, err)

	for _, table := range store.Tables() {
		for _, key := range store.Keys(table) {
			dictionary, err := store.Lookup(table, key)
			require.NoError(t, err)
			_, ok := dictionary.Label("Unknown")
			assert.False(t, ok, "%s.%s defines the literal Unknown code", table, key)
		}
	}
}

func TestLoadRejectsBadIncludes(t *testing.T) {
	fsys := fstest.MapFS{
		"shared.yaml":   {Data: []byte("YesNo:\n  \"1\": \"Yes\"\n")},
		"tables/T.yaml": {Data: []byte("table: T\ninclude:\n  Flag: Missing\n")},
	}
	_, err := Load(fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown shared dictionary")
}

func TestLoadRejectsDuplicateKey(t *testing.T) {
	fsys := fstest.MapFS{
		"shared.yaml": {Data: []byte("YesNo:\n  \"1\": \"Yes\"\n")},
		"tables/T.yaml": {Data: []byte(
			"table: T\ninclude:\n  Flag: YesNo\ndictionaries:\n  Flag:\n    \"1\": One\n",
		)},
	}
	_, err := Load(fsys)
	require.Error(t, err)
}

func TestDictionaryIsImmutable(t *testing.T) {
	entries := map[string]string{"1": "One"}
	dictionary := NewDictionary(entries)
	entries["1"] = "Changed"

	copied := dictionary.Entries()
	copied["2"] = "Two"

	label, _ := dictionary.Label("1")
	assert.Equal(t, "One", label)
	assert.Equal(t, 1, dictionary.Len())
}
