package aggregate

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	registry, err := schema.Default()
	require.NoError(t, err)
	return New(registry)
}

func TestGenderExample(t *testing.T) {
	engine := newEngine(t)
	records := []map[string]any{
		{"Gender_Id": "1"},
		{"Gender_Id": "9"},
		{"Gender_Id": "1"},
	}

	result, err := engine.Aggregate("Institutions", records)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalRecords)
	assert.Equal(t, Bucket{"Boys Institution": 2, "Unknown Gender Id (9)": 1}, result.Buckets["Institution Gender"])
	assert.True(t, HasUnknowns(result))
	assert.Contains(t, UnknownDimensions(result), "Institution Gender")
}

func TestUnknownTable(t *testing.T) {
	engine := newEngine(t)
	_, err := engine.Aggregate("Nope", nil)
	var unknown *schema.UnknownTableError
	assert.ErrorAs(t, err, &unknown)
}

func TestEmptyRecords(t *testing.T) {
	engine := newEngine(t)
	result, err := engine.Aggregate("Repeaters", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, result.TotalRecords)
	assert.Equal(t, []string{"Repeater Gender", "Class"}, result.Order)
	for _, name := range result.Order {
		assert.Empty(t, result.Buckets[name])
	}
	assert.False(t, HasUnknowns(result))
}

func fullyMapped() []map[string]any {
	return []map[string]any{
		{"Gender_Id": json.Number("1"), "Class_Id": "2"},
		{"gender_id": "2", "class_id": 3.0},
		{"Gender_Id": "0", "Class_Id": "13"},
	}
}

func TestTotalConservation(t *testing.T) {
	engine := newEngine(t)
	rng := rand.New(rand.NewSource(7))

	for _, table := range []string{"Institutions", "Teachers_Profile", "Student_Profile", "Basic_Facilities"} {
		spec, err := engine.registry.Get(table)
		require.NoError(t, err)

		records := make([]map[string]any, 250)
		for i := range records {
			record := map[string]any{}
			for _, field := range spec.Fields {
				switch rng.Intn(4) {
				case 0:
					record[field.SourceKeys[0]] = fmt.Sprint(rng.Intn(12))
				case 1:
					record[field.SourceKeys[len(field.SourceKeys)-1]] = json.Number(fmt.Sprint(rng.Intn(5)))
				case 2:
					record[field.SourceKeys[0]] = nil
				}
			}
			records[i] = record
		}

		result, err := engine.Aggregate(table, records)
		require.NoError(t, err)
		for _, name := range result.Order {
			assert.Equal(t, len(records), result.Buckets[name].Total(), "%s/%s", table, name)
		}
	}
}

func TestUnknownDetectionSoundness(t *testing.T) {
	engine := newEngine(t)

	clean, err := engine.Aggregate("Repeaters", fullyMapped())
	require.NoError(t, err)
	assert.False(t, HasUnknowns(clean))
	assert.Empty(t, UnknownDimensions(clean))

	records := fullyMapped()
	records[1]["class_id"] = "99"
	dirty, err := engine.Aggregate("Repeaters", records)
	require.NoError(t, err)
	assert.True(t, HasUnknowns(dirty))
	assert.Equal(t, []string{"Class"}, UnknownDimensions(dirty))
	assert.Equal(t, map[string]int{"Unknown Class Id (99)": 1}, UnknownLabels(dirty.Buckets["Class"]))
}

func TestMissingFieldIsDistinctFromZero(t *testing.T) {
	engine := newEngine(t)
	result, err := engine.Aggregate("Repeaters", []map[string]any{
		{"Gender_Id": "0", "Class_Id": "2"},
		{"Class_Id": "2"},
	})
	require.NoError(t, err)

	assert.Equal(t, Bucket{"Not Reported": 1, "Unknown Gender Id (Unknown)": 1}, result.Buckets["Repeater Gender"])
	assert.True(t, HasUnknowns(result))
}

func TestIdempotentAggregation(t *testing.T) {
	engine := newEngine(t)
	records := fullyMapped()

	first, err := engine.Aggregate("Repeaters", records)
	require.NoError(t, err)
	second, err := engine.Aggregate("Repeaters", records)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("aggregation changed between calls (-first +second):\n%s", diff)
	}
}

func TestCaseVariantKeysResolveStably(t *testing.T) {
	engine := newEngine(t)
	records := []map[string]any{{"GENDER_ID": "1", "gender_ID": "9"}}

	for i := 0; i < 200; i++ {
		result, err := engine.Aggregate("Institutions", records)
		require.NoError(t, err)
		if !assert.Equal(t, Bucket{"Boys Institution": 1}, result.Buckets["Institution Gender"], "run %d", i) {
			return
		}
		require.False(t, HasUnknowns(result), "run %d", i)
	}
}

func TestGateMonotonicity(t *testing.T) {
	engine := newEngine(t)
	records := fullyMapped()

	for _, code := range []string{"1", "42", "2", "7", "0"} {
		records[0]["Gender_Id"] = code
		result, err := engine.Aggregate("Repeaters", records)
		require.NoError(t, err)

		_, known := map[string]bool{"0": true, "1": true, "2": true, "3": true}[code]
		assert.Equal(t, !known, HasUnknowns(result), "code %s", code)
	}
}

func TestIsFallback(t *testing.T) {
	assert.True(t, IsFallback("Unknown Gender Id (9)"))
	assert.True(t, IsFallback(FallbackLabel("Nature Of Job", "Unknown")))
	assert.False(t, IsFallback("Unknown"))
	assert.False(t, IsFallback("Not Reported"))
	assert.False(t, IsFallback("Unknown Gender"))

	result := Result{Buckets: map[string]Bucket{"Status": {"Unknown": 4}}, Order: []string{"Status"}}
	assert.False(t, HasUnknowns(result))
}

func TestSortedLabels(t *testing.T) {
	bucket := Bucket{
		"Urban":                   3,
		"Rural":                   2,
		"Unknown Location Id (8)": 1,
		"Not Reported":            1,
	}
	assert.Equal(t, []string{"Unknown Location Id (8)", "Not Reported", "Rural", "Urban"}, SortedLabels(bucket))
}
