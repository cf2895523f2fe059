package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// MissingCode is the code a field takes when no source key holds a value.
const MissingCode = "Unknown"

// Resolve finds the field's raw value in record and returns it as a code.
// Source keys are tried in order with an exact match first, then a
// case-insensitive pass. A missing, null, or blank value yields MissingCode.
func (f FieldSpec) Resolve(record map[string]any) string {
	for _, key := range f.SourceKeys {
		if value, ok := record[key]; ok && !isBlank(value) {
			return Code(value)
		}
	}
	var names []string
	for _, key := range f.SourceKeys {
		if names == nil {
			names = sortedKeys(record)
		}
		for _, name := range names {
			if value := record[name]; strings.EqualFold(name, key) && !isBlank(value) {
				return Code(value)
			}
		}
	}
	return MissingCode
}

// sortedKeys fixes the order of the case-insensitive pass so records with
// several case variants of a key always resolve the same way.
func sortedKeys(record map[string]any) []string {
	names := make([]string, 0, len(record))
	for name := range record {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}

// Code renders a decoded JSON value as a dictionary code. Integral numbers
// lose any fractional zeroes so 1, 1.0 and "1" all become "1".
func Code(value any) string {
	switch v := value.(type) {
	case nil:
		return MissingCode
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return MissingCode
		}
		return trimmed
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := v.Float64(); err == nil {
			return formatFloat(f)
		}
		return v.String()
	case float64:
		return formatFloat(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
