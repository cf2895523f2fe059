package aggregate

// HasUnknowns reports whether any bucket of result holds a fallback label.
func HasUnknowns(result Result) bool {
	for _, bucket := range result.Buckets {
		for label, count := range bucket {
			if count > 0 && IsFallback(label) {
				return true
			}
		}
	}
	return false
}

// UnknownDimensions returns the buckets that hold fallback labels, in the
// result's field order.
func UnknownDimensions(result Result) []string {
	var dimensions []string
	seen := make(map[string]struct{}, len(result.Buckets))
	for _, name := range result.Order {
		seen[name] = struct{}{}
		if bucketHasFallback(result.Buckets[name]) {
			dimensions = append(dimensions, name)
		}
	}
	// Buckets outside Order only appear in hand-built results.
	for name, bucket := range result.Buckets {
		if _, ok := seen[name]; ok {
			continue
		}
		if bucketHasFallback(bucket) {
			dimensions = append(dimensions, name)
		}
	}
	return dimensions
}

// UnknownLabels returns the fallback labels of one bucket with their counts.
func UnknownLabels(bucket Bucket) map[string]int {
	labels := map[string]int{}
	for label, count := range bucket {
		if IsFallback(label) {
			labels[label] = count
		}
	}
	return labels
}

func bucketHasFallback(bucket Bucket) bool {
	for label, count := range bucket {
		if count > 0 && IsFallback(label) {
			return true
		}
	}
	return false
}
