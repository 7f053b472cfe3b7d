// Package flatten converts nested JSON-style maps into flat dotted-key
// field sets. Message-bus and HTTP sources use it to turn arbitrary
// payloads into scalar measurement fields.
package flatten

import (
	"fmt"
	"sort"
)

// Map flattens nested maps into dotted keys ("ccd.temperature"). Arrays
// and nested non-map composites are skipped. Keys whose final segment is
// listed in groupers are additionally returned as string groupings, which
// callers lift into measurement tags.
func Map(data map[string]any, groupers []string) (map[string]any, map[string]string) {
	fields := make(map[string]any)
	groupings := make(map[string]string)
	walk(data, "", groupers, fields, groupings)
	return fields, groupings
}

func walk(data map[string]any, prefix string, groupers []string,
	fields map[string]any, groupings map[string]string,
) {
	for key, value := range data {
		flatKey := key
		if prefix != "" {
			flatKey = prefix + "." + key
		}

		switch v := value.(type) {
		case map[string]any:
			walk(v, flatKey, groupers, fields, groupings)
		case []any:
			// Arrays have no scalar representation; drop them.
		case nil:
		default:
			fields[flatKey] = v
			if isGrouper(key, groupers) {
				groupings[key] = fmt.Sprint(v)
			}
		}
	}
}

func isGrouper(key string, groupers []string) bool {
	for _, g := range groupers {
		if g == key {
			return true
		}
	}
	return false
}

// Keys returns the sorted field keys, for deterministic measurement field
// order from unordered maps.
func Keys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
