package config

import "time"

// Safe type assertion helpers for the dynamic parameter maps handed to
// source and observer factories.

// GetString safely extracts a string value from a parameter map.
func GetString(params map[string]any, key string, defaultVal string) string {
	if val, ok := params[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// GetInt safely extracts an integer value from a parameter map.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case int32:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultVal
}

// GetFloat64 safely extracts a float64 value from a parameter map.
func GetFloat64(params map[string]any, key string, defaultVal float64) float64 {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case int32:
			return float64(v)
		}
	}
	return defaultVal
}

// GetBool safely extracts a boolean value from a parameter map.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if val, ok := params[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetStringSlice safely extracts a string slice from a parameter map.
// YAML sequences decode as []any, so both forms are accepted.
func GetStringSlice(params map[string]any, key string, defaultVal []string) []string {
	if val, ok := params[key]; ok {
		if slice, ok := val.([]string); ok {
			return slice
		}
		if anySlice, ok := val.([]any); ok {
			result := make([]string, 0, len(anySlice))
			for _, item := range anySlice {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			if len(result) == len(anySlice) {
				return result
			}
		}
	}
	return defaultVal
}

// GetDuration safely extracts a duration from a parameter map, accepting a
// duration string or a bare number of seconds.
func GetDuration(params map[string]any, key string, defaultVal time.Duration) time.Duration {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case string:
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed
			}
		case int:
			return time.Duration(v) * time.Second
		case int64:
			return time.Duration(v) * time.Second
		case float64:
			return time.Duration(v * float64(time.Second))
		}
	}
	return defaultVal
}

// HasKey reports whether a key is present in a parameter map.
func HasKey(params map[string]any, key string) bool {
	_, ok := params[key]
	return ok
}
