package measurement

import "strconv"

// ParseScalar types a raw ASCII value by trial: int, then float, then
// bool, falling back to the original string. Wire sources use it to turn
// protocol text into typed fields.
func ParseScalar(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
