package token

import (
	"strconv"
	"strings"
	"time"
)

var ttlUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseTTL accepts raw seconds ("3600") or a number with a single unit
// suffix: s, m, h or d ("30m", "7d").
func ParseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidExpiration
	}

	unit := time.Second
	number := raw
	if last := raw[len(raw)-1]; last < '0' || last > '9' {
		scale, ok := ttlUnits[last]
		if !ok {
			return 0, ErrInvalidExpiration
		}
		unit = scale
		number = strings.TrimSpace(raw[:len(raw)-1])
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil || value <= 0 {
		return 0, ErrInvalidExpiration
	}
	if value > int64(1<<62)/int64(unit) {
		return 0, ErrInvalidExpiration
	}
	return time.Duration(value) * unit, nil
}
