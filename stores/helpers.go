package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime converts whatever the driver returned for a timestamp column.
func scanTime(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t, true
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// scanTimePtr maps NULL to nil. A value that cannot be read as a timestamp
// is an error, never a missing bound.
func scanTimePtr(raw interface{}) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	t, ok := scanTime(raw)
	if !ok {
		return nil, fmt.Errorf("unreadable timestamp %v", raw)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqlNullTimeOrNil(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
