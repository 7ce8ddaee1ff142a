package data

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
	"02-Jan-2006",
}

// coerce converts a raw document value into the field's kind. The second
// return is false when the value is absent or cannot be parsed; such values
// become null rather than failing the load.
func coerce(kind Kind, raw any) (any, bool) {
	if raw == nil {
		return nil, false
	}
	switch kind {
	case KindCustomerID:
		s, ok := toString(raw)
		if !ok {
			return nil, false
		}
		s = strings.ToUpper(strings.TrimSpace(s))
		return s, s != ""
	case KindNumber:
		f, ok := toFloat(raw)
		return f, ok
	case KindDate:
		t, ok := toTime(raw)
		return t, ok
	default:
		s, ok := toString(raw)
		if !ok {
			return nil, false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
}

func toString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

func toFloat(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "", " ", "", "€", "", "£", "").Replace(strings.TrimSpace(v))
		if cleaned == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return naive(v), true
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, false
		}
		return naive(*v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return naive(t), true
			}
		}
		return time.Time{}, false
	case json.Number, float64, int64, int:
		secs, ok := toFloat(v)
		if !ok || secs <= 0 {
			return time.Time{}, false
		}
		return naive(time.Unix(int64(secs), 0).UTC()), true
	default:
		return time.Time{}, false
	}
}

// naive drops the zone while keeping the wall clock, so timestamps from
// different sources compare on their face value.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Naive exposes the zone-dropping conversion for callers that build an as-of instant.
func Naive(t time.Time) time.Time { return naive(t) }

// StartOfDay truncates a naive timestamp to midnight.
func StartOfDay(t time.Time) time.Time {
	t = naive(t)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
