// Package presence keeps the current user's activity record fresh and shows
// whether the counterpart is online.
package presence

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// ActiveWindow is how recent a last-active timestamp must be to count as
// online.
const ActiveWindow = 5 * time.Minute

// Status is the counterpart's online state.
type Status int

const (
	Offline Status = iota
	Active
)

func (s Status) String() string {
	if s == Active {
		return "Active Now"
	}
	return "Offline"
}

// Evaluate returns Active when lastActive lies within ActiveWindow of now.
// A zero lastActive is Offline.
func Evaluate(lastActive, now time.Time) Status {
	if lastActive.IsZero() {
		return Offline
	}
	if now.Sub(lastActive) < ActiveWindow {
		return Active
	}
	return Offline
}

// epochMillisFloor separates epoch seconds from epoch milliseconds: 10^12 ms
// is September 2001, 10^12 s is far beyond any plausible date.
const epochMillisFloor = 1e12

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// Normalize converts a stored last-active value into a time. It accepts
// epoch seconds, epoch milliseconds, numeric strings and date strings. ok is
// false for anything else.
func Normalize(v interface{}) (t time.Time, ok bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(x)
	case float32:
		return fromEpoch(float64(x))
	case int:
		return fromEpoch(float64(x))
	case int64:
		return fromEpoch(float64(x))
	case string:
		return parseString(x)
	default:
		return time.Time{}, false
	}
}

// NormalizeJSON decodes raw and normalizes the result.
func NormalizeJSON(raw []byte) (time.Time, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, false
	}
	return Normalize(v)
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	if f < epochMillisFloor {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	}
	return time.UnixMilli(int64(f)), true
}

func parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
