package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/nicktill/availo/pkg/config"
)

// DateLayout is the YYYY-MM-DD form used by history and aggregate dates.
const DateLayout = "2006-01-02"

var (
	// ErrInvalidRange is returned when start is not before end.
	ErrInvalidRange = errors.New("start must be before end")

	// ErrRangeTooLarge is returned when a window exceeds its maximum.
	ErrRangeTooLarge = errors.New("time range too large")
)

// TimeRange is a validated [Start, End] window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ParseTime parses a query parameter given as Unix seconds (fractions
// allowed) or RFC 3339. An empty value yields def.
func ParseTime(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}

	if unix, err := strconv.ParseFloat(param, 64); err == nil {
		sec := int64(unix)
		nsec := int64((unix - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339Nano, param); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("invalid time %q: want unix seconds or RFC3339", param)
}

// ParseRange reads start and end from q. end defaults to now and start to
// end minus window; the result may span at most maxWindow.
func ParseRange(q url.Values, now time.Time, window, maxWindow time.Duration) (TimeRange, error) {
	end, err := ParseTime(q.Get("end"), now)
	if err != nil {
		return TimeRange{}, err
	}
	start, err := ParseTime(q.Get("start"), end.Add(-window))
	if err != nil {
		return TimeRange{}, err
	}

	if !start.Before(end) {
		return TimeRange{}, ErrInvalidRange
	}
	if maxWindow > 0 && end.Sub(start) > maxWindow {
		return TimeRange{}, fmt.Errorf("%w: %v exceeds %v", ErrRangeTooLarge, end.Sub(start), maxWindow)
	}
	return TimeRange{Start: start, End: end}, nil
}

// ParseLimit reads a positive limit capped at config.HistoryMaxLimit.
func ParseLimit(param string, def int) (int, error) {
	if param == "" {
		return def, nil
	}
	n, err := strconv.Atoi(param)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q: want a positive integer", param)
	}
	if n > config.HistoryMaxLimit {
		n = config.HistoryMaxLimit
	}
	return n, nil
}

// ParseDate validates a YYYY-MM-DD date. An empty value yields def.
func ParseDate(param, def string) (string, error) {
	if param == "" {
		return def, nil
	}
	if _, err := time.Parse(DateLayout, param); err != nil {
		return "", fmt.Errorf("invalid date %q: want YYYY-MM-DD", param)
	}
	return param, nil
}
