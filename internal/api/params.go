package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lakowske/ib-stream/internal/model"
)

// Parameter bounds.
const (
	minLimit       = 1
	maxLimit       = 10000
	minTimeoutSec  = 5
	maxTimeoutSec  = 3600
	defaultWindowH = 24
)

var bufferDurationRE = regexp.MustCompile(`^(\d+)([smhd])$`)

var durationUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: msg})
}

func parseContractID(c echo.Context) (int64, error) {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil || cid < 1 {
		return 0, fmt.Errorf("contract id must be a positive integer")
	}
	return cid, nil
}

// parseTickTypes parses a comma list. Empty input returns all four
// when allowAll is set.
func parseTickTypes(raw string, allowAll bool) ([]model.TickType, error) {
	if strings.TrimSpace(raw) == "" {
		if allowAll {
			return append([]model.TickType(nil), model.AllTickTypes...), nil
		}
		return nil, fmt.Errorf("tick_types is required")
	}

	seen := make(map[model.TickType]bool)
	var out []model.TickType
	for _, part := range strings.Split(raw, ",") {
		tt, err := model.ParseTickType(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if seen[tt] {
			return nil, fmt.Errorf("duplicate tick type %q", tt)
		}
		seen[tt] = true
		out = append(out, tt)
	}
	return out, nil
}

// parseLimit validates limit in [1, 10000]. Empty means no limit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("limit must be an integer")
	}
	if n < minLimit || n > maxLimit {
		return 0, fmt.Errorf("limit must be in [%d, %d]", minLimit, maxLimit)
	}
	return n, nil
}

// parseTimeout validates timeout seconds in [5, 3600]. Empty means no
// client-requested deadline.
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("timeout must be an integer number of seconds")
	}
	if n < minTimeoutSec || n > maxTimeoutSec {
		return 0, fmt.Errorf("timeout must be in [%d, %d] seconds", minTimeoutSec, maxTimeoutSec)
	}
	return time.Duration(n) * time.Second, nil
}

// parseBufferDuration parses the (\d+)[smhd] window syntax.
func parseBufferDuration(raw string) (time.Duration, error) {
	m := bufferDurationRE.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("buffer_duration must match (digits)[smhd], e.g. 1h")
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("buffer_duration must be positive")
	}
	return time.Duration(n) * durationUnits[m[2]], nil
}

// parseRangeWindow resolves start_time plus end_time or duration, with
// an optional tz applied to timestamps lacking an offset.
func parseRangeWindow(c echo.Context) (start, end time.Time, err error) {
	loc := time.UTC
	if tz := c.QueryParam("tz"); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return start, end, fmt.Errorf("unknown tz %q", tz)
		}
	}

	start, err = parseTimeIn(c.QueryParam("start_time"), loc)
	if err != nil {
		return start, end, fmt.Errorf("start_time: %w", err)
	}

	endRaw := c.QueryParam("end_time")
	durRaw := c.QueryParam("duration")
	switch {
	case endRaw != "" && durRaw != "":
		return start, end, fmt.Errorf("end_time and duration are mutually exclusive")
	case endRaw != "":
		end, err = parseTimeIn(endRaw, loc)
		if err != nil {
			return start, end, fmt.Errorf("end_time: %w", err)
		}
	case durRaw != "":
		d, derr := parseBufferDuration(durRaw)
		if derr != nil {
			return start, end, fmt.Errorf("duration: %w", derr)
		}
		end = start.Add(d)
	default:
		end = time.Now()
	}

	if !end.After(start) {
		return start, end, fmt.Errorf("end must be after start")
	}
	return start, end, nil
}

// parseTimeIn accepts RFC3339, with or without an explicit offset.
func parseTimeIn(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp: %q", raw)
	}
	return t, nil
}
