package markethours

import (
	"log/slog"
	"strings"
	"time"
)

// MarketStatus classifies where "now" falls in a contract's schedule.
type MarketStatus string

const (
	StatusOpen       MarketStatus = "OPEN"
	StatusPreMarket  MarketStatus = "PRE_MARKET"
	StatusAfterHours MarketStatus = "AFTER_HOURS"
	StatusClosed     MarketStatus = "CLOSED"
	StatusUnknown    MarketStatus = "UNKNOWN"
)

// TradingSession is one contiguous session from a trading-hours string.
type TradingSession struct {
	Date   string // YYYYMMDD as given upstream
	Start  time.Time
	End    time.Time
	Closed bool // YYYYMMDD:CLOSED entry
}

// Contains reports whether t falls within the session.
func (s TradingSession) Contains(t time.Time) bool {
	if s.Closed {
		return false
	}
	return !t.Before(s.Start) && t.Before(s.End)
}

// Schedule holds a contract's parsed trading (extended) and liquid
// (regular) sessions.
type Schedule struct {
	Trading []TradingSession
	Liquid  []TradingSession
}

// ParseTradingHours parses the upstream trading-hours format:
//
//	YYYYMMDD:HHMM-HHMM[,HHMM-HHMM]...;YYYYMMDD:CLOSED;...
//
// The end of a range may carry its own date (HHMM-YYYYMMDD:HHMM) for
// sessions that cross midnight. Invalid entries are skipped with a
// warning rather than failing the whole parse.
func ParseTradingHours(spec string, loc *time.Location, logger *slog.Logger) []TradingSession {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}

	var sessions []TradingSession
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		date, rest, found := strings.Cut(entry, ":")
		if !found || len(date) != 8 {
			logger.Warn("skipping malformed trading-hours entry", "entry", entry)
			continue
		}

		if rest == "CLOSED" {
			sessions = append(sessions, TradingSession{Date: date, Closed: true})
			continue
		}

		for _, rng := range strings.Split(rest, ",") {
			s, ok := parseRange(date, rng, loc)
			if !ok {
				logger.Warn("skipping malformed trading-hours range", "date", date, "range", rng)
				continue
			}
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// parseRange parses "HHMM-HHMM" or "HHMM-YYYYMMDD:HHMM" against a date.
func parseRange(date, rng string, loc *time.Location) (TradingSession, bool) {
	startRaw, endRaw, found := strings.Cut(rng, "-")
	if !found {
		return TradingSession{}, false
	}

	start, err := time.ParseInLocation("200601021504", date+startRaw, loc)
	if err != nil {
		return TradingSession{}, false
	}

	endDate := date
	if d, t, cross := strings.Cut(endRaw, ":"); cross {
		endDate, endRaw = d, t
		if len(endDate) != 8 {
			return TradingSession{}, false
		}
	}
	end, err := time.ParseInLocation("200601021504", endDate+endRaw, loc)
	if err != nil {
		return TradingSession{}, false
	}

	if !end.After(start) {
		return TradingSession{}, false
	}
	return TradingSession{Date: date, Start: start, End: end}, true
}

// StatusAt classifies t against the schedule. Extended-hours sessions
// before the day's first liquid session are PRE_MARKET; after the last,
// AFTER_HOURS.
func (sc Schedule) StatusAt(t time.Time) MarketStatus {
	if len(sc.Trading) == 0 && len(sc.Liquid) == 0 {
		return StatusUnknown
	}

	for _, s := range sc.Liquid {
		if s.Contains(t) {
			return StatusOpen
		}
	}

	for _, s := range sc.Trading {
		if !s.Contains(t) {
			continue
		}
		// Inside extended hours. Pre vs post follows the liquid session
		// on the same date when one exists.
		for _, liq := range sc.Liquid {
			if liq.Closed || liq.Date != s.Date {
				continue
			}
			if t.Before(liq.Start) {
				return StatusPreMarket
			}
			return StatusAfterHours
		}
		// No liquid session that day; extended-only trading counts as open.
		return StatusOpen
	}

	return StatusClosed
}
