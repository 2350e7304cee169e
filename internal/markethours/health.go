package markethours

import "time"

// HealthStatus classifies a tracked contract's data health.
type HealthStatus string

const (
	Healthy   HealthStatus = "HEALTHY"
	Degraded  HealthStatus = "DEGRADED"
	Unhealthy HealthStatus = "UNHEALTHY"
	OffHours  HealthStatus = "OFF_HOURS"
	Unknown   HealthStatus = "UNKNOWN"
)

// healthRank orders statuses from best to worst for aggregation.
// OFF_HOURS ranks better than DEGRADED.
var healthRank = map[HealthStatus]int{
	Healthy:   0,
	OffHours:  1,
	Unknown:   2,
	Degraded:  3,
	Unhealthy: 4,
}

// Worst returns the worse of two health statuses.
func Worst(a, b HealthStatus) HealthStatus {
	if healthRank[b] > healthRank[a] {
		return b
	}
	return a
}

// Aggregate returns the overall system health: the worst of all
// per-contract statuses, HEALTHY when the list is empty.
func Aggregate(statuses []HealthStatus) HealthStatus {
	overall := Healthy
	for _, s := range statuses {
		overall = Worst(overall, s)
	}
	return overall
}

// HealthInput carries the observations health is computed from.
type HealthInput struct {
	Market           MarketStatus
	ConnectionIssues bool
	ActiveStreams    int
	ExpectedStreams  int
	HasData          bool
	Staleness        time.Duration // Age of the most recent tick; meaningful iff HasData
	Threshold        time.Duration // Regular-hours staleness threshold
}

// Unhealthy/degraded staleness limits from the health rules.
const (
	openUnhealthyAfter    = 30 * time.Minute
	extendedDegradedAfter = 60 * time.Minute
)

// Compute classifies a tracked contract's health.
func Compute(in HealthInput) HealthStatus {
	if in.ConnectionIssues {
		return Unhealthy
	}
	if in.Market == StatusClosed {
		return OffHours
	}
	if in.Market == StatusUnknown {
		return Unknown
	}
	if in.ActiveStreams < in.ExpectedStreams {
		return Degraded
	}

	staleness := in.Staleness
	if !in.HasData {
		// Never seen a tick: treat as stale since forever.
		staleness = openUnhealthyAfter + extendedDegradedAfter
	}

	if in.Market == StatusOpen {
		switch {
		case staleness > openUnhealthyAfter:
			return Unhealthy
		case staleness > in.Threshold:
			return Degraded
		}
		return Healthy
	}

	// PRE_MARKET / AFTER_HOURS
	if staleness > extendedDegradedAfter {
		return Degraded
	}
	return Healthy
}

// StalenessThreshold relaxes the base threshold by market phase:
// unchanged during regular hours, 3x during extended hours, 10x closed.
func StalenessThreshold(base time.Duration, status MarketStatus) time.Duration {
	switch status {
	case StatusPreMarket, StatusAfterHours:
		return 3 * base
	case StatusClosed:
		return 10 * base
	}
	return base
}
