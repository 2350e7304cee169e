package markethours

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestParseTradingHours_Basic(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	sessions := ParseTradingHours("20240115:0930-1600;20240116:0930-1600", loc, nil)

	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}

	want := time.Date(2024, 1, 15, 9, 30, 0, 0, loc)
	if !sessions[0].Start.Equal(want) {
		t.Errorf("Start = %v, want %v", sessions[0].Start, want)
	}
	wantEnd := time.Date(2024, 1, 15, 16, 0, 0, 0, loc)
	if !sessions[0].End.Equal(wantEnd) {
		t.Errorf("End = %v, want %v", sessions[0].End, wantEnd)
	}
}

func TestParseTradingHours_Closed(t *testing.T) {
	sessions := ParseTradingHours("20240113:CLOSED;20240115:0930-1600", time.UTC, nil)
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if !sessions[0].Closed {
		t.Error("first session should be closed")
	}
	if sessions[0].Contains(time.Date(2024, 1, 13, 12, 0, 0, 0, time.UTC)) {
		t.Error("closed session should contain nothing")
	}
}

func TestParseTradingHours_CrossDate(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	sessions := ParseTradingHours("20240115:1700-20240116:1600", loc, nil)
	if len(sessions) != 1 {
		t.Fatalf("len = %d, want 1", len(sessions))
	}

	s := sessions[0]
	if !s.Start.Equal(time.Date(2024, 1, 15, 17, 0, 0, 0, loc)) {
		t.Errorf("Start = %v", s.Start)
	}
	if !s.End.Equal(time.Date(2024, 1, 16, 16, 0, 0, 0, loc)) {
		t.Errorf("End = %v", s.End)
	}
	if !s.Contains(time.Date(2024, 1, 16, 3, 0, 0, 0, loc)) {
		t.Error("overnight time should be inside the session")
	}
}

func TestParseTradingHours_MultipleRanges(t *testing.T) {
	sessions := ParseTradingHours("20240115:0900-1130,1230-1500", time.UTC, nil)
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[1].Start.Hour() != 12 || sessions[1].Start.Minute() != 30 {
		t.Errorf("second range start = %v", sessions[1].Start)
	}
}

func TestParseTradingHours_SkipsInvalid(t *testing.T) {
	sessions := ParseTradingHours("garbage;20240115:0930-1600;2024:bad", time.UTC, nil)
	if len(sessions) != 1 {
		t.Fatalf("len = %d, want 1 (invalid entries skipped)", len(sessions))
	}
}

func TestScheduleStatusAt(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	sc := Schedule{
		Trading: ParseTradingHours("20240115:0400-2000", loc, nil),
		Liquid:  ParseTradingHours("20240115:0930-1600", loc, nil),
	}

	cases := []struct {
		name string
		at   time.Time
		want MarketStatus
	}{
		{"overnight", time.Date(2024, 1, 15, 2, 0, 0, 0, loc), StatusClosed},
		{"pre-market", time.Date(2024, 1, 15, 7, 0, 0, 0, loc), StatusPreMarket},
		{"open", time.Date(2024, 1, 15, 11, 0, 0, 0, loc), StatusOpen},
		{"after-hours", time.Date(2024, 1, 15, 17, 30, 0, 0, loc), StatusAfterHours},
		{"evening", time.Date(2024, 1, 15, 21, 0, 0, 0, loc), StatusClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sc.StatusAt(tc.at); got != tc.want {
				t.Errorf("StatusAt = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestScheduleStatusAt_NoSchedule(t *testing.T) {
	var sc Schedule
	if got := sc.StatusAt(time.Now()); got != StatusUnknown {
		t.Errorf("StatusAt = %s, want UNKNOWN", got)
	}
}

func TestScheduleStatusAt_ExtendedOnlyDay(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	sc := Schedule{
		Trading: ParseTradingHours("20240115:1700-20240116:1600", loc, nil),
	}
	// Futures-style continuous session with no separate liquid hours.
	if got := sc.StatusAt(time.Date(2024, 1, 16, 3, 0, 0, 0, loc)); got != StatusOpen {
		t.Errorf("StatusAt = %s, want OPEN", got)
	}
}
