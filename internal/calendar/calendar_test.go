package calendar

import (
	"testing"
	"time"
)

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"mid-session", time.Date(2026, 7, 29, 10, 0, 0, 0, IST), true},
		{"before-open", time.Date(2026, 7, 29, 9, 0, 0, 0, IST), false},
		{"after-close", time.Date(2026, 7, 29, 15, 31, 0, 0, IST), false},
		{"at-open", time.Date(2026, 7, 29, 9, 15, 0, 0, IST), true},
		{"at-close-boundary", time.Date(2026, 7, 29, 15, 30, 0, 0, IST), false},
		{"sunday", time.Date(2026, 8, 2, 10, 0, 0, 0, IST), false},
		{"republic-day-holiday", time.Date(2026, 1, 26, 10, 0, 0, 0, IST), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsMarketOpen(c.ts); got != c.want {
				t.Errorf("IsMarketOpen(%s) = %v, want %v", c.ts, got, c.want)
			}
		})
	}
}

func TestNextSessionOpen(t *testing.T) {
	fri := time.Date(2026, 1, 30, 16, 0, 0, 0, IST) // Friday after close
	next := NextSessionOpen(fri)
	if next.Weekday() != time.Monday {
		t.Fatalf("expected next open on Monday, got %s", next.Weekday())
	}
	if next.Hour() != OpenHour || next.Minute() != OpenMinute {
		t.Fatalf("expected open at %02d:%02d, got %02d:%02d", OpenHour, OpenMinute, next.Hour(), next.Minute())
	}
}

func TestIsTradingDay(t *testing.T) {
	if IsTradingDay(time.Date(2026, 1, 26, 10, 0, 0, 0, IST)) {
		t.Fatal("republic day should not be a trading day")
	}
	if !IsTradingDay(time.Date(2026, 1, 27, 10, 0, 0, 0, IST)) {
		t.Fatal("ordinary weekday should be a trading day")
	}
}
