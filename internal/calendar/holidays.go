package calendar

import "time"

// nseHolidays is the embedded NSE/BSE trading holiday list. Source: NSE
// India official holiday calendar. Format: year, month, day.
var nseHolidays = []struct {
	year  int
	month time.Month
	day   int
}{
	{2026, time.January, 26},
	{2026, time.February, 17},
	{2026, time.March, 14},
	{2026, time.March, 31},
	{2026, time.April, 2},
	{2026, time.April, 6},
	{2026, time.April, 10},
	{2026, time.April, 14},
	{2026, time.May, 1},
	{2026, time.June, 7},
	{2026, time.July, 6},
	{2026, time.August, 15},
	{2026, time.August, 16},
	{2026, time.September, 5},
	{2026, time.October, 2},
	{2026, time.October, 20},
	{2026, time.October, 21},
	{2026, time.November, 5},
	{2026, time.November, 6},
	{2026, time.November, 7},
	{2026, time.November, 19},
	{2026, time.December, 25},
}

var holidaySet map[string]bool

func init() {
	holidaySet = make(map[string]bool, len(nseHolidays))
	for _, h := range nseHolidays {
		holidaySet[dateKey(h.year, h.month, h.day)] = true
	}
}

// IsHoliday reports whether the date of t, in IST, is an exchange holiday.
func IsHoliday(t time.Time) bool {
	ist := t.In(IST)
	return holidaySet[dateKey(ist.Year(), ist.Month(), ist.Day())]
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, IST).Format("2006-01-02")
}
