package profile

import (
	"testing"
	"time"
)

func TestCalendarContext(t *testing.T) {
	tests := []struct {
		now  time.Time
		want string
	}{
		{
			time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
			"Current date: 2025-04-30, Current year: 2025, Previous year: 2024, Current quarter: 2025 Q2, Previous quarter: 2025 Q1, Current month: 2025-04, Previous month: 2025-03",
		},
		{
			time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
			"Current date: 2025-01-15, Current year: 2025, Previous year: 2024, Current quarter: 2025 Q1, Previous quarter: 2024 Q4, Current month: 2025-01, Previous month: 2024-12",
		},
		{
			time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
			"Current date: 2024-12-31, Current year: 2024, Previous year: 2023, Current quarter: 2024 Q4, Previous quarter: 2024 Q3, Current month: 2024-12, Previous month: 2024-11",
		},
	}
	for _, tt := range tests {
		if got := CalendarContext(tt.now); got != tt.want {
			t.Errorf("CalendarContext(%s)\n got %q\nwant %q", tt.now.Format("2006-01-02"), got, tt.want)
		}
	}
}
