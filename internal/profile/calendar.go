package profile

import (
	"fmt"
	"time"
)

// CalendarContext describes now in the terms users refer to periods with.
//
//	Current date: 2025-04-30, Current year: 2025, Previous year: 2024,
//	Current quarter: 2025 Q2, Previous quarter: 2025 Q1,
//	Current month: 2025-04, Previous month: 2025-03
func CalendarContext(now time.Time) string {
	year := now.Year()
	month := int(now.Month())
	quarter := (month-1)/3 + 1

	pqYear, pq := year, quarter-1
	if pq == 0 {
		pqYear, pq = year-1, 4
	}
	pmYear, pm := year, month-1
	if pm == 0 {
		pmYear, pm = year-1, 12
	}

	return fmt.Sprintf(
		"Current date: %s, Current year: %d, Previous year: %d, Current quarter: %d Q%d, Previous quarter: %d Q%d, Current month: %s, Previous month: %d-%02d",
		now.Format("2006-01-02"), year, year-1, year, quarter, pqYear, pq, now.Format("2006-01"), pmYear, pm,
	)
}
