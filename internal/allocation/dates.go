package allocation

import "time"

// AddMonths прибавляет календарные месяцы. Если в целевом месяце нет такого дня,
// дата прижимается к последнему дню месяца: 31 января + 1 месяц = 28 (29) февраля.
func AddMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())

	if last := daysIn(target.Year(), target.Month(), t.Location()); d > last {
		d = last
	}

	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
