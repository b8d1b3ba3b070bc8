package recurring

import "time"

// Supported frequencies, as normalized by validation.ValidateFrequency.
const (
	Daily     = "DAILY"
	Weekly    = "WEEKLY"
	Monthly   = "MONTHLY"
	Quarterly = "QUARTERLY"
	Yearly    = "YEARLY"
)

// Occurrence returns the k-th payment date of a schedule anchored at start.
// Month based frequencies keep start's day of month, clamped to the last day
// of shorter months, so a schedule anchored on the 31st pays on Feb 28 and
// then Mar 31.
func Occurrence(start time.Time, frequency string, k int) time.Time {
	switch frequency {
	case Daily:
		return start.AddDate(0, 0, k)
	case Weekly:
		return start.AddDate(0, 0, 7*k)
	case Monthly:
		return addMonths(start, k)
	case Quarterly:
		return addMonths(start, 3*k)
	case Yearly:
		return addMonths(start, 12*k)
	}
	return start
}

// NextOccurrence returns the first payment date of the schedule strictly
// after t.
func NextOccurrence(start time.Time, frequency string, t time.Time) time.Time {
	k := 1
	if t.After(start) {
		k = max(1, elapsedPeriods(start, frequency, t))
	}
	for {
		next := Occurrence(start, frequency, k)
		if next.After(t) {
			return next
		}
		k++
	}
}

// elapsedPeriods is a lower bound on the number of whole periods between
// start and t.
func elapsedPeriods(start time.Time, frequency string, t time.Time) int {
	months := (t.Year()-start.Year())*12 + int(t.Month()) - int(start.Month())
	switch frequency {
	case Daily:
		return int(t.Sub(start) / (24 * time.Hour))
	case Weekly:
		return int(t.Sub(start) / (7 * 24 * time.Hour))
	case Monthly:
		return months
	case Quarterly:
		return months / 3
	case Yearly:
		return months / 12
	}
	return 1
}

func addMonths(start time.Time, n int) time.Time {
	first := time.Date(start.Year(), start.Month()+time.Month(n), 1,
		start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(start.Day(), last)-1)
}
