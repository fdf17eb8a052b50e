package reminder

import "time"

// Next returns the occurrence after t for a recurring policy.
//
// Arithmetic is calendar based and done in UTC, so the time of day is kept
// and month/year boundaries roll over correctly. For RepeatNone it returns
// t, false.
func Next(t time.Time, r Repeat) (time.Time, bool) {
	t = t.UTC()
	switch r {
	case RepeatDaily:
		return t.AddDate(0, 0, 1), true
	case RepeatWeekly:
		return t.AddDate(0, 0, 7), true
	default:
		return t, false
	}
}
