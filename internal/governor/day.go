package governor

import "time"

// ScopeDate returns the quota day (YYYY-MM-DD) for ts in loc. The day
// rolls over at local midnight.
func ScopeDate(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format("2006-01-02")
}

// NextReset returns the first instant of the day after ts in loc.
func NextReset(ts time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
