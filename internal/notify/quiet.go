package notify

import (
	"time"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

// InQuietHours reports whether now falls inside the quiet-hours window,
// evaluated in timezone. Windows may wrap midnight ("22:00"-"07:00"); equal
// start and end describe an empty window. Unparseable settings never silence
// anything.
func InQuietHours(qh schema.QuietHours, timezone string, now time.Time) bool {
	if !qh.Enabled {
		return false
	}
	start, err := schema.ParseClock(qh.Start)
	if err != nil {
		return false
	}
	end, err := schema.ParseClock(qh.End)
	if err != nil {
		return false
	}
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return false
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}
