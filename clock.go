package sliq

import "time"

// Clock is the time source of a Connection. All deadlines and timestamps are
// taken from it, which lets tests drive connections with a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// timestampFor converts now into the microsecond wire timestamp relative to
// epoch. The value wraps after about 71 minutes; only differences are used.
func timestampFor(epoch, now time.Time) uint32 {
	return uint32(now.Sub(epoch) / time.Microsecond)
}

// timestampDiff returns the duration from an earlier wire timestamp to a
// later one.
func timestampDiff(earlier, later uint32) time.Duration {
	return time.Duration(later-earlier) * time.Microsecond
}
