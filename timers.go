package sliq

import (
	"cmp"
	"math"
	"slices"
	"time"
)

type timerKind uint8

const (
	timerHandshake timerKind = 1 + iota
	timerCreateStream
	timerRTO
	timerAck
	timerPersist
	timerClose
	timerLinger
	timerSend
)

func (k timerKind) String() string {
	switch k {
	case timerHandshake:
		return "handshake"
	case timerCreateStream:
		return "create-stream"
	case timerRTO:
		return "rto"
	case timerAck:
		return "ack"
	case timerPersist:
		return "persist"
	case timerClose:
		return "close"
	case timerLinger:
		return "linger"
	case timerSend:
		return "send"
	default:
		return "unknown"
	}
}

// timerKey names one scheduled callback. Stream is zero for connection
// level timers.
type timerKey struct {
	kind   timerKind
	stream StreamID
}

// timerSet holds the deadlines of a connection. The event loop arms a
// single runtime timer at the earliest one.
type timerSet struct {
	deadlines map[timerKey]time.Time
}

func newTimerSet() *timerSet {
	return &timerSet{deadlines: make(map[timerKey]time.Time)}
}

// set schedules k at deadline, replacing an earlier schedule. A zero
// deadline cancels it.
func (ts *timerSet) set(k timerKey, deadline time.Time) {
	if deadline.IsZero() {
		delete(ts.deadlines, k)
		return
	}
	ts.deadlines[k] = deadline
}

func (ts *timerSet) cancel(k timerKey) { delete(ts.deadlines, k) }

func (ts *timerSet) cancelAll() { clear(ts.deadlines) }

func (ts *timerSet) isSet(k timerKey) bool {
	_, ok := ts.deadlines[k]
	return ok
}

func (ts *timerSet) deadline(k timerKey) time.Time { return ts.deadlines[k] }

// next returns the earliest deadline, zero when nothing is scheduled.
func (ts *timerSet) next() time.Time {
	var earliest time.Time
	for _, d := range ts.deadlines {
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}

// expired removes and returns the timers due at now, earliest first.
func (ts *timerSet) expired(now time.Time) []timerKey {
	var due []timerKey
	for k, d := range ts.deadlines {
		if !d.After(now) {
			due = append(due, k)
		}
	}
	slices.SortFunc(due, func(a, b timerKey) int {
		if c := ts.deadlines[a].Compare(ts.deadlines[b]); c != 0 {
			return c
		}
		if c := cmp.Compare(a.kind, b.kind); c != 0 {
			return c
		}
		return cmp.Compare(a.stream, b.stream)
	})
	for _, k := range due {
		delete(ts.deadlines, k)
	}
	return due
}

// loopTimer wraps the runtime timer of an event loop.
type loopTimer struct {
	t        *time.Timer
	deadline time.Time
}

func newLoopTimer() *loopTimer {
	return &loopTimer{t: time.NewTimer(time.Duration(math.MaxInt64))}
}

func (t *loopTimer) Chan() <-chan time.Time { return t.t.C }

// Reset arms the timer at deadline, measured against now. A zero deadline
// stops it. Since Go 1.23 a reset timer never delivers a stale expiry.
func (t *loopTimer) Reset(deadline, now time.Time) {
	if deadline.Equal(t.deadline) {
		return
	}
	t.deadline = deadline
	if deadline.IsZero() {
		t.t.Stop()
		return
	}
	t.t.Reset(max(deadline.Sub(now), 0))
}

// SetRead must be called after a value was received from Chan.
func (t *loopTimer) SetRead() { t.deadline = time.Time{} }

func (t *loopTimer) Stop() { t.t.Stop() }
