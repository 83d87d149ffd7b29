package congestion

import "time"

// windowedFilter tracks the best (min or max) value seen over a sliding
// time window using Kathleen Nichols' three sample algorithm. The estimate
// is exact when the best sample is the newest and an upper bound otherwise.
type windowedFilter struct {
	window   time.Duration
	better   func(a, b time.Duration) bool
	estimate [3]windowedSample
}

type windowedSample struct {
	sample time.Duration
	at     time.Time
}

func newWindowedMinFilter(window time.Duration) *windowedFilter {
	return &windowedFilter{window: window, better: func(a, b time.Duration) bool { return a <= b }}
}

func newWindowedMaxFilter(window time.Duration) *windowedFilter {
	return &windowedFilter{window: window, better: func(a, b time.Duration) bool { return a >= b }}
}

// SetWindow changes the window length; it takes effect on the next Update.
func (f *windowedFilter) SetWindow(window time.Duration) { f.window = window }

// Update feeds a new sample taken at now.
func (f *windowedFilter) Update(sample time.Duration, now time.Time) {
	if f.estimate[0].at.IsZero() || f.better(sample, f.estimate[0].sample) ||
		now.Sub(f.estimate[2].at) > f.window {
		f.Reset(sample, now)
		return
	}

	if f.better(sample, f.estimate[1].sample) {
		f.estimate[1] = windowedSample{sample, now}
		f.estimate[2] = f.estimate[1]
	} else if f.better(sample, f.estimate[2].sample) {
		f.estimate[2] = windowedSample{sample, now}
	}

	// Expire and update estimates as necessary.
	if now.Sub(f.estimate[0].at) > f.window {
		f.estimate[0] = f.estimate[1]
		f.estimate[1] = f.estimate[2]
		f.estimate[2] = windowedSample{sample, now}
		if now.Sub(f.estimate[0].at) > f.window {
			f.estimate[0] = f.estimate[1]
			f.estimate[1] = f.estimate[2]
		}
		return
	}
	if f.estimate[1].sample == f.estimate[0].sample && now.Sub(f.estimate[1].at) > f.window/4 {
		// A quarter of the window has passed without a better sample, so
		// take a second estimate from the second quarter.
		f.estimate[1] = windowedSample{sample, now}
		f.estimate[2] = f.estimate[1]
		return
	}
	if f.estimate[2].sample == f.estimate[1].sample && now.Sub(f.estimate[2].at) > f.window/2 {
		f.estimate[2] = windowedSample{sample, now}
	}
}

// Reset drops every estimate and restarts from sample.
func (f *windowedFilter) Reset(sample time.Duration, now time.Time) {
	s := windowedSample{sample, now}
	f.estimate = [3]windowedSample{s, s, s}
}

// Best returns the current best estimate, zero before the first Update.
func (f *windowedFilter) Best() time.Duration { return f.estimate[0].sample }
