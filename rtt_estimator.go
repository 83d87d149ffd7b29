package sliq

import (
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	initialRTT = time.Second
	initialRTO = time.Second

	// Every RTO includes the receiver's ack delay plus a timer tolerance.
	rtoTolerance = 4 * time.Millisecond

	rttAlpha = 0.125
	rttBeta  = 0.25

	// The max/min filter keeps the extremes of the last few intervals, each
	// ten slowly smoothed RTTs long.
	intervalSrttAlpha  = 0.01
	numFilterIntervals = 5
	filterIntervalMult = 10

	minRTTSample = 100 * time.Microsecond
	maxRTTSample = 10 * time.Second
)

// RttEstimator maintains the smoothed RTT and mean deviation of a connection
// per RFC 6298, and windowed minimum and maximum RTT estimates. With outlier
// rejection enabled the maximum is the median of the recent interval maxima,
// so a single spike does not inflate it.
type RttEstimator struct {
	initialized  bool
	latest       time.Duration
	smoothed     time.Duration
	meanDev      time.Duration
	intervalSrtt time.Duration

	ackDelay time.Duration
	minRTO   time.Duration
	maxRTO   time.Duration

	filter maxMinFilter
}

// NewRttEstimator creates an estimator using the RTO bounds and ack delay of
// cfg.
func NewRttEstimator(cfg *Config) *RttEstimator {
	return &RttEstimator{
		smoothed: initialRTT,
		ackDelay: cfg.AckDelay,
		minRTO:   cfg.MinRTO,
		maxRTO:   cfg.MaxRTO,
		filter:   maxMinFilter{outlierRejection: cfg.EnableRttOutlierRejection},
	}
}

// SetOutlierRejection enables or disables the median filter on the maximum.
func (r *RttEstimator) SetOutlierRejection(enabled bool) {
	r.filter.outlierRejection = enabled
}

// Update feeds one RTT sample. Samples outside [100µs, 10s] are clamped or
// dropped and reported as false.
func (r *RttEstimator) Update(now time.Time, sample time.Duration) bool {
	if sample <= 0 || sample > maxRTTSample {
		log.Warn().Dur("sample", sample).Msg("discarding invalid RTT sample")
		return false
	}
	if sample < minRTTSample {
		sample = minRTTSample
	}
	r.latest = sample

	if !r.initialized {
		r.smoothed = sample
		r.meanDev = sample / 2
		r.intervalSrtt = sample
		r.initialized = true
	} else {
		diff := r.smoothed - sample
		if diff < 0 {
			diff = -diff
		}
		r.meanDev = time.Duration(float64(r.meanDev)*(1-rttBeta) + rttBeta*float64(diff))
		r.smoothed = time.Duration(float64(r.smoothed)*(1-rttAlpha) + rttAlpha*float64(sample))
		r.intervalSrtt = time.Duration(float64(r.intervalSrtt)*(1-intervalSrttAlpha) + intervalSrttAlpha*float64(sample))
	}
	r.filter.update(now, sample, r.intervalSrtt*filterIntervalMult)

	log.Debug().
		Dur("rtt", sample).
		Dur("srtt", r.smoothed).
		Dur("mdev", r.meanDev).
		Dur("min", r.filter.minEst).
		Dur("max", r.filter.maxEst).
		Msg("updated RTT estimate")
	return true
}

// Seed starts the estimator from RTT values learned on an earlier
// connection to the same peer. It has no effect once a sample was taken.
func (r *RttEstimator) Seed(srtt, meanDev time.Duration) {
	if r.initialized || srtt <= 0 {
		return
	}
	r.smoothed = srtt
	r.meanDev = meanDev
	r.intervalSrtt = srtt
	r.initialized = true
}

func (r *RttEstimator) Initialized() bool            { return r.initialized }
func (r *RttEstimator) LatestRTT() time.Duration     { return r.latest }
func (r *RttEstimator) SmoothedRTT() time.Duration   { return r.smoothed }
func (r *RttEstimator) MeanDeviation() time.Duration { return r.meanDev }
func (r *RttEstimator) MinRTT() time.Duration        { return r.filter.minEst }
func (r *RttEstimator) MaxRTT() time.Duration        { return r.filter.maxEst }

// RTO returns srtt + 4*mdev + ack delay, bounded to [MinRTO, MaxRTO].
func (r *RttEstimator) RTO() time.Duration {
	if !r.initialized {
		return initialRTO
	}
	rto := r.smoothed + 4*r.meanDev + r.ackDelay + rtoTolerance
	return min(max(rto, r.minRTO), r.maxRTO)
}

// FastRexmitTime is the minimum time between two transmissions of the same
// packet triggered by gap based loss detection.
func (r *RttEstimator) FastRexmitTime() time.Duration {
	if !r.initialized {
		return initialRTO
	}
	return r.smoothed + 4*r.meanDev
}

// maxMinFilter tracks the minimum and maximum sample of the current interval
// and of the last numFilterIntervals completed ones.
type maxMinFilter struct {
	outlierRejection bool

	init     bool
	currMin  time.Duration
	currMax  time.Duration
	currEnd  time.Time
	prevMin  [numFilterIntervals]time.Duration
	prevMax  [numFilterIntervals]time.Duration
	prevCnt  int
	prevLast int

	minEst time.Duration
	maxEst time.Duration
}

func (f *maxMinFilter) update(now time.Time, sample, interval time.Duration) {
	if !f.init {
		f.init = true
		f.prevLast = numFilterIntervals - 1
		f.currMin, f.currMax = sample, sample
		f.currEnd = now.Add(interval)
		f.minEst, f.maxEst = sample, sample
		return
	}
	if now.Before(f.currEnd) {
		f.currMin = min(f.currMin, sample)
		f.currMax = max(f.currMax, sample)
	} else {
		next := (f.prevLast + 1) % numFilterIntervals
		f.prevMin[next] = f.currMin
		f.prevMax[next] = f.currMax
		f.prevLast = next
		if f.prevCnt < numFilterIntervals {
			f.prevCnt++
		}
		f.minEst = f.lastTwo(f.prevMin, false)
		if f.outlierRejection {
			f.maxEst = f.medianMax()
		} else {
			f.maxEst = f.lastTwo(f.prevMax, true)
		}
		f.currMin, f.currMax = sample, sample
		f.currEnd = now.Add(interval)
	}
	if sample < f.minEst {
		f.minEst = sample
	}
	if !f.outlierRejection && sample > f.maxEst {
		f.maxEst = sample
	}
}

// lastTwo returns the smaller, or with larger set the larger, of the two
// most recent completed intervals.
func (f *maxMinFilter) lastTwo(vals [numFilterIntervals]time.Duration, larger bool) time.Duration {
	last := vals[f.prevLast]
	if f.prevCnt < 2 {
		return last
	}
	prev := vals[(f.prevLast+numFilterIntervals-1)%numFilterIntervals]
	if larger {
		return max(last, prev)
	}
	return min(last, prev)
}

func (f *maxMinFilter) medianMax() time.Duration {
	vals := make([]time.Duration, 0, f.prevCnt)
	for i := 0; i < f.prevCnt; i++ {
		vals = append(vals, f.prevMax[(f.prevLast+numFilterIntervals-i)%numFilterIntervals])
	}
	slices.Sort(vals)
	n := len(vals)
	if n%2 == 0 {
		return (vals[n/2-1] + vals[n/2]) / 2
	}
	return vals[n/2]
}
