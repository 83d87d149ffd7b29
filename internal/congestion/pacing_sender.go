package congestion

import "time"

// DefaultInitialBurst is the number of packets a PacingSender lets out
// unpaced when the connection is idle.
const DefaultInitialBurst = 10

const defaultTCPMSS = 1460

// PacingSender wraps a Controller and spaces packets in time at the
// controller's pacing rate. It never changes the wrapped controller's
// window; CanSend additionally requires TimeUntilSend to be zero.
type PacingSender struct {
	Controller

	timerGranularity   time.Duration
	initialBurst       int
	burstTokens        int
	lastDelayedSend    time.Time
	idealNextSendTime  time.Time
	wasLastSendDelayed bool
}

var _ Controller = &PacingSender{}

// NewPacingSender wraps c.
func NewPacingSender(c Controller, initialBurst int, timerGranularity time.Duration) *PacingSender {
	return &PacingSender{
		Controller:       c,
		timerGranularity: timerGranularity,
		initialBurst:     initialBurst,
		burstTokens:      initialBurst,
	}
}

func (p *PacingSender) OnPacketSent(now time.Time, seq uint32, bytes int) uint32 {
	ccSeq := p.Controller.OnPacketSent(now, seq, bytes)

	if p.Controller.BytesInFlight() == 0 {
		// Leaving quiescence: allow a limited unpaced burst.
		p.burstTokens = p.initialBurst
		if cwnd := p.Controller.CongestionWindow(); cwnd > 0 {
			p.burstTokens = min(int(cwnd/defaultTCPMSS), p.initialBurst)
		}
	}
	if p.burstTokens > 0 {
		p.burstTokens--
		p.wasLastSendDelayed = false
		p.lastDelayedSend = time.Time{}
		p.idealNextSendTime = time.Time{}
		return ccSeq
	}

	var delay time.Duration
	if bps := p.Controller.PacingRate(); bps > 0 {
		delay = time.Duration(uint64(bytes) * 8 * uint64(time.Second) / bps)
	}
	if p.wasLastSendDelayed {
		p.idealNextSendTime = p.idealNextSendTime.Add(delay)
		appLimited := !p.lastDelayedSend.IsZero() && now.After(p.lastDelayedSend.Add(delay))
		makingUpForLostTime := !p.idealNextSendTime.After(now)
		if makingUpForLostTime && !appLimited {
			p.lastDelayedSend = now
		} else {
			p.wasLastSendDelayed = false
			p.lastDelayedSend = time.Time{}
		}
		return ccSeq
	}
	next := now.Add(delay)
	if ideal := p.idealNextSendTime.Add(delay); ideal.After(next) {
		next = ideal
	}
	p.idealNextSendTime = next
	return ccSeq
}

// TimeUntilSend returns the wrapped controller's delay, or the pacing delay
// when the controller would send now.
func (p *PacingSender) TimeUntilSend(now time.Time) time.Duration {
	d := p.Controller.TimeUntilSend(now)
	if p.burstTokens > 0 || p.Controller.BytesInFlight() == 0 || d > 0 {
		return d
	}
	if p.idealNextSendTime.After(now.Add(p.timerGranularity)) {
		p.wasLastSendDelayed = true
		return p.idealNextSendTime.Sub(now)
	}
	return 0
}

func (p *PacingSender) CanSend(now time.Time, bytes int) bool {
	return p.Controller.CanSend(now, bytes) && p.TimeUntilSend(now) == 0
}

// Unwrap returns the paced controller.
func (p *PacingSender) Unwrap() Controller { return p.Controller }
