package congestion

import "time"

// Hybrid slow start leaves slow start when the RTT of the current round
// rises noticeably above the connection's minimum RTT.

const (
	hybridStartLowWindow      = 16
	hybridStartMinSamples     = 8
	hybridStartDelayFactorExp = 3
	hybridStartDelayMinThresh = 4 * time.Millisecond
	hybridStartDelayMaxThresh = 16 * time.Millisecond
)

type hybridSlowStart struct {
	endCcSeq      uint32
	lastSentCcSeq uint32
	started       bool
	currentMinRTT time.Duration
	rttSampleCnt  uint32
	hystartFound  bool
}

func (s *hybridSlowStart) startReceiveRound(lastSent uint32) {
	s.endCcSeq = lastSent
	s.currentMinRTT = 0
	s.rttSampleCnt = 0
	s.started = true
}

func (s *hybridSlowStart) isEndOfRound(ack uint32) bool { return seqLT(s.endCcSeq, ack) }

func (s *hybridSlowStart) shouldExitSlowStart(latestRTT, minRTT time.Duration, cwndPackets int64) bool {
	if !s.started {
		s.startReceiveRound(s.lastSentCcSeq)
	}
	if s.hystartFound {
		return true
	}
	s.rttSampleCnt++
	if s.rttSampleCnt <= hybridStartMinSamples {
		if s.currentMinRTT == 0 || s.currentMinRTT > latestRTT {
			s.currentMinRTT = latestRTT
		}
	}
	if s.rttSampleCnt == hybridStartMinSamples {
		threshold := minRTT >> hybridStartDelayFactorExp
		threshold = min(max(threshold, hybridStartDelayMinThresh), hybridStartDelayMaxThresh)
		if s.currentMinRTT > minRTT+threshold {
			s.hystartFound = true
		}
	}
	return cwndPackets >= hybridStartLowWindow && s.hystartFound
}

func (s *hybridSlowStart) onPacketSent(ccSeq uint32) { s.lastSentCcSeq = ccSeq }

func (s *hybridSlowStart) onPacketAcked(ccSeq uint32) {
	if s.isEndOfRound(ccSeq) {
		s.started = false
	}
}

func (s *hybridSlowStart) restart() {
	s.started = false
	s.hystartFound = false
}
