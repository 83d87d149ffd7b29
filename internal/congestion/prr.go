package congestion

// prrSender implements Proportional Rate Reduction (RFC 6937) for the byte
// based senders while they are in recovery.
type prrSender struct {
	bytesSentSinceLoss      int64
	bytesDeliveredSinceLoss int64
	ackCountSinceLoss       int64
	bytesInFlightBeforeLoss int64
}

func (p *prrSender) OnPacketSent(sentBytes int64) { p.bytesSentSinceLoss += sentBytes }

// OnPacketLost is called on the first loss that triggers a recovery period.
func (p *prrSender) OnPacketLost(priorInFlight int64) {
	p.bytesSentSinceLoss = 0
	p.bytesInFlightBeforeLoss = priorInFlight
	p.bytesDeliveredSinceLoss = 0
	p.ackCountSinceLoss = 0
}

func (p *prrSender) OnPacketAcked(ackedBytes int64) {
	p.bytesDeliveredSinceLoss += ackedBytes
	p.ackCountSinceLoss++
}

// CanSend reports whether PRR allows another packet. It only narrows what
// the congestion window allows.
func (p *prrSender) CanSend(cwnd, bytesInFlight, ssthresh int64) bool {
	// Limited transmit always works.
	if p.bytesSentSinceLoss == 0 || bytesInFlight < MaxPacketSize {
		return true
	}
	if cwnd > bytesInFlight {
		// PRR-SSRB: at most one extra segment per ack.
		return p.bytesDeliveredSinceLoss+p.ackCountSinceLoss*MaxPacketSize > p.bytesSentSinceLoss
	}
	return p.bytesDeliveredSinceLoss*ssthresh > p.bytesSentSinceLoss*p.bytesInFlightBeforeLoss
}
