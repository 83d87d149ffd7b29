package sliq

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-i2p/go-sliq/internal/wire"
)

// write sends one datagram to the peer.
func (c *Connection) write(b []byte) error {
	if c.out == nil {
		return fmt.Errorf("write to %s: %w", c.peer, ErrConnectionClosed)
	}
	if _, err := c.out.WriteTo(b, c.peer); err != nil {
		return fmt.Errorf("write to %s: %w", c.peer, err)
	}
	c.metrics.packetSent()
	return nil
}

// sendControl sends h alone in a datagram.
func (c *Connection) sendControl(h wire.Header) error {
	b, err := wire.AppendHeader(c.sendBuf[:0], h)
	if err != nil {
		return fmt.Errorf("build %s header: %w", h.Type(), err)
	}
	return c.write(b)
}

// writeControl sends h and logs a failure; control headers are retried by
// their own timers.
func (c *Connection) writeControl(h wire.Header) {
	if err := c.sendControl(h); err != nil {
		c.log.Warn().Err(err).Str("type", h.Type().String()).Msg("failed to send control header")
	}
}

// sendData builds a datagram around a stream's data header. The stream's
// pending ack and the due CcSync, ConnMeas and RcvdPktCnt headers ride
// ahead of the data when they fit.
func (c *Connection) sendData(s *Stream, h *wire.DataHeader) error {
	now := c.now
	room := c.cfg.MaxPacketSize - wire.ComputeHeaderSize(h)
	if room < 0 {
		return fmt.Errorf("data header of %d bytes exceeds packet size: %w", wire.ComputeHeaderSize(h), wire.ErrHeaderCapacity)
	}
	b := c.sendBuf[:0]
	var err error

	if s.rcvd != nil && s.rcvd.AckPending() {
		ack := s.rcvd.PrepareNextAckHdr(now, h.Timestamp)
		if n := wire.ComputeHeaderSize(ack); n <= room {
			if b, err = wire.AppendHeader(b, ack); err != nil {
				return fmt.Errorf("build piggybacked ack: %w", err)
			}
			room -= n
			s.rcvd.AckSent()
		}
	}
	if room >= wire.CcSyncHeaderSize && c.cc != nil {
		if seq, params, ok := c.cc.SyncParams(); ok {
			if b, err = wire.AppendHeader(b, &wire.CcSyncHeader{Seq: seq, Params: params}); err != nil {
				return fmt.Errorf("build cc sync: %w", err)
			}
			room -= wire.CcSyncHeaderSize
		}
	}
	if !h.Persist {
		c.dataPktsSent++
		if c.dataPktsSent%uint32(c.cfg.RcvdPktCntInterval) == 0 {
			meas := c.connMeas()
			if n := wire.ComputeHeaderSize(meas); n <= room {
				if b, err = wire.AppendHeader(b, meas); err != nil {
					return fmt.Errorf("build conn meas: %w", err)
				}
				room -= n
			}
		}
	}
	if s.rcvd != nil && room >= wire.RcvdPktCntHeaderSize {
		if cnt, ok := s.rcvd.RcvdPktCntDue(); ok {
			if b, err = wire.AppendHeader(b, cnt); err != nil {
				return fmt.Errorf("build received packet count: %w", err)
			}
		}
	}
	if b, err = wire.AppendHeader(b, h); err != nil {
		return fmt.Errorf("build data header: %w", err)
	}
	c.lastDataSend = now
	if err := c.write(b); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionClosed) {
			return err
		}
		// The packet is already recorded as sent, so loss recovery resends it.
		c.log.Warn().Err(err).Uint8("stream", h.StreamID).Uint32("seq", h.Seq).Msg("data send failed")
		c.metrics.sendFailed()
	}
	return nil
}

func (c *Connection) connMeas() *wire.ConnMeasHeader {
	c.connMeasSeq++
	h := &wire.ConnMeasHeader{Seq: c.connMeasSeq}
	if maxRTT := c.rtt.MaxRTT(); maxRTT > 0 {
		h.HasMaxOWD = true
		h.MaxOWD = uint32(maxRTT / 2 / time.Microsecond)
	}
	return h
}

// sendPending transmits as much queued data as the congestion controller
// admits. Priority 0 is served first and streams of one priority take
// turns; after every packet the scan restarts at the highest priority.
func (c *Connection) sendPending(now time.Time) {
	if c.state != StateEstablished && c.state != StateClosing {
		return
	}
	c.now = now
	for c.sendOne(now) {
	}
}

func (c *Connection) sendOne(now time.Time) bool {
	for p := range c.prio {
		ids := c.prio[p]
		n := len(ids)
		for i := 0; i < n; i++ {
			idx := (c.rrNext[p] + i) % n
			s := c.streams[ids[idx]]
			sent, err := s.sendNext(now)
			if err != nil {
				c.log.Warn().Err(err).Uint8("stream", uint8(s.id)).Msg("stream send failed")
				c.failStream(s, err, resetCode(err))
				// The rotation changed; rescan.
				return true
			}
			if sent {
				c.rrNext[p] = (idx + 1) % n
				return true
			}
		}
	}
	return false
}

// flushAcks sends the pending acks of every stream, packed several to a
// datagram. Unless all is set only the acks that are due go out.
func (c *Connection) flushAcks(now time.Time, all bool) {
	if c.state == StateClosed || c.state == StateHandshaking {
		return
	}
	b := c.sendBuf[:0]
	ts := c.wireTimestamp(now)
	var err error
	for id := MinStreamID; id <= MaxStreamID; id++ {
		s, ok := c.streams[id]
		if !ok || s.rcvd == nil || !s.rcvd.AckPending() {
			continue
		}
		if !all && !s.rcvd.NeedsAckNow() && now.Before(s.rcvd.AckDeadline()) {
			continue
		}
		ack := s.rcvd.PrepareNextAckHdr(now, ts)
		if len(b)+wire.ComputeHeaderSize(ack) > c.cfg.MaxPacketSize {
			if err := c.write(b); err != nil {
				c.log.Warn().Err(err).Msg("failed to send acks")
			}
			b = c.sendBuf[:0]
		}
		if b, err = wire.AppendHeader(b, ack); err != nil {
			c.log.Error().Err(err).Uint8("stream", uint8(id)).Msg("failed to build ack")
			continue
		}
		s.rcvd.AckSent()
	}
	if len(b) == 0 {
		return
	}
	if err := c.write(b); err != nil {
		c.log.Warn().Err(err).Msg("failed to send acks")
	}
}

// afterEvent runs after every inbound datagram, command and timer: it sends
// what became sendable and re-arms the timers.
func (c *Connection) afterEvent(now time.Time) {
	if c.state == StateClosed {
		return
	}
	c.now = now
	c.sendPending(now)
	c.flushAcks(now, false)
	c.maybeSendCloseConn(now)
	if c.state == StateClosed {
		return
	}
	c.updateTimers(now)
}

func (c *Connection) updateTimers(now time.Time) {
	var rto, ack time.Time
	persist, sendable := false, false
	for _, s := range c.streams {
		if s.State().terminal() {
			continue
		}
		if s.sent != nil {
			if d := s.sent.NextRtoDeadline(); !d.IsZero() && (rto.IsZero() || d.Before(rto)) {
				rto = d
			}
		}
		if s.rcvd != nil {
			if d := s.rcvd.AckDeadline(); !d.IsZero() && (ack.IsZero() || d.Before(ack)) {
				ack = d
			}
		}
		persist = persist || s.needsPersist()
		sendable = sendable || (s.IsEstablished() && (s.hasRexmits() || (s.canSendNewData() && s.hasDataToSend())))
	}
	c.timers.set(timerKey{kind: timerRTO}, rto)
	c.timers.set(timerKey{kind: timerAck}, ack)

	persistKey := timerKey{kind: timerPersist}
	switch {
	case !persist:
		c.timers.cancel(persistKey)
	case !c.timers.isSet(persistKey):
		c.timers.set(persistKey, now.Add(c.rtt.RTO()))
	}

	sendKey := timerKey{kind: timerSend}
	c.timers.cancel(sendKey)
	if sendable && c.cc != nil {
		if d := c.cc.TimeUntilSend(now); d > 0 {
			c.timers.set(sendKey, now.Add(d))
		}
	}
}
