package sliq

import (
	"errors"
	"time"

	"github.com/go-i2p/go-sliq/internal/congestion"
	"github.com/go-i2p/go-sliq/internal/wire"
)

// offeredAlgorithm encodes the configured congestion control for the client
// hello.
func offeredAlgorithm(p congestion.Params) wire.CcAlgorithm {
	return wire.CcAlgorithm{
		Algorithm:     uint8(p.Algorithm),
		Deterministic: p.Deterministic,
		Pacing:        p.Pacing,
		Params:        p.WireParams(),
	}
}

// startHandshake sends the first client hello.
func (c *Connection) startHandshake(now time.Time) {
	c.now = now
	c.hsAttempts = 1
	c.sendClientHello(now)
	c.timers.set(timerKey{kind: timerHandshake}, now.Add(c.cfg.HandshakeInterval))
	c.log.Info().Str("algorithm", c.cfg.CongestionControl.Algorithm.String()).Msg("connecting")
}

func (c *Connection) sendClientHello(now time.Time) {
	c.writeControl(&wire.ConnHandshakeHeader{
		Tag:        wire.MsgClientHello,
		Timestamp:  c.wireTimestamp(now),
		Algorithms: []wire.CcAlgorithm{offeredAlgorithm(c.cfg.CongestionControl)},
		ClientID:   uint32(c.id),
	})
}

// sendServerHello answers the latest client hello. The echoed timestamp is
// advanced by the time the hello was held here, so a retry does not inflate
// the client's handshake RTT.
func (c *Connection) sendServerHello(now time.Time) {
	held := uint32(now.Sub(c.peerHelloAt) / time.Microsecond)
	c.writeControl(&wire.ConnHandshakeHeader{
		Tag:           wire.MsgServerHello,
		Timestamp:     c.wireTimestamp(now),
		EchoTimestamp: c.peerHelloTs + held,
		Algorithms:    []wire.CcAlgorithm{offeredAlgorithm(c.cfg.CongestionControl)},
		ClientID:      c.peerClientID,
	})
}

func (c *Connection) sendClientConfirm(now time.Time, echo uint32) {
	c.writeControl(&wire.ConnHandshakeHeader{
		Tag:           wire.MsgClientConfirm,
		Timestamp:     c.wireTimestamp(now),
		EchoTimestamp: echo,
		ClientID:      uint32(c.id),
	})
}

func (c *Connection) processConnHandshake(h *wire.ConnHandshakeHeader, now time.Time) {
	switch h.Tag {
	case wire.MsgClientHello:
		c.processClientHello(h, now)
	case wire.MsgServerHello:
		c.processServerHello(h, now)
	case wire.MsgClientConfirm:
		if c.isClient || c.state != StateHandshaking || c.cc == nil {
			return
		}
		c.establish(now, timestampDiff(h.EchoTimestamp, c.wireTimestamp(now)))
	case wire.MsgReject:
		if !c.isClient || c.state != StateHandshaking {
			return
		}
		c.log.Warn().Msg("connection rejected by peer")
		c.finish(ErrRejected)
	default:
		c.log.Warn().Str("tag", h.Tag.String()).Msg("unknown handshake message")
	}
}

// processClientHello selects the first offered congestion control algorithm
// this endpoint supports and answers with a server hello, or rejects the
// connection when none is usable.
func (c *Connection) processClientHello(h *wire.ConnHandshakeHeader, now time.Time) {
	if c.isClient {
		c.log.Warn().Msg("client hello received by client")
		return
	}
	if c.cc != nil {
		// The server hello was lost.
		if c.state == StateHandshaking || c.state == StateEstablished {
			c.peerHelloTs = h.Timestamp
			c.peerHelloAt = now
			c.sendServerHello(now)
		}
		return
	}

	var (
		cc     congestion.Controller
		params congestion.Params
		err    error
	)
	for _, a := range h.Algorithms {
		params = congestion.ParamsFromWire(congestion.Algorithm(a.Algorithm), a.Pacing, a.Deterministic, a.Params)
		if cc, err = congestion.New(params, now); err == nil {
			break
		}
	}
	if cc == nil {
		if err == nil {
			err = congestion.ErrUnknownAlgorithm
		}
		c.log.Warn().Err(err).Int("offered", len(h.Algorithms)).Msg("rejecting connection")
		c.writeControl(&wire.ConnHandshakeHeader{
			Tag:           wire.MsgReject,
			Timestamp:     c.wireTimestamp(now),
			EchoTimestamp: h.Timestamp,
			ClientID:      h.ClientID,
		})
		c.finish(ErrRejected)
		return
	}
	c.cc = cc
	c.cfg.CongestionControl = params
	c.peerClientID = h.ClientID
	c.peerHelloTs = h.Timestamp
	c.peerHelloAt = now
	c.hsAttempts = 1
	c.sendServerHello(now)
	c.timers.set(timerKey{kind: timerHandshake}, now.Add(c.cfg.HandshakeInterval))
	c.log.Debug().
		Uint32("client_id", h.ClientID).
		Str("algorithm", params.Algorithm.String()).
		Bool("pacing", params.Pacing).
		Msg("accepted client hello")
}

func (c *Connection) processServerHello(h *wire.ConnHandshakeHeader, now time.Time) {
	if !c.isClient {
		return
	}
	if c.state != StateHandshaking {
		// The client confirm was lost.
		if c.state == StateEstablished {
			c.sendClientConfirm(now, h.Timestamp)
		}
		return
	}
	if len(h.Algorithms) > 0 && congestion.Algorithm(h.Algorithms[0].Algorithm) != c.cc.Algorithm() {
		c.log.Error().
			Uint8("selected", h.Algorithms[0].Algorithm).
			Str("offered", c.cc.Algorithm().String()).
			Msg("server selected an algorithm that was not offered")
		c.writeControl(&wire.ResetConnHeader{ErrorCode: uint16(ConnErrProtocol)})
		c.finish(&ConnectionError{Code: ConnErrProtocol, Err: ErrProtocolViolation})
		return
	}
	c.establish(now, timestampDiff(h.EchoTimestamp, c.wireTimestamp(now)))
	c.sendClientConfirm(now, h.Timestamp)
}

// establish completes the handshake. rtt is the handshake round trip, zero
// when none could be measured.
func (c *Connection) establish(now time.Time, rtt time.Duration) {
	if rtt > 0 {
		c.rtt.Update(now, rtt)
	}
	c.state = StateEstablished
	c.established = true
	c.lastRecv = now
	c.timers.cancel(timerKey{kind: timerHandshake})
	c.cc.Connected(now, c.rtt.SmoothedRTT())
	c.metrics.handshakeComplete(now)
	close(c.hsDone)
	c.log.Info().
		Dur("rtt", rtt).
		Int("attempts", c.hsAttempts).
		Str("algorithm", c.cc.Algorithm().String()).
		Msg("connection established")
	c.notify(func() { c.handler.OnConnectionResult(c, nil) })
}

func (c *Connection) onHandshakeTimeout(now time.Time) {
	if c.state != StateHandshaking {
		return
	}
	if c.hsAttempts >= c.cfg.MaxHandshakeAttempts {
		c.log.Warn().Int("attempts", c.hsAttempts).Msg("handshake timed out")
		c.finish(ErrHandshakeTimeout)
		return
	}
	c.hsAttempts++
	if c.isClient {
		c.sendClientHello(now)
	} else {
		c.sendServerHello(now)
	}
	c.timers.set(timerKey{kind: timerHandshake}, now.Add(c.cfg.HandshakeInterval))
}

// initiateClose starts the graceful close. Every stream finishes sending;
// CloseConn goes out once all of them are acknowledged or the linger
// timeout expires.
func (c *Connection) initiateClose(now time.Time, reason ConnErrorCode) {
	switch c.state {
	case StateClosing, StateClosed:
		return
	case StateHandshaking:
		c.finish(ErrConnectionClosed)
		return
	}
	c.state = StateClosing
	c.closeReason = reason
	for _, s := range c.sortedStreams() {
		s.ImmediateHalfCloseNoSend()
		c.checkStreamClosed(s)
	}
	c.timers.set(timerKey{kind: timerLinger}, now.Add(c.cfg.LingerTimeout))
	c.log.Info().Str("reason", reason.String()).Bool("peer_closed", c.peerClosed).Msg("closing connection")
	c.sendPending(now)
	c.maybeSendCloseConn(now)
}

// maybeSendCloseConn sends the first CloseConn once nothing remains
// unacknowledged.
func (c *Connection) maybeSendCloseConn(now time.Time) {
	if c.state != StateClosing || c.closeAttempts > 0 {
		return
	}
	for _, s := range c.sortedStreams() {
		if !s.IsAllDataAcked() {
			return
		}
	}
	c.sendCloseConn(now)
}

func (c *Connection) sendCloseConn(now time.Time) {
	c.flushAcks(now, true)
	c.closeAttempts++
	c.writeControl(&wire.CloseConnHeader{Reason: uint16(c.closeReason)})
	c.timers.cancel(timerKey{kind: timerLinger})
	c.timers.set(timerKey{kind: timerClose}, now.Add(c.cfg.HandshakeInterval))
}

func (c *Connection) onCloseTimeout(now time.Time) {
	if c.state != StateClosing || c.closeAcked {
		return
	}
	if c.closeAttempts >= c.cfg.MaxHandshakeAttempts {
		c.log.Info().Int("attempts", c.closeAttempts).Msg("close not acknowledged, giving up")
		c.finish(c.discardErr())
		return
	}
	c.sendCloseConn(now)
}

// onLingerTimeout abandons whatever the streams could not deliver in time.
// After the peer acknowledged our close it bounds the wait for the peer's
// own close instead.
func (c *Connection) onLingerTimeout(now time.Time) {
	if c.state != StateClosing {
		return
	}
	if c.closeAcked {
		c.log.Info().Msg("peer did not finish closing, giving up")
		c.finish(ErrLingerTimeout)
		return
	}
	if c.closeAttempts > 0 {
		return
	}
	c.log.Info().Dur("linger", c.cfg.LingerTimeout).Msg("linger timeout, discarding unsent data")
	c.discarded = true
	c.closeStreams(ErrLingerTimeout)
	c.sendCloseConn(now)
}

// peerCloseWait bounds how long a connection whose close was acknowledged
// waits for the peer to drain its streams and close in turn.
func (c *Connection) peerCloseWait() time.Duration {
	return c.cfg.LingerTimeout + time.Duration(c.cfg.MaxHandshakeAttempts)*c.cfg.HandshakeInterval
}

func (c *Connection) discardErr() error {
	if c.discarded {
		return ErrLingerTimeout
	}
	return nil
}

// closeStreams fully closes every live stream and reports err for it.
func (c *Connection) closeStreams(err error) {
	for _, s := range c.sortedStreams() {
		s.ImmediateFullClose()
		c.unschedule(s)
		c.notify(func() { c.handler.OnCloseStream(c, s.id, err) })
	}
}

// processCloseConn runs the close exchange. Each side sends CloseConn once
// its own streams are drained, and the connection ends when both sides'
// CloseConn were acknowledged. A close from the peer stops the receiving
// direction of every stream; the sending direction drains first.
func (c *Connection) processCloseConn(h *wire.CloseConnHeader, now time.Time) {
	if h.Ack {
		if c.state != StateClosing || c.closeAttempts == 0 || c.closeAcked {
			return
		}
		c.closeAcked = true
		c.timers.cancel(timerKey{kind: timerClose})
		if c.peerClosed {
			c.finish(c.discardErr())
			return
		}
		c.timers.set(timerKey{kind: timerLinger}, now.Add(c.peerCloseWait()))
		return
	}
	if c.state == StateHandshaking {
		c.log.Warn().Msg("close received during handshake")
		c.writeControl(&wire.ResetConnHeader{ErrorCode: uint16(ConnErrProtocol)})
		c.finish(&ConnectionError{Code: ConnErrProtocol, Err: ErrProtocolViolation})
		return
	}
	c.flushAcks(now, true)
	c.writeControl(&wire.CloseConnHeader{Ack: true, Reason: h.Reason})
	if c.peerClosed {
		return
	}
	c.peerClosed = true
	c.log.Info().Uint16("reason", h.Reason).Msg("peer closed connection")
	for _, s := range c.sortedStreams() {
		// Everything the peer sent was acknowledged before it closed.
		s.ImmediateHalfCloseNoRecv()
		c.checkStreamClosed(s)
	}
	switch {
	case c.state == StateEstablished:
		c.initiateClose(now, ConnErrorCode(h.Reason))
	case c.closeAcked:
		c.finish(c.discardErr())
	}
}

func (c *Connection) processResetConn(h *wire.ResetConnHeader) {
	code := ConnErrorCode(h.ErrorCode)
	c.log.Warn().Str("code", code.String()).Msg("connection reset by peer")
	c.finish(&ConnectionError{Code: code, Remote: true, Err: ErrConnectionReset})
}

// abort tears the connection down without the close exchange, telling the
// peer.
func (c *Connection) abort(now time.Time) {
	if c.state == StateClosed {
		return
	}
	c.now = now
	if c.cc != nil {
		c.writeControl(&wire.ResetConnHeader{ErrorCode: uint16(ConnErrShutdown)})
	}
	c.finish(&ConnectionError{Code: ConnErrShutdown, Err: ErrManagerClosed})
}

// finish moves the connection to Closed and reports the outcome.
func (c *Connection) finish(err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.closeErr = err
	c.timers.cancelAll()

	streamErr := err
	if streamErr == nil {
		streamErr = ErrConnectionClosed
	}
	for _, s := range c.sortedStreams() {
		s.ImmediateFullClose()
		c.notify(func() { c.handler.OnCloseStream(c, s.id, streamErr) })
	}
	if c.cc != nil {
		c.cc.Close()
	}
	c.metrics.closed(err, c.rtt.SmoothedRTT())

	ev := c.log.Info()
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		ev = c.log.Warn().Err(err)
	}
	ev.Dur("srtt", c.rtt.SmoothedRTT()).Bool("established", c.established).Msg("connection closed")

	switch {
	case c.established:
		c.notify(func() { c.handler.OnConnectionClosed(c, err) })
	case c.isClient:
		if err == nil {
			err = ErrConnectionClosed
			c.closeErr = err
		}
		c.notify(func() { c.handler.OnConnectionResult(c, err) })
		c.hsErr = err
		close(c.hsDone)
	default:
		c.hsErr = err
		close(c.hsDone)
	}
	if c.onClosed != nil {
		c.onClosed(c)
	}
}
