package sliq

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is returned when the peer sends something that
	// cannot happen in a correct exchange, such as an ACK for a sequence
	// number that was never sent. The offending stream is reset; the
	// connection stays up.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrRetransmitLimitExceeded is returned when a reliable packet exceeds
	// its stream's retransmission limit. The stream is abandoned.
	ErrRetransmitLimitExceeded = errors.New("retransmission limit exceeded")

	// ErrHandshakeTimeout is reported when the connection or stream
	// handshake is not answered after the configured number of attempts.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrRtoExhausted is reported when too many consecutive retransmission
	// timeouts fire without any packet being acknowledged.
	ErrRtoExhausted = errors.New("retransmission timeouts exhausted")

	// ErrResourceExhausted is returned by the buffer pool when no packet
	// buffer is available.
	ErrResourceExhausted = errors.New("packet buffers exhausted")

	// ErrWouldBlock is returned by Send when the data cannot be queued now.
	ErrWouldBlock = errors.New("operation would block")

	// ErrNoData is returned by Recv when nothing is buffered.
	ErrNoData = errors.New("no data available")

	// ErrLingerTimeout is reported for a graceful close that discarded data
	// the streams could not deliver before the linger timeout.
	ErrLingerTimeout = errors.New("linger timeout, unsent data discarded")

	ErrStreamNotFound   = errors.New("stream not found")
	ErrStreamExists     = errors.New("stream already exists")
	ErrInvalidStreamID  = errors.New("invalid stream id")
	ErrStreamClosed     = errors.New("stream closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotEstablished   = errors.New("connection not established")
	ErrRejected         = errors.New("connection rejected by peer")
	ErrConnectionReset  = errors.New("connection reset by peer")
	ErrManagerClosed    = errors.New("connection manager closed")
)

// StreamErrorCode is carried in a ResetStream header.
type StreamErrorCode uint8

const (
	StreamErrNone StreamErrorCode = iota
	StreamErrProtocol
	StreamErrRexmitLimit
	StreamErrCancelled
	StreamErrFlowControl
	StreamErrHandshake
)

func (c StreamErrorCode) String() string {
	switch c {
	case StreamErrNone:
		return "none"
	case StreamErrProtocol:
		return "protocol violation"
	case StreamErrRexmitLimit:
		return "retransmission limit"
	case StreamErrCancelled:
		return "cancelled"
	case StreamErrFlowControl:
		return "flow control"
	case StreamErrHandshake:
		return "stream handshake"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// StreamError reports why a stream was reset.
type StreamError struct {
	StreamID StreamID
	Code     StreamErrorCode
	Remote   bool
	Err      error
}

func (e *StreamError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	if e.Err == nil {
		return fmt.Sprintf("stream %d reset (%s): %s", e.StreamID, side, e.Code)
	}
	return fmt.Sprintf("stream %d reset (%s): %s: %v", e.StreamID, side, e.Code, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ConnErrorCode is carried in ResetConn and CloseConn headers.
type ConnErrorCode uint16

const (
	ConnErrNone ConnErrorCode = iota
	ConnErrRtoExhausted
	ConnErrProtocol
	ConnErrShutdown
	ConnErrInternal
)

func (c ConnErrorCode) String() string {
	switch c {
	case ConnErrNone:
		return "none"
	case ConnErrRtoExhausted:
		return "rto exhausted"
	case ConnErrProtocol:
		return "protocol violation"
	case ConnErrShutdown:
		return "shutdown"
	case ConnErrInternal:
		return "internal error"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// ConnectionError reports why a connection ended abnormally.
type ConnectionError struct {
	Code   ConnErrorCode
	Remote bool
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Remote {
		return fmt.Sprintf("connection reset by peer: %s", e.Code)
	}
	return fmt.Sprintf("connection failed: %s: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
