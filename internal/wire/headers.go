// Package wire implements the binary header formats exchanged between two
// SLIQ endpoints.
//
// All multi-byte integers are encoded in network byte order (big-endian).
// Every header starts with a one byte type tag. Connection-control headers
// (handshake, reset, close, create-stream, reset-stream) always travel alone
// in a datagram. Data-class headers (ack, cc sync, received packet count,
// connection measurement) may be concatenated, and a data header, when
// present, is always the last header of the datagram.
package wire

import "fmt"

// Type is the one byte tag that starts every header.
type Type uint8

const (
	TypeConnHandshake Type = 0x00
	TypeResetConn     Type = 0x01
	TypeCloseConn     Type = 0x02
	TypeCreateStream  Type = 0x03
	TypeResetStream   Type = 0x04
	TypeData          Type = 0x20
	TypeAck           Type = 0x21
	TypeCcSync        Type = 0x22
	TypeRcvdPktCnt    Type = 0x23
	TypeConnMeas      Type = 0x24
	TypeCcPktTrain    Type = 0x28
)

// String returns a human-readable name for the header type.
func (t Type) String() string {
	switch t {
	case TypeConnHandshake:
		return "CONN_HANDSHAKE"
	case TypeResetConn:
		return "RESET_CONN"
	case TypeCloseConn:
		return "CLOSE_CONN"
	case TypeCreateStream:
		return "CREATE_STREAM"
	case TypeResetStream:
		return "RESET_STREAM"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeCcSync:
		return "CC_SYNC"
	case TypeRcvdPktCnt:
		return "RCVD_PKT_CNT"
	case TypeConnMeas:
		return "CONN_MEAS"
	case TypeCcPktTrain:
		return "CC_PKT_TRAIN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// IsConnectionControl reports whether headers of this type must travel alone
// in a datagram.
func (t Type) IsConnectionControl() bool {
	switch t {
	case TypeConnHandshake, TypeResetConn, TypeCloseConn, TypeCreateStream, TypeResetStream:
		return true
	}
	return false
}

// Wire limits.
const (
	MaxPacketSize       = 1472
	MaxCcAlgorithms     = 2
	MaxObservedTimes    = 7
	MaxAckBlockOffsets  = 31
	MaxAckBlockOffset   = 0x7fff
	MaxTTGs             = 16
	MaxDataPayloadSize  = MaxPacketSize - DataHeaderBaseSize
	ackBlockMultiBit    = 0x8000
	ackBlockOffsetMask  = 0x7fff
	ackCountsTimesShift = 5
	ackCountsBlocksMask = 0x1f
)

// Fixed header sizes in bytes.
const (
	ConnHandshakeHeaderBaseSize = 16
	ConnHandshakeAlgSize        = 8
	ResetConnHeaderSize         = 4
	CloseConnHeaderSize         = 4
	CreateStreamHeaderSize      = 20
	ResetStreamHeaderSize       = 8
	DataHeaderBaseSize          = 20
	AckHeaderBaseSize           = 16
	AckObservedTimeSize         = 8
	AckBlockOffsetSize          = 2
	CcSyncHeaderSize            = 8
	RcvdPktCntHeaderSize        = 12
	ConnMeasHeaderBaseSize      = 4
	CcPktTrainHeaderSize        = 16
)

// Header is implemented by every parsed header.
type Header interface {
	Type() Type
}

// MsgTag identifies the handshake message carried by a ConnHandshakeHeader.
// The values are the two ASCII characters read as a big-endian uint16.
type MsgTag uint16

const (
	MsgClientHello   MsgTag = 0x4843 // "CH"
	MsgServerHello   MsgTag = 0x4853 // "SH"
	MsgClientConfirm MsgTag = 0x4343 // "CC"
	MsgReject        MsgTag = 0x4A52 // "RJ"
)

func (m MsgTag) String() string {
	switch m {
	case MsgClientHello:
		return "CH"
	case MsgServerHello:
		return "SH"
	case MsgClientConfirm:
		return "CC"
	case MsgReject:
		return "RJ"
	default:
		return fmt.Sprintf("MsgTag(0x%04x)", uint16(m))
	}
}

// CcAlgorithm describes one congestion control algorithm offered or selected
// during the handshake.
type CcAlgorithm struct {
	Algorithm     uint8
	Deterministic bool
	Pacing        bool
	Params        uint32
}

// ConnHandshakeHeader carries the client hello, server hello, client confirm
// and reject messages.
type ConnHandshakeHeader struct {
	Tag           MsgTag
	Timestamp     uint32
	EchoTimestamp uint32
	Algorithms    []CcAlgorithm
	ClientID      uint32
}

func (*ConnHandshakeHeader) Type() Type { return TypeConnHandshake }

// ResetConnHeader aborts the whole connection.
type ResetConnHeader struct {
	ErrorCode uint16
}

func (*ResetConnHeader) Type() Type { return TypeResetConn }

// CloseConnHeader requests (or, with Ack set, confirms) a graceful close.
type CloseConnHeader struct {
	Ack    bool
	Reason uint16
}

func (*CloseConnHeader) Type() Type { return TypeCloseConn }

// CreateStreamHeader opens a stream. With Ack set it is the create-stream-ack.
type CreateStreamHeader struct {
	Ack             bool
	DeliveryTime    bool // TargetDelivery is a time in milliseconds rather than a round count
	StreamID        uint8
	Priority        uint8
	InitWindowSize  uint32
	InitSeq         uint32
	DeliveryMode    uint8
	ReliabilityMode uint8
	RexmitLimit     uint8
	TargetDelivery  uint16
	TargetRecvProb  uint16 // probability x 10000
}

func (*CreateStreamHeader) Type() Type { return TypeCreateStream }

// ResetStreamHeader aborts a single stream.
type ResetStreamHeader struct {
	StreamID  uint8
	ErrorCode uint8
	FinalSeq  uint32
}

func (*ResetStreamHeader) Type() Type { return TypeResetStream }

// DataHeader carries stream payload. Payload aliases the parsed buffer.
type DataHeader struct {
	Fin            bool
	Persist        bool
	StreamID       uint8
	CcID           uint8
	RexmitCount    uint8
	Seq            uint32
	Timestamp      uint32
	TimestampDelta uint32

	// MoveForward, when set, tells the receiver that every packet below
	// MoveForwardSeq has been given up on by the sender.
	MoveForward    bool
	MoveForwardSeq uint32

	HasFecInfo    bool
	FecInfo       uint32
	HasEncodedLen bool
	EncodedLen    uint16

	TTGs    []uint16
	Payload []byte
}

func (*DataHeader) Type() Type { return TypeData }

// ObservedTime echoes the timestamp of a received data packet.
type ObservedTime struct {
	Seq       uint32
	Timestamp uint32
}

// AckBlockOffset is one entry of the selective acknowledgment list. A single
// block is one offset with Multi unset; a range is two consecutive offsets
// with Multi set, the first for the start and the second for the end.
type AckBlockOffset struct {
	Multi  bool
	Offset uint16
}

// AckHeader is the selective acknowledgment for one stream.
type AckHeader struct {
	StreamID       uint8
	NextExpected   uint32
	Timestamp      uint32
	TimestampDelta uint32
	ObservedTimes  []ObservedTime
	Blocks         []AckBlockOffset
}

func (*AckHeader) Type() Type { return TypeAck }

// SeqRange is an inclusive range of sequence numbers.
type SeqRange struct {
	Start uint32
	End   uint32
}

// AckedRanges decodes the block offsets into absolute sequence ranges. It
// fails when a multi block is not followed by its closing offset or when a
// range is inverted.
func (h *AckHeader) AckedRanges() ([]SeqRange, error) {
	ranges := make([]SeqRange, 0, len(h.Blocks))
	for i := 0; i < len(h.Blocks); i++ {
		b := h.Blocks[i]
		start := h.NextExpected + uint32(b.Offset)
		if !b.Multi {
			ranges = append(ranges, SeqRange{Start: start, End: start})
			continue
		}
		if i+1 >= len(h.Blocks) || !h.Blocks[i+1].Multi {
			return nil, fmt.Errorf("%w: unterminated ack block at index %d", ErrMalformedHeader, i)
		}
		end := h.NextExpected + uint32(h.Blocks[i+1].Offset)
		if h.Blocks[i+1].Offset < b.Offset {
			return nil, fmt.Errorf("%w: inverted ack block %d-%d", ErrMalformedHeader, start, end)
		}
		ranges = append(ranges, SeqRange{Start: start, End: end})
		i++
	}
	return ranges, nil
}

// CcSyncHeader synchronizes congestion control parameters between peers.
type CcSyncHeader struct {
	CcID   uint8
	Seq    uint16
	Params uint32
}

func (*CcSyncHeader) Type() Type { return TypeCcSync }

// RcvdPktCntHeader reports how many data packets the receiver has seen.
type RcvdPktCntHeader struct {
	StreamID    uint8
	RexmitCount uint8
	Seq         uint32
	Count       uint32
}

func (*RcvdPktCntHeader) Type() Type { return TypeRcvdPktCnt }

// ConnMeasHeader carries connection-level measurements.
type ConnMeasHeader struct {
	Seq       uint16
	HasMaxOWD bool
	MaxOWD    uint32 // microseconds
}

func (*ConnMeasHeader) Type() Type { return TypeConnMeas }

// CcPktTrainHeader is used by capacity probing packet trains.
type CcPktTrainHeader struct {
	CcID           uint8
	PktType        uint8
	Seq            uint8
	InterRecvTime  uint32
	Timestamp      uint32
	TimestampDelta uint32
	Payload        []byte
}

func (*CcPktTrainHeader) Type() Type { return TypeCcPktTrain }
