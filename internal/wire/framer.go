package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedHeader is returned when a buffer cannot be decoded: it is
	// shorter than the declared size, has an unknown type tag or declares a
	// count beyond the wire limits.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrHeaderCapacity is returned by the builders when a header does not fit
	// the wire format limits.
	ErrHeaderCapacity = errors.New("header exceeds wire capacity")
)

// Flag bits.
const (
	dataFlagEncodedLen  = 0x40
	dataFlagFec         = 0x20
	dataFlagMoveForward = 0x10
	dataFlagPersist     = 0x02
	dataFlagFin         = 0x01

	createFlagDeliveryTime = 0x02
	createFlagAck          = 0x01

	closeFlagAck = 0x01

	connMeasFlagOWD = 0x80

	algFlagDeterministic = 0x02
	algFlagPacing        = 0x01
)

// PeekType returns the type tag of the first header in b.
func PeekType(b []byte) (Type, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMalformedHeader)
	}
	return Type(b[0]), nil
}

func short(t Type, need, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrMalformedHeader, t, need, have)
}

func checkTag(b []byte, t Type) error {
	if len(b) == 0 {
		return short(t, 1, 0)
	}
	if Type(b[0]) != t {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformedHeader, t, Type(b[0]))
	}
	return nil
}

func boolBit(v bool, bit byte) byte {
	if v {
		return bit
	}
	return 0
}

// ---------------------------------------------------------------------------
// Connection handshake

// ComputeConnHandshakeHeaderSize returns the encoded size of h, which grows
// with the number of offered algorithms.
func ComputeConnHandshakeHeaderSize(h *ConnHandshakeHeader) int {
	return ConnHandshakeHeaderBaseSize + len(h.Algorithms)*ConnHandshakeAlgSize
}

// BuildConnHandshakeHeader appends the handshake header to b. It fails with
// ErrHeaderCapacity when more than MaxCcAlgorithms algorithms are offered.
func BuildConnHandshakeHeader(b []byte, h *ConnHandshakeHeader) ([]byte, error) {
	if len(h.Algorithms) > MaxCcAlgorithms {
		return b, fmt.Errorf("%w: %d congestion control algorithms, max %d", ErrHeaderCapacity, len(h.Algorithms), MaxCcAlgorithms)
	}
	b = append(b, byte(TypeConnHandshake), byte(len(h.Algorithms)))
	b = binary.BigEndian.AppendUint16(b, uint16(h.Tag))
	b = binary.BigEndian.AppendUint32(b, h.Timestamp)
	b = binary.BigEndian.AppendUint32(b, h.EchoTimestamp)
	for _, a := range h.Algorithms {
		b = append(b, a.Algorithm, boolBit(a.Deterministic, algFlagDeterministic)|boolBit(a.Pacing, algFlagPacing), 0, 0)
		b = binary.BigEndian.AppendUint32(b, a.Params)
	}
	b = binary.BigEndian.AppendUint32(b, h.ClientID)
	return b, nil
}

// ParseConnHandshakeHeader decodes a handshake header and returns the number
// of bytes it occupied.
func ParseConnHandshakeHeader(b []byte) (*ConnHandshakeHeader, int, error) {
	if err := checkTag(b, TypeConnHandshake); err != nil {
		return nil, 0, err
	}
	if len(b) < ConnHandshakeHeaderBaseSize {
		return nil, 0, short(TypeConnHandshake, ConnHandshakeHeaderBaseSize, len(b))
	}
	n := int(b[1])
	if n > MaxCcAlgorithms {
		return nil, 0, fmt.Errorf("%w: %d congestion control algorithms", ErrMalformedHeader, n)
	}
	size := ConnHandshakeHeaderBaseSize + n*ConnHandshakeAlgSize
	if len(b) < size {
		return nil, 0, short(TypeConnHandshake, size, len(b))
	}
	h := &ConnHandshakeHeader{
		Tag:           MsgTag(binary.BigEndian.Uint16(b[2:4])),
		Timestamp:     binary.BigEndian.Uint32(b[4:8]),
		EchoTimestamp: binary.BigEndian.Uint32(b[8:12]),
	}
	off := 12
	if n > 0 {
		h.Algorithms = make([]CcAlgorithm, n)
	}
	for i := 0; i < n; i++ {
		h.Algorithms[i] = CcAlgorithm{
			Algorithm:     b[off],
			Deterministic: b[off+1]&algFlagDeterministic != 0,
			Pacing:        b[off+1]&algFlagPacing != 0,
			Params:        binary.BigEndian.Uint32(b[off+4 : off+8]),
		}
		off += ConnHandshakeAlgSize
	}
	h.ClientID = binary.BigEndian.Uint32(b[off : off+4])
	return h, size, nil
}

// ---------------------------------------------------------------------------
// Reset connection

// ComputeResetConnHeaderSize returns ResetConnHeaderSize.
func ComputeResetConnHeaderSize(*ResetConnHeader) int { return ResetConnHeaderSize }

// BuildResetConnHeader appends the connection reset header to b.
func BuildResetConnHeader(b []byte, h *ResetConnHeader) ([]byte, error) {
	b = append(b, byte(TypeResetConn), 0)
	return binary.BigEndian.AppendUint16(b, h.ErrorCode), nil
}

// ParseResetConnHeader decodes a connection reset header.
func ParseResetConnHeader(b []byte) (*ResetConnHeader, int, error) {
	if err := checkTag(b, TypeResetConn); err != nil {
		return nil, 0, err
	}
	if len(b) < ResetConnHeaderSize {
		return nil, 0, short(TypeResetConn, ResetConnHeaderSize, len(b))
	}
	return &ResetConnHeader{ErrorCode: binary.BigEndian.Uint16(b[2:4])}, ResetConnHeaderSize, nil
}

// ---------------------------------------------------------------------------
// Close connection

// ComputeCloseConnHeaderSize returns CloseConnHeaderSize.
func ComputeCloseConnHeaderSize(*CloseConnHeader) int { return CloseConnHeaderSize }

// BuildCloseConnHeader appends the close header, or its acknowledgment, to b.
func BuildCloseConnHeader(b []byte, h *CloseConnHeader) ([]byte, error) {
	b = append(b, byte(TypeCloseConn), boolBit(h.Ack, closeFlagAck))
	return binary.BigEndian.AppendUint16(b, h.Reason), nil
}

// ParseCloseConnHeader decodes a close header.
func ParseCloseConnHeader(b []byte) (*CloseConnHeader, int, error) {
	if err := checkTag(b, TypeCloseConn); err != nil {
		return nil, 0, err
	}
	if len(b) < CloseConnHeaderSize {
		return nil, 0, short(TypeCloseConn, CloseConnHeaderSize, len(b))
	}
	return &CloseConnHeader{
		Ack:    b[1]&closeFlagAck != 0,
		Reason: binary.BigEndian.Uint16(b[2:4]),
	}, CloseConnHeaderSize, nil
}

// ---------------------------------------------------------------------------
// Create stream

// ComputeCreateStreamHeaderSize returns CreateStreamHeaderSize.
func ComputeCreateStreamHeaderSize(*CreateStreamHeader) int { return CreateStreamHeaderSize }

// BuildCreateStreamHeader appends the stream creation header to b. The same
// layout carries the request and its acknowledgment.
func BuildCreateStreamHeader(b []byte, h *CreateStreamHeader) ([]byte, error) {
	if h.DeliveryMode > 0x0f || h.ReliabilityMode > 0x0f {
		return b, fmt.Errorf("%w: delivery mode %d / reliability mode %d do not fit 4 bits", ErrHeaderCapacity, h.DeliveryMode, h.ReliabilityMode)
	}
	flags := boolBit(h.DeliveryTime, createFlagDeliveryTime) | boolBit(h.Ack, createFlagAck)
	b = append(b, byte(TypeCreateStream), flags, h.StreamID, h.Priority)
	b = binary.BigEndian.AppendUint32(b, h.InitWindowSize)
	b = binary.BigEndian.AppendUint32(b, h.InitSeq)
	b = append(b, h.DeliveryMode<<4|h.ReliabilityMode, h.RexmitLimit)
	b = binary.BigEndian.AppendUint16(b, h.TargetDelivery)
	b = binary.BigEndian.AppendUint16(b, h.TargetRecvProb)
	return append(b, 0, 0), nil
}

// ParseCreateStreamHeader decodes a stream creation header.
func ParseCreateStreamHeader(b []byte) (*CreateStreamHeader, int, error) {
	if err := checkTag(b, TypeCreateStream); err != nil {
		return nil, 0, err
	}
	if len(b) < CreateStreamHeaderSize {
		return nil, 0, short(TypeCreateStream, CreateStreamHeaderSize, len(b))
	}
	return &CreateStreamHeader{
		Ack:             b[1]&createFlagAck != 0,
		DeliveryTime:    b[1]&createFlagDeliveryTime != 0,
		StreamID:        b[2],
		Priority:        b[3],
		InitWindowSize:  binary.BigEndian.Uint32(b[4:8]),
		InitSeq:         binary.BigEndian.Uint32(b[8:12]),
		DeliveryMode:    b[12] >> 4,
		ReliabilityMode: b[12] & 0x0f,
		RexmitLimit:     b[13],
		TargetDelivery:  binary.BigEndian.Uint16(b[14:16]),
		TargetRecvProb:  binary.BigEndian.Uint16(b[16:18]),
	}, CreateStreamHeaderSize, nil
}

// ---------------------------------------------------------------------------
// Reset stream

// ComputeResetStreamHeaderSize returns ResetStreamHeaderSize.
func ComputeResetStreamHeaderSize(*ResetStreamHeader) int { return ResetStreamHeaderSize }

// BuildResetStreamHeader appends the stream reset header to b.
func BuildResetStreamHeader(b []byte, h *ResetStreamHeader) ([]byte, error) {
	b = append(b, byte(TypeResetStream), 0, h.StreamID, h.ErrorCode)
	return binary.BigEndian.AppendUint32(b, h.FinalSeq), nil
}

// ParseResetStreamHeader decodes a stream reset header.
func ParseResetStreamHeader(b []byte) (*ResetStreamHeader, int, error) {
	if err := checkTag(b, TypeResetStream); err != nil {
		return nil, 0, err
	}
	if len(b) < ResetStreamHeaderSize {
		return nil, 0, short(TypeResetStream, ResetStreamHeaderSize, len(b))
	}
	return &ResetStreamHeader{
		StreamID:  b[2],
		ErrorCode: b[3],
		FinalSeq:  binary.BigEndian.Uint32(b[4:8]),
	}, ResetStreamHeaderSize, nil
}

// ---------------------------------------------------------------------------
// Data

// ComputeDataHeaderSize returns the header size excluding the payload.
func ComputeDataHeaderSize(h *DataHeader) int {
	size := DataHeaderBaseSize
	if h.MoveForward {
		size += 4
	}
	if h.HasFecInfo {
		size += 4
	}
	if h.HasEncodedLen {
		size += 2
	}
	return size + 2*len(h.TTGs)
}

// BuildDataHeader appends the data header followed by its payload.
func BuildDataHeader(b []byte, h *DataHeader) ([]byte, error) {
	if len(h.TTGs) > MaxTTGs {
		return b, fmt.Errorf("%w: %d TTGs, max %d", ErrHeaderCapacity, len(h.TTGs), MaxTTGs)
	}
	if len(h.Payload) > 0xffff {
		return b, fmt.Errorf("%w: payload of %d bytes", ErrHeaderCapacity, len(h.Payload))
	}
	flags := boolBit(h.HasEncodedLen, dataFlagEncodedLen) |
		boolBit(h.HasFecInfo, dataFlagFec) |
		boolBit(h.MoveForward, dataFlagMoveForward) |
		boolBit(h.Persist, dataFlagPersist) |
		boolBit(h.Fin, dataFlagFin)
	b = append(b, byte(TypeData), flags, h.StreamID, byte(len(h.TTGs)), h.CcID, h.RexmitCount)
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.Payload)))
	b = binary.BigEndian.AppendUint32(b, h.Seq)
	b = binary.BigEndian.AppendUint32(b, h.Timestamp)
	b = binary.BigEndian.AppendUint32(b, h.TimestampDelta)
	if h.MoveForward {
		b = binary.BigEndian.AppendUint32(b, h.MoveForwardSeq)
	}
	if h.HasFecInfo {
		b = binary.BigEndian.AppendUint32(b, h.FecInfo)
	}
	if h.HasEncodedLen {
		b = binary.BigEndian.AppendUint16(b, h.EncodedLen)
	}
	for _, ttg := range h.TTGs {
		b = binary.BigEndian.AppendUint16(b, ttg)
	}
	return append(b, h.Payload...), nil
}

// ParseDataHeader decodes a data header and its payload. The returned
// Payload aliases b.
func ParseDataHeader(b []byte) (*DataHeader, int, error) {
	if err := checkTag(b, TypeData); err != nil {
		return nil, 0, err
	}
	if len(b) < DataHeaderBaseSize {
		return nil, 0, short(TypeData, DataHeaderBaseSize, len(b))
	}
	flags := b[1]
	numTTG := int(b[3])
	if numTTG > MaxTTGs {
		return nil, 0, fmt.Errorf("%w: %d TTGs", ErrMalformedHeader, numTTG)
	}
	h := &DataHeader{
		Fin:            flags&dataFlagFin != 0,
		Persist:        flags&dataFlagPersist != 0,
		MoveForward:    flags&dataFlagMoveForward != 0,
		HasFecInfo:     flags&dataFlagFec != 0,
		HasEncodedLen:  flags&dataFlagEncodedLen != 0,
		StreamID:       b[2],
		CcID:           b[4],
		RexmitCount:    b[5],
		Seq:            binary.BigEndian.Uint32(b[8:12]),
		Timestamp:      binary.BigEndian.Uint32(b[12:16]),
		TimestampDelta: binary.BigEndian.Uint32(b[16:20]),
	}
	payloadLen := int(binary.BigEndian.Uint16(b[6:8]))
	hdrLen := ComputeDataHeaderSize(&DataHeader{
		MoveForward:   h.MoveForward,
		HasFecInfo:    h.HasFecInfo,
		HasEncodedLen: h.HasEncodedLen,
		TTGs:          make([]uint16, numTTG),
	})
	total := hdrLen + payloadLen
	if len(b) < total {
		return nil, 0, short(TypeData, total, len(b))
	}
	off := DataHeaderBaseSize
	if h.MoveForward {
		h.MoveForwardSeq = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	if h.HasFecInfo {
		h.FecInfo = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	if h.HasEncodedLen {
		h.EncodedLen = binary.BigEndian.Uint16(b[off : off+2])
		off += 2
	}
	if numTTG > 0 {
		h.TTGs = make([]uint16, numTTG)
		for i := range h.TTGs {
			h.TTGs[i] = binary.BigEndian.Uint16(b[off : off+2])
			off += 2
		}
	}
	if payloadLen > 0 {
		h.Payload = b[off:total:total]
	}
	return h, total, nil
}

// ---------------------------------------------------------------------------
// Ack

// ComputeAckHeaderSize returns the encoded size of h, including its observed
// times and block offsets.
func ComputeAckHeaderSize(h *AckHeader) int {
	return AckHeaderBaseSize + len(h.ObservedTimes)*AckObservedTimeSize + len(h.Blocks)*AckBlockOffsetSize
}

// BuildAckHeader appends the acknowledgment to b. When h exceeds the header
// capacity it returns b unchanged together with ErrHeaderCapacity.
func BuildAckHeader(b []byte, h *AckHeader) ([]byte, error) {
	if len(h.ObservedTimes) > MaxObservedTimes {
		return b, fmt.Errorf("%w: %d observed times, max %d", ErrHeaderCapacity, len(h.ObservedTimes), MaxObservedTimes)
	}
	if len(h.Blocks) > MaxAckBlockOffsets {
		return b, fmt.Errorf("%w: %d ack block offsets, max %d", ErrHeaderCapacity, len(h.Blocks), MaxAckBlockOffsets)
	}
	for _, blk := range h.Blocks {
		if blk.Offset > MaxAckBlockOffset {
			return b, fmt.Errorf("%w: ack block offset %d, max %d", ErrHeaderCapacity, blk.Offset, MaxAckBlockOffset)
		}
	}
	counts := byte(len(h.ObservedTimes))<<ackCountsTimesShift | byte(len(h.Blocks))
	b = append(b, byte(TypeAck), 0, h.StreamID, counts)
	b = binary.BigEndian.AppendUint32(b, h.NextExpected)
	b = binary.BigEndian.AppendUint32(b, h.Timestamp)
	b = binary.BigEndian.AppendUint32(b, h.TimestampDelta)
	for _, ot := range h.ObservedTimes {
		b = binary.BigEndian.AppendUint32(b, ot.Seq)
		b = binary.BigEndian.AppendUint32(b, ot.Timestamp)
	}
	for _, blk := range h.Blocks {
		v := blk.Offset & ackBlockOffsetMask
		if blk.Multi {
			v |= ackBlockMultiBit
		}
		b = binary.BigEndian.AppendUint16(b, v)
	}
	return b, nil
}

// ParseAckHeader decodes an acknowledgment and returns the number of bytes it
// occupied.
func ParseAckHeader(b []byte) (*AckHeader, int, error) {
	if err := checkTag(b, TypeAck); err != nil {
		return nil, 0, err
	}
	if len(b) < AckHeaderBaseSize {
		return nil, 0, short(TypeAck, AckHeaderBaseSize, len(b))
	}
	numTimes := int(b[3] >> ackCountsTimesShift)
	numBlocks := int(b[3] & ackCountsBlocksMask)
	size := AckHeaderBaseSize + numTimes*AckObservedTimeSize + numBlocks*AckBlockOffsetSize
	if len(b) < size {
		return nil, 0, short(TypeAck, size, len(b))
	}
	h := &AckHeader{
		StreamID:       b[2],
		NextExpected:   binary.BigEndian.Uint32(b[4:8]),
		Timestamp:      binary.BigEndian.Uint32(b[8:12]),
		TimestampDelta: binary.BigEndian.Uint32(b[12:16]),
	}
	off := AckHeaderBaseSize
	if numTimes > 0 {
		h.ObservedTimes = make([]ObservedTime, numTimes)
		for i := range h.ObservedTimes {
			h.ObservedTimes[i] = ObservedTime{
				Seq:       binary.BigEndian.Uint32(b[off : off+4]),
				Timestamp: binary.BigEndian.Uint32(b[off+4 : off+8]),
			}
			off += AckObservedTimeSize
		}
	}
	if numBlocks > 0 {
		h.Blocks = make([]AckBlockOffset, numBlocks)
		for i := range h.Blocks {
			v := binary.BigEndian.Uint16(b[off : off+2])
			h.Blocks[i] = AckBlockOffset{Multi: v&ackBlockMultiBit != 0, Offset: v & ackBlockOffsetMask}
			off += AckBlockOffsetSize
		}
	}
	return h, size, nil
}

// ---------------------------------------------------------------------------
// Congestion control sync

// ComputeCcSyncHeaderSize returns CcSyncHeaderSize.
func ComputeCcSyncHeaderSize(*CcSyncHeader) int { return CcSyncHeaderSize }

// BuildCcSyncHeader appends the congestion control sync header to b.
func BuildCcSyncHeader(b []byte, h *CcSyncHeader) ([]byte, error) {
	b = append(b, byte(TypeCcSync), h.CcID)
	b = binary.BigEndian.AppendUint16(b, h.Seq)
	return binary.BigEndian.AppendUint32(b, h.Params), nil
}

// ParseCcSyncHeader decodes a congestion control sync header.
func ParseCcSyncHeader(b []byte) (*CcSyncHeader, int, error) {
	if err := checkTag(b, TypeCcSync); err != nil {
		return nil, 0, err
	}
	if len(b) < CcSyncHeaderSize {
		return nil, 0, short(TypeCcSync, CcSyncHeaderSize, len(b))
	}
	return &CcSyncHeader{
		CcID:   b[1],
		Seq:    binary.BigEndian.Uint16(b[2:4]),
		Params: binary.BigEndian.Uint32(b[4:8]),
	}, CcSyncHeaderSize, nil
}

// ---------------------------------------------------------------------------
// Received packet count

// ComputeRcvdPktCntHeaderSize returns RcvdPktCntHeaderSize.
func ComputeRcvdPktCntHeaderSize(*RcvdPktCntHeader) int { return RcvdPktCntHeaderSize }

// BuildRcvdPktCntHeader appends the received packet count report to b.
func BuildRcvdPktCntHeader(b []byte, h *RcvdPktCntHeader) ([]byte, error) {
	b = append(b, byte(TypeRcvdPktCnt), 0, h.StreamID, h.RexmitCount)
	b = binary.BigEndian.AppendUint32(b, h.Seq)
	return binary.BigEndian.AppendUint32(b, h.Count), nil
}

// ParseRcvdPktCntHeader decodes a received packet count report.
func ParseRcvdPktCntHeader(b []byte) (*RcvdPktCntHeader, int, error) {
	if err := checkTag(b, TypeRcvdPktCnt); err != nil {
		return nil, 0, err
	}
	if len(b) < RcvdPktCntHeaderSize {
		return nil, 0, short(TypeRcvdPktCnt, RcvdPktCntHeaderSize, len(b))
	}
	return &RcvdPktCntHeader{
		StreamID:    b[2],
		RexmitCount: b[3],
		Seq:         binary.BigEndian.Uint32(b[4:8]),
		Count:       binary.BigEndian.Uint32(b[8:12]),
	}, RcvdPktCntHeaderSize, nil
}

// ---------------------------------------------------------------------------
// Connection measurement

// ComputeConnMeasHeaderSize returns the encoded size of h; the maximum one
// way delay is only carried when HasMaxOWD is set.
func ComputeConnMeasHeaderSize(h *ConnMeasHeader) int {
	if h.HasMaxOWD {
		return ConnMeasHeaderBaseSize + 4
	}
	return ConnMeasHeaderBaseSize
}

// BuildConnMeasHeader appends the connection measurement header to b.
func BuildConnMeasHeader(b []byte, h *ConnMeasHeader) ([]byte, error) {
	b = append(b, byte(TypeConnMeas), boolBit(h.HasMaxOWD, connMeasFlagOWD))
	b = binary.BigEndian.AppendUint16(b, h.Seq)
	if h.HasMaxOWD {
		b = binary.BigEndian.AppendUint32(b, h.MaxOWD)
	}
	return b, nil
}

// ParseConnMeasHeader decodes a connection measurement header.
func ParseConnMeasHeader(b []byte) (*ConnMeasHeader, int, error) {
	if err := checkTag(b, TypeConnMeas); err != nil {
		return nil, 0, err
	}
	if len(b) < ConnMeasHeaderBaseSize {
		return nil, 0, short(TypeConnMeas, ConnMeasHeaderBaseSize, len(b))
	}
	h := &ConnMeasHeader{
		HasMaxOWD: b[1]&connMeasFlagOWD != 0,
		Seq:       binary.BigEndian.Uint16(b[2:4]),
	}
	size := ComputeConnMeasHeaderSize(h)
	if len(b) < size {
		return nil, 0, short(TypeConnMeas, size, len(b))
	}
	if h.HasMaxOWD {
		h.MaxOWD = binary.BigEndian.Uint32(b[4:8])
	}
	return h, size, nil
}

// ---------------------------------------------------------------------------
// Congestion control packet train

// ComputeCcPktTrainHeaderSize returns the header size excluding the padding
// payload.
func ComputeCcPktTrainHeaderSize(*CcPktTrainHeader) int { return CcPktTrainHeaderSize }

// BuildCcPktTrainHeader appends the packet train header followed by its
// padding payload.
func BuildCcPktTrainHeader(b []byte, h *CcPktTrainHeader) ([]byte, error) {
	b = append(b, byte(TypeCcPktTrain), h.CcID, h.PktType, h.Seq)
	b = binary.BigEndian.AppendUint32(b, h.InterRecvTime)
	b = binary.BigEndian.AppendUint32(b, h.Timestamp)
	b = binary.BigEndian.AppendUint32(b, h.TimestampDelta)
	return append(b, h.Payload...), nil
}

// ParseCcPktTrainHeader consumes all of b; bytes after the fixed header are
// the padding payload.
func ParseCcPktTrainHeader(b []byte) (*CcPktTrainHeader, int, error) {
	if err := checkTag(b, TypeCcPktTrain); err != nil {
		return nil, 0, err
	}
	if len(b) < CcPktTrainHeaderSize {
		return nil, 0, short(TypeCcPktTrain, CcPktTrainHeaderSize, len(b))
	}
	h := &CcPktTrainHeader{
		CcID:           b[1],
		PktType:        b[2],
		Seq:            b[3],
		InterRecvTime:  binary.BigEndian.Uint32(b[4:8]),
		Timestamp:      binary.BigEndian.Uint32(b[8:12]),
		TimestampDelta: binary.BigEndian.Uint32(b[12:16]),
	}
	if len(b) > CcPktTrainHeaderSize {
		h.Payload = b[CcPktTrainHeaderSize:]
	}
	return h, len(b), nil
}

// ---------------------------------------------------------------------------
// Generic helpers

// ComputeHeaderSize returns the encoded size of any header, payloads
// included.
func ComputeHeaderSize(h Header) int {
	switch v := h.(type) {
	case *ConnHandshakeHeader:
		return ComputeConnHandshakeHeaderSize(v)
	case *ResetConnHeader:
		return ComputeResetConnHeaderSize(v)
	case *CloseConnHeader:
		return ComputeCloseConnHeaderSize(v)
	case *CreateStreamHeader:
		return ComputeCreateStreamHeaderSize(v)
	case *ResetStreamHeader:
		return ComputeResetStreamHeaderSize(v)
	case *DataHeader:
		return ComputeDataHeaderSize(v) + len(v.Payload)
	case *AckHeader:
		return ComputeAckHeaderSize(v)
	case *CcSyncHeader:
		return ComputeCcSyncHeaderSize(v)
	case *RcvdPktCntHeader:
		return ComputeRcvdPktCntHeaderSize(v)
	case *ConnMeasHeader:
		return ComputeConnMeasHeaderSize(v)
	case *CcPktTrainHeader:
		return ComputeCcPktTrainHeaderSize(v) + len(v.Payload)
	}
	return 0
}

// AppendHeader appends the encoding of h to b.
func AppendHeader(b []byte, h Header) ([]byte, error) {
	switch v := h.(type) {
	case *ConnHandshakeHeader:
		return BuildConnHandshakeHeader(b, v)
	case *ResetConnHeader:
		return BuildResetConnHeader(b, v)
	case *CloseConnHeader:
		return BuildCloseConnHeader(b, v)
	case *CreateStreamHeader:
		return BuildCreateStreamHeader(b, v)
	case *ResetStreamHeader:
		return BuildResetStreamHeader(b, v)
	case *DataHeader:
		return BuildDataHeader(b, v)
	case *AckHeader:
		return BuildAckHeader(b, v)
	case *CcSyncHeader:
		return BuildCcSyncHeader(b, v)
	case *RcvdPktCntHeader:
		return BuildRcvdPktCntHeader(b, v)
	case *ConnMeasHeader:
		return BuildConnMeasHeader(b, v)
	case *CcPktTrainHeader:
		return BuildCcPktTrainHeader(b, v)
	}
	return b, fmt.Errorf("%w: unsupported header %T", ErrHeaderCapacity, h)
}

// ParseHeader decodes the first header in b and returns the number of bytes
// it occupied.
func ParseHeader(b []byte) (Header, int, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, 0, err
	}
	var (
		h Header
		n int
	)
	switch t {
	case TypeConnHandshake:
		var v *ConnHandshakeHeader
		if v, n, err = ParseConnHandshakeHeader(b); err == nil {
			h = v
		}
	case TypeResetConn:
		var v *ResetConnHeader
		if v, n, err = ParseResetConnHeader(b); err == nil {
			h = v
		}
	case TypeCloseConn:
		var v *CloseConnHeader
		if v, n, err = ParseCloseConnHeader(b); err == nil {
			h = v
		}
	case TypeCreateStream:
		var v *CreateStreamHeader
		if v, n, err = ParseCreateStreamHeader(b); err == nil {
			h = v
		}
	case TypeResetStream:
		var v *ResetStreamHeader
		if v, n, err = ParseResetStreamHeader(b); err == nil {
			h = v
		}
	case TypeData:
		var v *DataHeader
		if v, n, err = ParseDataHeader(b); err == nil {
			h = v
		}
	case TypeAck:
		var v *AckHeader
		if v, n, err = ParseAckHeader(b); err == nil {
			h = v
		}
	case TypeCcSync:
		var v *CcSyncHeader
		if v, n, err = ParseCcSyncHeader(b); err == nil {
			h = v
		}
	case TypeRcvdPktCnt:
		var v *RcvdPktCntHeader
		if v, n, err = ParseRcvdPktCntHeader(b); err == nil {
			h = v
		}
	case TypeConnMeas:
		var v *ConnMeasHeader
		if v, n, err = ParseConnMeasHeader(b); err == nil {
			h = v
		}
	case TypeCcPktTrain:
		var v *CcPktTrainHeader
		if v, n, err = ParseCcPktTrainHeader(b); err == nil {
			h = v
		}
	default:
		return nil, 0, fmt.Errorf("%w: unknown type tag 0x%02x", ErrMalformedHeader, b[0])
	}
	if err != nil {
		return nil, 0, err
	}
	return h, n, nil
}

// ParsePacket splits a datagram into its headers, enforcing the
// concatenation rules: a connection-control header must be alone, and a data
// or packet train header must be last.
func ParsePacket(b []byte) ([]Header, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedHeader)
	}
	var headers []Header
	for off := 0; off < len(b); {
		h, n, err := ParseHeader(b[off:])
		if err != nil {
			return nil, fmt.Errorf("parse header at offset %d: %w", off, err)
		}
		off += n
		t := h.Type()
		if t.IsConnectionControl() && (len(headers) > 0 || off != len(b)) {
			return nil, fmt.Errorf("%w: %s header must travel alone", ErrMalformedHeader, t)
		}
		if (t == TypeData || t == TypeCcPktTrain) && off != len(b) {
			return nil, fmt.Errorf("%w: %d trailing bytes after %s header", ErrMalformedHeader, len(b)-off, t)
		}
		headers = append(headers, h)
	}
	return headers, nil
}
