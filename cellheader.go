package relay

// cellheader.go implements the fixed 14-byte header that prefixes every
// cell on an OR connection. Encoding is big-endian, matching the wire
// layout of the onion-routing cell this core models.

import (
	"encoding/binary"
	"fmt"
)

// Cell commands. Only RELAY_DATA and RELAY_SENDME are interpreted by this
// core; any other command is forwarded verbatim without inspection.
const (
	CmdRelayData   uint8 = 1
	CmdRelaySendme uint8 = 2
)

// Cell type tags distinguish a RELAY cell from a control cell.
const (
	TypeRelay   uint8 = 0
	TypeControl uint8 = 1
)

// CellHeaderSize is the fixed wire size of a CellHeader.
const CellHeaderSize = 14

// CellNetworkSize is the size of a whole cell on an OR connection: header
// plus payload.
const CellNetworkSize = 512

// CellPayloadSize is the size of a cell's payload, and also the whole size
// of a bare cell on an edge connection (no header).
const CellPayloadSize = 498

// MalformedCell is returned (and, for the fatal paths this core treats as
// invariant violations, wrapped in a panic) when a buffer is too short to
// hold a CellHeader.
type MalformedCell struct {
	Got int
}

func (e *MalformedCell) Error() string {
	return fmt.Sprintf("malformed cell: need %d header bytes, got %d", CellHeaderSize, e.Got)
}

// CellHeader is the 14-byte header carried on every OR-connection cell:
//
//	circ_id:u16 | cmd:u8 | typ:u8 | stream_id:u16 | digest:u32 | length:u16 | pad:u16
type CellHeader struct {
	CircID   uint16
	Cmd      uint8
	Typ      uint8
	StreamID uint16
	Digest   uint32 // opaque; no cryptography is modeled here
	Length   uint16
}

// IsSendme reports whether this header describes a RELAY_SENDME cell.
func (h *CellHeader) IsSendme() bool {
	return h.Cmd == CmdRelaySendme
}

// encode writes h into buf[:14] in big-endian wire order. Panics if buf is
// shorter than CellHeaderSize — a caller-side invariant violation, not a
// runtime condition.
func (h *CellHeader) encode(buf []byte) {
	if len(buf) < CellHeaderSize {
		panic(fmt.Errorf("encode: buffer too small: %d < %d", len(buf), CellHeaderSize))
	}
	binary.BigEndian.PutUint16(buf[0:2], h.CircID)
	buf[2] = h.Cmd
	buf[3] = h.Typ
	binary.BigEndian.PutUint16(buf[4:6], h.StreamID)
	binary.BigEndian.PutUint32(buf[6:10], h.Digest)
	binary.BigEndian.PutUint16(buf[10:12], h.Length)
	buf[12] = 0
	buf[13] = 0
}

// peekCellHeader decodes the header at the front of buf without consuming
// it. Returns MalformedCell if buf is shorter than CellHeaderSize.
func peekCellHeader(buf []byte) (CellHeader, error) {
	if len(buf) < CellHeaderSize {
		return CellHeader{}, &MalformedCell{Got: len(buf)}
	}
	return CellHeader{
		CircID:   binary.BigEndian.Uint16(buf[0:2]),
		Cmd:      buf[2],
		Typ:      buf[3],
		StreamID: binary.BigEndian.Uint16(buf[4:6]),
		Digest:   binary.BigEndian.Uint32(buf[6:10]),
		Length:   binary.BigEndian.Uint16(buf[10:12]),
	}, nil
}

// removeCellHeader decodes the header at the front of buf and returns the
// remaining bytes (the payload) alongside it. Returns MalformedCell if buf
// is shorter than CellHeaderSize.
func removeCellHeader(buf []byte) (CellHeader, []byte, error) {
	h, err := peekCellHeader(buf)
	if err != nil {
		return CellHeader{}, nil, err
	}
	return h, buf[CellHeaderSize:], nil
}

// encodeCell prepends a freshly built header to payload, producing a
// CellNetworkSize-capacity OR-connection cell. Used by the relay's
// packaging path when a bare edge payload is wrapped for relay onto an OR
// connection.
func encodeCell(circID uint16, cmd uint8, streamID uint16, payload []byte) []byte {
	cell := make([]byte, CellHeaderSize+len(payload))
	h := CellHeader{
		CircID:   circID,
		Cmd:      cmd,
		Typ:      TypeRelay,
		StreamID: streamID,
		Length:   uint16(len(payload)),
	}
	h.encode(cell)
	copy(cell[CellHeaderSize:], payload)
	return cell
}

// newSendmeCell builds a full-size RELAY_SENDME cell for circID: a
// CellHeaderSize header followed by a zero-filled CellPayloadSize payload,
// the same CellNetworkSize framing as every other OR-connection cell. Used
// by Circuit.popCell when deliver_window crosses the back-pressure
// threshold.
func newSendmeCell(circID uint16) []byte {
	cell := make([]byte, CellHeaderSize+CellPayloadSize)
	h := CellHeader{CircID: circID, Cmd: CmdRelaySendme, Typ: TypeControl, Length: CellPayloadSize}
	h.encode(cell)
	return cell
}
