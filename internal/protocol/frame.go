// Package protocol implements the binary framing used by governance
// collaborators that speak raw TCP instead of HTTP: a fixed 40-byte header
// followed by a JSON payload, integrity-checked with CRC-32.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
)

// Magic bytes identifying a governance frame.
const (
	MagicByte1 uint8 = 0x47 // 'G'
	MagicByte2 uint8 = 0x56 // 'V'
)

const (
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
)

// FrameType discriminates the payload.
type FrameType uint8

const (
	FrameTypeGovernRequest FrameType = 0x01
	FrameTypeVerdict       FrameType = 0x02
	FrameTypeSignal        FrameType = 0x03
	FrameTypeEscrowRelease FrameType = 0x04
	FrameTypeLedgerEntry   FrameType = 0x05
	FrameTypePing          FrameType = 0x10
	FrameTypePong          FrameType = 0x11
	FrameTypeError         FrameType = 0xFF
)

func (ft FrameType) String() string {
	switch ft {
	case FrameTypeGovernRequest:
		return "GOVERN_REQUEST"
	case FrameTypeVerdict:
		return "VERDICT"
	case FrameTypeSignal:
		return "SIGNAL"
	case FrameTypeEscrowRelease:
		return "ESCROW_RELEASE"
	case FrameTypeLedgerEntry:
		return "LEDGER_ENTRY"
	case FrameTypePing:
		return "PING"
	case FrameTypePong:
		return "PONG"
	case FrameTypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(ft))
	}
}

// FrameFlags carry per-frame options.
type FrameFlags uint8

const (
	FlagSigned     FrameFlags = 1 << 0 // payload carries an envelope signature
	FlagCompressed FrameFlags = 1 << 1
	FlagReplay     FrameFlags = 1 << 2 // retransmission of an earlier frame
)

// Header layout (40 bytes, big-endian):
//
//	bytes  0-1   magic "GV"
//	bytes  2-3   version major, minor
//	byte   4     frame type
//	byte   5     flags
//	bytes  6-7   reserved (zero)
//	bytes  8-23  request id (UUID, 16 bytes)
//	bytes 24-31  timestamp (Unix nanos)
//	bytes 32-35  payload length
//	bytes 36-39  CRC-32 (IEEE) over header[0:36] ‖ payload
type Header struct {
	Magic        [2]uint8
	VersionMajor uint8
	VersionMinor uint8
	FrameType    FrameType
	Flags        FrameFlags
	Reserved     uint16
	RequestID    [16]byte
	Timestamp    int64
	PayloadLen   uint32
	Checksum     uint32
}

// HeaderSize is the wire size of the frame header.
const HeaderSize = 40

// MaxPayloadSize bounds frame payloads; matches the governance payload limit
// plus envelope overhead.
const MaxPayloadSize = 2 << 20

// Frame is a header plus its JSON payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewFrame builds a frame for a request id, stamping the current time.
func NewFrame(ft FrameType, requestID uuid.UUID, payload []byte) *Frame {
	f := &Frame{
		Header: Header{
			Magic:        [2]uint8{MagicByte1, MagicByte2},
			VersionMajor: VersionMajor,
			VersionMinor: VersionMinor,
			FrameType:    ft,
			Timestamp:    time.Now().UnixNano(),
			PayloadLen:   uint32(len(payload)),
		},
		Payload: payload,
	}
	copy(f.Header.RequestID[:], requestID[:])
	return f
}

// RequestUUID returns the request id carried in the header.
func (f *Frame) RequestUUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], f.Header.RequestID[:])
	return id
}

func (h *Header) validate() error {
	if h.Magic[0] != MagicByte1 || h.Magic[1] != MagicByte2 {
		return fmt.Errorf("protocol: bad magic %02X%02X", h.Magic[0], h.Magic[1])
	}
	if h.VersionMajor != VersionMajor {
		return fmt.Errorf("protocol: unsupported version %d.%d", h.VersionMajor, h.VersionMinor)
	}
	if h.PayloadLen > MaxPayloadSize {
		return fmt.Errorf("protocol: payload %d exceeds limit %d", h.PayloadLen, MaxPayloadSize)
	}
	return nil
}

func (h *Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1] = h.Magic[0], h.Magic[1]
	buf[2], buf[3] = h.VersionMajor, h.VersionMinor
	buf[4] = uint8(h.FrameType)
	buf[5] = uint8(h.Flags)
	binary.BigEndian.PutUint16(buf[6:8], h.Reserved)
	copy(buf[8:24], h.RequestID[:])
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.Timestamp))
	binary.BigEndian.PutUint32(buf[32:36], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[36:40], h.Checksum)
	return buf
}

func (h *Header) unmarshal(buf []byte) {
	h.Magic[0], h.Magic[1] = buf[0], buf[1]
	h.VersionMajor, h.VersionMinor = buf[2], buf[3]
	h.FrameType = FrameType(buf[4])
	h.Flags = FrameFlags(buf[5])
	h.Reserved = binary.BigEndian.Uint16(buf[6:8])
	copy(h.RequestID[:], buf[8:24])
	h.Timestamp = int64(binary.BigEndian.Uint64(buf[24:32]))
	h.PayloadLen = binary.BigEndian.Uint32(buf[32:36])
	h.Checksum = binary.BigEndian.Uint32(buf[36:40])
}

func checksum(headerBytes, payload []byte) uint32 {
	crc := crc32.NewIEEE()
	crc.Write(headerBytes[:36])
	crc.Write(payload)
	return crc.Sum32()
}

// Marshal serializes the frame, computing the checksum.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("protocol: payload %d exceeds limit %d", len(f.Payload), MaxPayloadSize)
	}
	f.Header.PayloadLen = uint32(len(f.Payload))

	head := f.Header.marshal()
	f.Header.Checksum = checksum(head, f.Payload)
	binary.BigEndian.PutUint32(head[36:40], f.Header.Checksum)

	var out bytes.Buffer
	out.Grow(HeaderSize + len(f.Payload))
	out.Write(head)
	out.Write(f.Payload)
	return out.Bytes(), nil
}

// ReadFrame reads and verifies one frame from the stream.
func ReadFrame(r io.Reader) (*Frame, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	var f Frame
	f.Header.unmarshal(head)
	if err := f.Header.validate(); err != nil {
		return nil, err
	}

	f.Payload = make([]byte, f.Header.PayloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, err
	}

	if got := checksum(head, f.Payload); got != f.Header.Checksum {
		return nil, fmt.Errorf("protocol: checksum mismatch: got %08X want %08X", got, f.Header.Checksum)
	}
	return &f, nil
}

// WriteFrame serializes and writes one frame to the stream.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
