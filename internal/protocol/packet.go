// Package protocol implements the framed wire codec shared by the gateway,
// the client protocol, and the health-checker peer mesh.
//
// Every packet is a 1-byte type, a 4-byte big-endian payload length, and the
// payload. Typed batch payloads are UTF-8 JSON objects {rows:[...], eof:bool}.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

// PacketType identifies the payload of a framed packet. The codes are stable
// wire constants.
type PacketType uint8

const (
	TypeStoreBatch            PacketType = 1
	TypeUsersBatch            PacketType = 2
	TypeTransactionsBatch     PacketType = 3
	TypeTransactionItemsBatch PacketType = 4
	TypeMenuItemsBatch        PacketType = 5

	TypeFileSendStart PacketType = 10
	TypeFileSendEnd   PacketType = 11
	TypeSessionID     PacketType = 12
	TypeResult        PacketType = 13
	TypeHeartbeat     PacketType = 14

	TypeAck   PacketType = 20
	TypeError PacketType = 21

	TypeHCHeartbeat   PacketType = 30
	TypeHCElection    PacketType = 31
	TypeHCOk          PacketType = 32
	TypeHCCoordinator PacketType = 33
)

// MaxPayload bounds a single packet payload. Larger frames are refused
// before allocation so a corrupt length cannot exhaust memory.
const MaxPayload = 64 << 20

const headerLen = 5

// Packet is one framed message.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Write frames and writes the packet.
func Write(w io.Writer, p Packet) error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("%w: payload %d exceeds max %d", domain.ErrInvalidArgument, len(p.Payload), MaxPayload)
	}
	var hdr [headerLen]byte
	hdr[0] = byte(p.Type)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(p.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(p.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(p.Payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Read reads one framed packet.
func Read(r io.Reader) (Packet, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayload {
		return Packet{}, fmt.Errorf("%w: payload length %d exceeds max %d", domain.ErrBadPayload, n, MaxPayload)
	}
	p := Packet{Type: PacketType(hdr[0])}
	if n > 0 {
		p.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			return Packet{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return p, nil
}

// ErrorBody is the decoded form of a TypeError payload.
type ErrorBody struct {
	Code    uint32
	Message string
}

// EncodeError encodes an error payload: uint32 code | uint32 len | message.
func EncodeError(code uint32, message string) []byte {
	buf := make([]byte, 8+len(message))
	binary.BigEndian.PutUint32(buf[0:], code)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(message)))
	copy(buf[8:], message)
	return buf
}

// DecodeError decodes a TypeError payload.
func DecodeError(b []byte) (ErrorBody, error) {
	if len(b) < 8 {
		return ErrorBody{}, fmt.Errorf("%w: error payload too short", domain.ErrBadPayload)
	}
	code := binary.BigEndian.Uint32(b[0:])
	n := binary.BigEndian.Uint32(b[4:])
	if int(n) != len(b)-8 {
		return ErrorBody{}, fmt.Errorf("%w: error message length mismatch", domain.ErrBadPayload)
	}
	return ErrorBody{Code: code, Message: string(b[8:])}, nil
}
