// Package tunnel implements the multiplexed WebSocket tunnel protocol that
// carries port-forward traffic across the CLI → Host → Runner → container
// chain. Every frame starts with an 8-byte big-endian header followed by a
// variable-length payload framed by the WebSocket message boundary.
package tunnel

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed length of the frame header in bytes.
const HeaderSize = 8

// Frame types.
const (
	TypeConnect   byte = 0x01
	TypeConnected byte = 0x02
	TypeData      byte = 0x03
	TypeClose     byte = 0x04
	TypeError     byte = 0x05
	TypePing      byte = 0x06
	TypePong      byte = 0x07
)

// Protocols.
const (
	ProtoTCP byte = 0x00
	ProtoUDP byte = 0x01
)

// Header is the fixed framing prefix on every tunnel message.
type Header struct {
	Type     byte
	Proto    byte
	ClientID uint32
	Port     uint16
}

// Encode serializes the header into an 8-byte big-endian prefix.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	buf[1] = h.Proto
	binary.BigEndian.PutUint32(buf[2:6], h.ClientID)
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

// DecodeHeader parses the header prefix and returns the payload remainder.
// Any input shorter than HeaderSize is rejected.
func DecodeHeader(msg []byte) (Header, []byte, error) {
	if len(msg) < HeaderSize {
		return Header{}, nil, fmt.Errorf("tunnel frame too short: %d bytes", len(msg))
	}
	h := Header{
		Type:     msg[0],
		Proto:    msg[1],
		ClientID: binary.BigEndian.Uint32(msg[2:6]),
		Port:     binary.BigEndian.Uint16(msg[6:8]),
	}
	return h, msg[HeaderSize:], nil
}

// Frame prepends the encoded header to a payload.
func Frame(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf, h.Encode())
	copy(buf[HeaderSize:], payload)
	return buf
}
