package tunnel

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    Header
	}{
		{name: "connect tcp", h: Header{Type: TypeConnect, Proto: ProtoTCP, ClientID: 1, Port: 8080}},
		{name: "data udp", h: Header{Type: TypeData, Proto: ProtoUDP, ClientID: 4294967295, Port: 65535}},
		{name: "close", h: Header{Type: TypeClose, ClientID: 42}},
		{name: "ping zero", h: Header{Type: TypePing}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.h.Encode()
			if len(encoded) != HeaderSize {
				t.Fatalf("Encode() length = %d, want %d", len(encoded), HeaderSize)
			}

			decoded, payload, err := DecodeHeader(encoded)
			if err != nil {
				t.Fatalf("DecodeHeader() error = %v", err)
			}
			if decoded != tt.h {
				t.Errorf("DecodeHeader() = %+v, want %+v", decoded, tt.h)
			}
			if len(payload) != 0 {
				t.Errorf("payload length = %d, want 0", len(payload))
			}
		})
	}
}

func TestDecodeHeaderShortInput(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, _, err := DecodeHeader(make([]byte, n)); err == nil {
			t.Errorf("DecodeHeader() accepted %d-byte input", n)
		}
	}
}

func TestFramePayload(t *testing.T) {
	payload := []byte("hello world")
	h := Header{Type: TypeData, Proto: ProtoTCP, ClientID: 7, Port: 5432}

	msg := Frame(h, payload)
	decoded, rest, err := DecodeHeader(msg)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if decoded != h {
		t.Errorf("header = %+v, want %+v", decoded, h)
	}
	if !bytes.Equal(rest, payload) {
		t.Errorf("payload = %q, want %q", rest, payload)
	}
}

func TestEncodeBigEndian(t *testing.T) {
	h := Header{Type: TypeConnect, Proto: ProtoUDP, ClientID: 0x01020304, Port: 0x1122}
	want := []byte{0x01, 0x01, 0x01, 0x02, 0x03, 0x04, 0x11, 0x22}
	if got := h.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = %x, want %x", got, want)
	}
}
