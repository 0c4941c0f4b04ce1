package wire

import (
	"bytes"
	stdErrors "errors"
	"reflect"
	"testing"

	protoerr "github.com/alxayo/go-rft/internal/errors"
)

func hash(fill byte) (h [HashSize]byte) {
	for i := range h {
		h[i] = fill
	}
	return h
}

func TestRoundTripAllTypes(t *testing.T) {
	chunk := bytes.Repeat([]byte{0xC3}, 100)

	tests := []struct {
		name string
		msg  Message
		// wire size the encoder must produce exactly (no padding allowed)
		wantLen int
	}{
		{"file_request", FileRequest{Filename: "a.bin"}, 1 + 5},
		{"server_validation_request", ServerValidationRequest{
			Difficulty:  10,
			MaskedHash1: hash(0x11),
			Hash2:       hash(0x22),
			Nonce:       0xDEADBEEF,
			Filename:    "data/large.iso",
		}, 1 + 14 + 69},
		{"client_validation_response", ClientValidationResponse{
			Hash1:         hash(0x33),
			Nonce:         42,
			MaxThroughput: 1,
			Filename:      "a.bin",
		}, 1 + 5 + 38},
		{"server_initial_response", ServerInitialResponse{
			ConnectionID: 7,
			FileSize:     5 << 20,
			SHA256:       hash(0x44),
			Filename:     "a.bin",
		}, 1 + 5 + 42},
		{"transmission_request", TransmissionRequest{
			ConnectionID: 7,
			WindowID:     255,
			RTT:          1500,
			ChunkIndex:   4096,
		}, 1 + 11},
		{"payload", Payload{
			ConnectionID: 7,
			WindowID:     3,
			WindowSize:   16,
			Seq:          9,
			Chunk:        chunk,
		}, 1 + 100 + 7},
		{"payload_empty_chunk", Payload{
			ConnectionID: 7,
			WindowID:     0,
			WindowSize:   1,
			Seq:          0,
			Chunk:        []byte{},
		}, 1 + 7},
		{"retransmission_request", RetransmissionRequest{
			ConnectionID: 7,
			WindowID:     3,
			Bitfield:     []byte{0b10100000, 0b00000001},
		}, 1 + 2 + 3},
		{"client_finish", ClientFinish{ConnectionID: 7}, 1 + 2},
		{"error_file_not_found", ErrorFileNotFound{Filename: "missing.bin"}, 1 + 11},
		{"error_validation_failed", ErrorValidationFailed{Filename: "a.bin"}, 1 + 5},
		{"error_connection_not_found", ErrorConnectionNotFound{ConnectionID: 999}, 1 + 2},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(b) != tc.wantLen {
				t.Fatalf("encoded length %d, want exactly %d", len(b), tc.wantLen)
			}
			if Type(b[0]) != tc.msg.Type() {
				t.Fatalf("tag %#x, want %#x", b[0], byte(tc.msg.Type()))
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			want := tc.msg
			// Decode always returns a non-nil (possibly empty) variable slice.
			if p, ok := want.(Payload); ok && p.Chunk == nil {
				p.Chunk = []byte{}
				want = p
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round-trip mismatch:\n got %#v\nwant %#v", got, want)
			}
		})
	}
}

func TestPayloadMaxChunk(t *testing.T) {
	p := Payload{ConnectionID: 1, WindowID: 0, WindowSize: 1, Seq: 0,
		Chunk: bytes.Repeat([]byte{0xFF}, ChunkSize)}
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != MaxPacketSize {
		t.Fatalf("full payload must hit MaxPacketSize=%d, got %d", MaxPacketSize, len(b))
	}

	p.Chunk = append(p.Chunk, 0x00)
	if _, err := Encode(p); err == nil {
		t.Fatal("oversized chunk must be rejected")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		p    []byte
	}{
		{"empty", nil},
		{"short_transmission_request", append([]byte{byte(TypeTransmissionRequest)}, make([]byte, 10)...)},
		{"padded_transmission_request", append([]byte{byte(TypeTransmissionRequest)}, make([]byte, 12)...)},
		{"padded_client_finish", []byte{byte(TypeClientFinish), 1, 2, 3}},
		{"short_initial_response", append([]byte{byte(TypeServerInitialResponse)}, make([]byte, 41)...)},
		{"oversized", make([]byte, MaxPacketSize+1)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.p); err == nil {
				t.Fatalf("expected decode error for %x", tc.p)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0x7F, 1, 2, 3})
	if err == nil {
		t.Fatal("expected error")
	}
	if !stdErrors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
	if !protoerr.IsProtocolError(err) {
		t.Fatal("unknown-type error should classify as protocol error")
	}
}

func TestDecodeCopiesVariableField(t *testing.T) {
	b, err := Encode(Payload{ConnectionID: 1, WindowID: 0, WindowSize: 1, Seq: 0,
		Chunk: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Scribble over the receive buffer; the decoded chunk must be unaffected.
	for i := range b {
		b[i] = 0xEE
	}
	if got := m.(Payload).Chunk; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("chunk aliases receive buffer: %x", got)
	}
}

func TestFilenameWithNonASCIIBytes(t *testing.T) {
	name := "päckchen-\x00-ü.bin"
	b, err := Encode(FileRequest{Filename: name})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.(FileRequest).Filename != name {
		t.Fatalf("filename mangled: %q", m.(FileRequest).Filename)
	}
}
