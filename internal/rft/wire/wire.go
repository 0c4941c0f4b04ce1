package wire

// Wire codec for the RFT datagram protocol.
//
// Every packet starts with a one-byte type tag. The encoder appends the
// variable-size field (filename, chunk or bitfield — possibly empty) directly
// after the tag, then the fixed-size fields in declaration order. The decoder
// pops the fixed fields off the tail in reverse order; whatever remains
// between the tag and the first fixed field is the variable field. Packet
// lengths are therefore exact: encoders never pad, and the variable field
// length is always total size minus the fixed meta size for the type.
//
// All multi-byte integers are little-endian.

import (
	"encoding/binary"
	stdErrors "errors"
	"fmt"

	protoerr "github.com/alxayo/go-rft/internal/errors"
)

// Type is the one-byte tag at the start of every packet.
type Type uint8

const (
	TypeFileRequest Type = iota + 1
	TypeServerValidationRequest
	TypeClientValidationResponse
	TypeServerInitialResponse
	TypeTransmissionRequest
	TypePayload
	TypeRetransmissionRequest
	TypeClientFinish
	TypeErrorFileNotFound
	TypeErrorValidationFailed
	TypeErrorConnectionNotFound
)

func (t Type) String() string {
	switch t {
	case TypeFileRequest:
		return "file_request"
	case TypeServerValidationRequest:
		return "server_validation_request"
	case TypeClientValidationResponse:
		return "client_validation_response"
	case TypeServerInitialResponse:
		return "server_initial_response"
	case TypeTransmissionRequest:
		return "transmission_request"
	case TypePayload:
		return "payload"
	case TypeRetransmissionRequest:
		return "retransmission_request"
	case TypeClientFinish:
		return "client_finish"
	case TypeErrorFileNotFound:
		return "error_file_not_found"
	case TypeErrorValidationFailed:
		return "error_validation_failed"
	case TypeErrorConnectionNotFound:
		return "error_connection_not_found"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

const (
	// ChunkSize is the maximum number of file bytes carried by one PAYLOAD.
	ChunkSize = 512
	// HashSize is the size of a SHA-256 digest on the wire.
	HashSize = 32

	payloadMetaSize = 7 // cid u16 + window id u8 + window size u16 + seq u16

	// MaxPacketSize bounds every RFT datagram: tag + full chunk + payload meta.
	MaxPacketSize = 1 + ChunkSize + payloadMetaSize
)

// ErrUnknownType marks packets whose tag is not part of the protocol; callers
// drop these silently.
var ErrUnknownType = stdErrors.New("unknown message type")

// Message is implemented by every RFT wire message.
type Message interface {
	Type() Type
}

// FileRequest asks the sender to start serving a file (receiver → sender,
// pre-connection).
type FileRequest struct {
	Filename string
}

func (FileRequest) Type() Type { return TypeFileRequest }

// ServerValidationRequest issues the client puzzle (sender → receiver).
// MaskedHash1 is hash1 with the low Difficulty bits zeroed; Hash2 is
// SHA256(hash1) and serves as the brute-force target.
type ServerValidationRequest struct {
	Difficulty  uint8
	MaskedHash1 [HashSize]byte
	Hash2       [HashSize]byte
	Nonce       uint32
	Filename    string
}

func (ServerValidationRequest) Type() Type { return TypeServerValidationRequest }

// ClientValidationResponse carries the recovered puzzle solution plus the
// receiver's throughput hint in MB/s (receiver → sender).
type ClientValidationResponse struct {
	Hash1         [HashSize]byte
	Nonce         uint32
	MaxThroughput uint16
	Filename      string
}

func (ClientValidationResponse) Type() Type { return TypeClientValidationResponse }

// ServerInitialResponse establishes the connection: assigned id, total file
// size, and the expected SHA-256 of the served file (sender → receiver).
type ServerInitialResponse struct {
	ConnectionID uint16
	FileSize     uint64
	SHA256       [HashSize]byte
	Filename     string
}

func (ServerInitialResponse) Type() Type { return TypeServerInitialResponse }

// TransmissionRequest asks for the next window starting at ChunkIndex and
// reports the most recent RTT sample in microseconds (receiver → sender).
type TransmissionRequest struct {
	ConnectionID uint16
	WindowID     uint8
	RTT          uint32
	ChunkIndex   uint32
}

func (TransmissionRequest) Type() Type { return TypeTransmissionRequest }

// Payload carries one chunk of the file (sender → receiver). Chunk may be
// shorter than ChunkSize only for the final chunk of the file.
type Payload struct {
	ConnectionID uint16
	WindowID     uint8
	WindowSize   uint16
	Seq          uint16
	Chunk        []byte
}

func (Payload) Type() Type { return TypePayload }

// RetransmissionRequest reports the receive bitmap of an incomplete window; a
// zero bit asks for the chunk at that index again (receiver → sender).
type RetransmissionRequest struct {
	ConnectionID uint16
	WindowID     uint8
	Bitfield     []byte
}

func (RetransmissionRequest) Type() Type { return TypeRetransmissionRequest }

// ClientFinish closes the connection after a verified transfer
// (receiver → sender). Idempotent on the sender.
type ClientFinish struct {
	ConnectionID uint16
}

func (ClientFinish) Type() Type { return TypeClientFinish }

// ErrorFileNotFound reports that the requested file does not exist.
type ErrorFileNotFound struct {
	Filename string
}

func (ErrorFileNotFound) Type() Type { return TypeErrorFileNotFound }

// ErrorValidationFailed reports a rejected puzzle solution.
type ErrorValidationFailed struct {
	Filename string
}

func (ErrorValidationFailed) Type() Type { return TypeErrorValidationFailed }

// ErrorConnectionNotFound reports an unknown connection id.
type ErrorConnectionNotFound struct {
	ConnectionID uint16
}

func (ErrorConnectionNotFound) Type() Type { return TypeErrorConnectionNotFound }

// fixedMetaSize returns the byte count of the fixed trailing fields per type.
func fixedMetaSize(t Type) int {
	switch t {
	case TypeFileRequest, TypeErrorFileNotFound, TypeErrorValidationFailed:
		return 0
	case TypeServerValidationRequest:
		return 1 + HashSize + HashSize + 4
	case TypeClientValidationResponse:
		return HashSize + 4 + 2
	case TypeServerInitialResponse:
		return 2 + 8 + HashSize
	case TypeTransmissionRequest:
		return 2 + 1 + 4 + 4
	case TypePayload:
		return payloadMetaSize
	case TypeRetransmissionRequest:
		return 2 + 1
	case TypeClientFinish, TypeErrorConnectionNotFound:
		return 2
	}
	return -1
}

// hasVariableField reports whether the type carries a variable-size field.
func hasVariableField(t Type) bool {
	switch t {
	case TypeTransmissionRequest, TypeClientFinish, TypeErrorConnectionNotFound:
		return false
	}
	return true
}

func appendU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func appendU64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }

// Encode serializes m into a fresh packet.
func Encode(m Message) ([]byte, error) {
	t := m.Type()
	fixed := fixedMetaSize(t)
	if fixed < 0 {
		return nil, protoerr.NewCodecError("encode", ErrUnknownType)
	}

	var variable []byte
	switch v := m.(type) {
	case FileRequest:
		variable = []byte(v.Filename)
	case ServerValidationRequest:
		variable = []byte(v.Filename)
	case ClientValidationResponse:
		variable = []byte(v.Filename)
	case ServerInitialResponse:
		variable = []byte(v.Filename)
	case Payload:
		if len(v.Chunk) > ChunkSize {
			return nil, protoerr.NewCodecError("encode.payload",
				fmt.Errorf("chunk length %d exceeds %d", len(v.Chunk), ChunkSize))
		}
		variable = v.Chunk
	case RetransmissionRequest:
		variable = v.Bitfield
	case ErrorFileNotFound:
		variable = []byte(v.Filename)
	case ErrorValidationFailed:
		variable = []byte(v.Filename)
	}

	total := 1 + len(variable) + fixed
	if total > MaxPacketSize {
		return nil, protoerr.NewCodecError("encode",
			fmt.Errorf("%s packet size %d exceeds %d", t, total, MaxPacketSize))
	}

	b := make([]byte, 0, total)
	b = append(b, byte(t))
	b = append(b, variable...)

	switch v := m.(type) {
	case ServerValidationRequest:
		b = append(b, v.Difficulty)
		b = append(b, v.MaskedHash1[:]...)
		b = append(b, v.Hash2[:]...)
		b = appendU32(b, v.Nonce)
	case ClientValidationResponse:
		b = append(b, v.Hash1[:]...)
		b = appendU32(b, v.Nonce)
		b = appendU16(b, v.MaxThroughput)
	case ServerInitialResponse:
		b = appendU16(b, v.ConnectionID)
		b = appendU64(b, v.FileSize)
		b = append(b, v.SHA256[:]...)
	case TransmissionRequest:
		b = appendU16(b, v.ConnectionID)
		b = append(b, v.WindowID)
		b = appendU32(b, v.RTT)
		b = appendU32(b, v.ChunkIndex)
	case Payload:
		b = appendU16(b, v.ConnectionID)
		b = append(b, v.WindowID)
		b = appendU16(b, v.WindowSize)
		b = appendU16(b, v.Seq)
	case RetransmissionRequest:
		b = appendU16(b, v.ConnectionID)
		b = append(b, v.WindowID)
	case ClientFinish:
		b = appendU16(b, v.ConnectionID)
	case ErrorConnectionNotFound:
		b = appendU16(b, v.ConnectionID)
	}
	return b, nil
}

// tailReader pops fixed-size fields off the end of a packet, mirroring the
// order the encoder appended them.
type tailReader struct {
	p []byte
}

func (r *tailReader) popU8() uint8 {
	n := len(r.p) - 1
	v := r.p[n]
	r.p = r.p[:n]
	return v
}

func (r *tailReader) popU16() uint16 {
	n := len(r.p) - 2
	v := binary.LittleEndian.Uint16(r.p[n:])
	r.p = r.p[:n]
	return v
}

func (r *tailReader) popU32() uint32 {
	n := len(r.p) - 4
	v := binary.LittleEndian.Uint32(r.p[n:])
	r.p = r.p[:n]
	return v
}

func (r *tailReader) popU64() uint64 {
	n := len(r.p) - 8
	v := binary.LittleEndian.Uint64(r.p[n:])
	r.p = r.p[:n]
	return v
}

func (r *tailReader) popHash() (h [HashSize]byte) {
	n := len(r.p) - HashSize
	copy(h[:], r.p[n:])
	r.p = r.p[:n]
	return h
}

// rest returns the unconsumed variable field (a copy, so the caller may reuse
// the receive buffer).
func (r *tailReader) rest() []byte {
	out := make([]byte, len(r.p))
	copy(out, r.p)
	return out
}

// Decode parses one packet. Unknown tags yield an error wrapping
// ErrUnknownType; malformed packets yield a CodecError.
func Decode(p []byte) (Message, error) {
	if len(p) == 0 {
		return nil, protoerr.NewCodecError("decode", fmt.Errorf("empty packet"))
	}
	if len(p) > MaxPacketSize {
		return nil, protoerr.NewCodecError("decode",
			fmt.Errorf("packet size %d exceeds %d", len(p), MaxPacketSize))
	}
	t := Type(p[0])
	fixed := fixedMetaSize(t)
	if fixed < 0 {
		return nil, protoerr.NewCodecError("decode", ErrUnknownType)
	}
	if len(p)-1 < fixed {
		return nil, protoerr.NewCodecError("decode",
			fmt.Errorf("%s packet too short: %d bytes", t, len(p)))
	}
	if !hasVariableField(t) && len(p)-1 != fixed {
		return nil, protoerr.NewCodecError("decode",
			fmt.Errorf("%s packet has trailing bytes: %d > %d", t, len(p)-1, fixed))
	}

	r := &tailReader{p: p[1:]}
	switch t {
	case TypeFileRequest:
		return FileRequest{Filename: string(r.rest())}, nil
	case TypeServerValidationRequest:
		m := ServerValidationRequest{}
		m.Nonce = r.popU32()
		m.Hash2 = r.popHash()
		m.MaskedHash1 = r.popHash()
		m.Difficulty = r.popU8()
		m.Filename = string(r.rest())
		return m, nil
	case TypeClientValidationResponse:
		m := ClientValidationResponse{}
		m.MaxThroughput = r.popU16()
		m.Nonce = r.popU32()
		m.Hash1 = r.popHash()
		m.Filename = string(r.rest())
		return m, nil
	case TypeServerInitialResponse:
		m := ServerInitialResponse{}
		m.SHA256 = r.popHash()
		m.FileSize = r.popU64()
		m.ConnectionID = r.popU16()
		m.Filename = string(r.rest())
		return m, nil
	case TypeTransmissionRequest:
		m := TransmissionRequest{}
		m.ChunkIndex = r.popU32()
		m.RTT = r.popU32()
		m.WindowID = r.popU8()
		m.ConnectionID = r.popU16()
		return m, nil
	case TypePayload:
		m := Payload{}
		m.Seq = r.popU16()
		m.WindowSize = r.popU16()
		m.WindowID = r.popU8()
		m.ConnectionID = r.popU16()
		m.Chunk = r.rest()
		return m, nil
	case TypeRetransmissionRequest:
		m := RetransmissionRequest{}
		m.WindowID = r.popU8()
		m.ConnectionID = r.popU16()
		m.Bitfield = r.rest()
		return m, nil
	case TypeClientFinish:
		return ClientFinish{ConnectionID: r.popU16()}, nil
	case TypeErrorFileNotFound:
		return ErrorFileNotFound{Filename: string(r.rest())}, nil
	case TypeErrorValidationFailed:
		return ErrorValidationFailed{Filename: string(r.rest())}, nil
	case TypeErrorConnectionNotFound:
		return ErrorConnectionNotFound{ConnectionID: r.popU16()}, nil
	}
	return nil, protoerr.NewCodecError("decode", ErrUnknownType)
}
