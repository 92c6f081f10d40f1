// Package codec implements the bit-exact wire framing for RPC messages
// exchanged between flow clients and servers.
package codec

import (
	"encoding/binary"

	"github.com/flowrpc/flow/rpcerrors"
)

// Type is the RPC message kind carried at offset 8 of the frame.
type Type uint8

const (
	// REQUEST carries a (service, method, payload) call from client to
	// server.
	REQUEST Type = 1
	// RESPONSE carries a unary reply or one streamed value.
	RESPONSE Type = 2
	// ERROR carries a UTF-8 error description as payload.
	ERROR Type = 3
	// COMPLETE terminates a streaming reply; payload is empty.
	COMPLETE Type = 4
)

func (t Type) valid() bool {
	switch t {
	case REQUEST, RESPONSE, ERROR, COMPLETE:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	switch t {
	case REQUEST:
		return "REQUEST"
	case RESPONSE:
		return "RESPONSE"
	case ERROR:
		return "ERROR"
	case COMPLETE:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Flags occupies the first of the three formerly-reserved bytes at offset 9.
// Only bit 0 is defined; the rest are reserved and must be written as zero.
type Flags uint8

const (
	// FlagStreaming marks the initial REQUEST frame of a streaming call, so
	// the wire format is self-describing instead of relying solely on the
	// server's handler registry (see SPEC_FULL.md §4.1).
	FlagStreaming Flags = 1 << 0
)

func (f Flags) Streaming() bool { return f&FlagStreaming != 0 }

// headerSize is the fixed portion of the frame: 8 (request_id) + 1 (type)
// + 3 (reserved) + 4*3 (three length prefixes).
const headerSize = 8 + 1 + 3 + 4 + 4 + 4

// Message is the in-memory form of an RpcMessage (§3).
type Message struct {
	RequestID   uint64
	Type        Type
	Flags       Flags
	Service     string
	Method      string
	Payload     []byte
}

// EncodedLen returns the exact number of bytes Encode will produce for msg.
func (m *Message) EncodedLen() int {
	return headerSize + len(m.Service) + len(m.Method) + len(m.Payload)
}

// Encode serializes msg into a freshly allocated buffer. It never mutates
// msg.Payload and never retains a reference to it, so the caller's buffer
// stays independent of the returned frame's lifetime (SPEC_FULL.md §9
// buffer-ownership note, applied symmetrically on the write side).
func Encode(m *Message) []byte {
	buf := make([]byte, m.EncodedLen())
	EncodeInto(m, buf)
	return buf
}

// EncodeInto writes msg into dst, which must be at least m.EncodedLen()
// bytes. It returns the number of bytes written. This is the no-extra-copy
// path recommended by §4.1 when the caller already owns a scratch buffer.
func EncodeInto(m *Message, dst []byte) int {
	binary.BigEndian.PutUint64(dst[0:8], m.RequestID)
	dst[8] = byte(m.Type)
	dst[9] = byte(m.Flags)
	dst[10] = 0
	dst[11] = 0

	off := 12
	off = putLP(dst, off, []byte(m.Service))
	off = putLP(dst, off, []byte(m.Method))
	off = putLP(dst, off, m.Payload)
	return off
}

func putLP(dst []byte, off int, b []byte) int {
	binary.BigEndian.PutUint32(dst[off:off+4], uint32(len(b)))
	off += 4
	copy(dst[off:], b)
	return off + len(b)
}

// Decode parses a frame from buf. It rejects any frame whose declared
// lengths would overrun buf with a MalformedFrame error, and rejects any
// type byte outside the closed {REQUEST,RESPONSE,ERROR,COMPLETE} set the
// same way. The returned Message's byte slices are independent copies of
// buf, decoupling their lifetime from the caller's (e.g. transport-owned
// fragment) buffer.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerSize {
		return nil, malformed("frame shorter than fixed header")
	}

	requestID := binary.BigEndian.Uint64(buf[0:8])
	typ := Type(buf[8])
	if !typ.valid() {
		return nil, malformed("unknown message type byte")
	}
	flags := Flags(buf[9])

	off := 12
	service, off, err := getLP(buf, off)
	if err != nil {
		return nil, err
	}
	method, off, err := getLP(buf, off)
	if err != nil {
		return nil, err
	}
	payload, off, err := getLP(buf, off)
	if err != nil {
		return nil, err
	}
	if off != len(buf) {
		return nil, malformed("trailing bytes after payload")
	}

	return &Message{
		RequestID: requestID,
		Type:      typ,
		Flags:     flags,
		Service:   string(service),
		Method:    string(method),
		Payload:   payload,
	}, nil
}

func getLP(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, malformed("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if n < 0 || off+n > len(buf) {
		return nil, 0, malformed("declared length overruns buffer")
	}
	out := make([]byte, n)
	copy(out, buf[off:off+n])
	return out, off + n, nil
}

func malformed(msg string) error {
	return rpcerrors.New(rpcerrors.MalformedFrame, msg)
}
