// Package record implements the FastCGI record codec: framing of outbound
// BEGIN_REQUEST/PARAMS/STDIN records and incremental parsing of inbound
// STDOUT/STDERR/END_REQUEST records from a byte stream that may deliver
// partial frames.
package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is a FastCGI record type as defined by the FastCGI 1.0 spec.
type Type uint8

const (
	TypeBeginRequest Type = 1
	TypeAbortRequest Type = 2
	TypeEndRequest   Type = 3
	TypeParams       Type = 4
	TypeStdin        Type = 5
	TypeStdout       Type = 6
	TypeStderr       Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Role is the FastCGI application role carried in BEGIN_REQUEST.
type Role uint16

const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
)

const (
	version1 = 1

	// HeaderLen is the fixed size of a FastCGI record header.
	HeaderLen = 8

	// MaxContentLength is the largest content a single record may carry;
	// the PARAMS stream for one request must fit within this limit.
	MaxContentLength = 65535

	// RequestID is fixed at 1 for every record this gateway emits or
	// accepts: it never multiplexes more than one request per connection.
	RequestID = 1
)

var (
	// ErrParamsTooLarge is returned when an environment would not fit in
	// a single PARAMS record.
	ErrParamsTooLarge = errors.New("record: params exceed 65535 bytes")
	// ErrTruncated is returned by decoders of an already-extracted
	// content buffer (e.g. DecodeParams) when it ends mid name/value pair.
	ErrTruncated = errors.New("record: truncated name/value stream")
)

type header struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

func padding(n int) uint8 {
	return uint8((8 - (n % 8)) % 8)
}

// writeHeader appends an 8-byte FastCGI header to buf.
func writeHeader(buf *bytes.Buffer, typ Type, contentLen int) {
	h := header{
		Version:       version1,
		Type:          uint8(typ),
		RequestID:     RequestID,
		ContentLength: uint16(contentLen),
		PaddingLength: padding(contentLen),
	}
	_ = binary.Write(buf, binary.BigEndian, h)
}

// EncodeRecord appends a complete record (header, content, padding) to buf.
// content must be at most MaxContentLength bytes; callers that chunk larger
// payloads (STDIN) must split before calling this.
func EncodeRecord(buf *bytes.Buffer, typ Type, content []byte) error {
	if len(content) > MaxContentLength {
		return fmt.Errorf("record: content length %d exceeds max %d", len(content), MaxContentLength)
	}
	writeHeader(buf, typ, len(content))
	if len(content) > 0 {
		buf.Write(content)
	}
	if p := padding(len(content)); p > 0 {
		buf.Write(make([]byte, p))
	}
	return nil
}

// EncodeBeginRequest appends a BEGIN_REQUEST record for the given role.
func EncodeBeginRequest(buf *bytes.Buffer, role Role) {
	body := [8]byte{byte(role >> 8), byte(role), 0 /* flags */}
	// EncodeRecord cannot fail for an 8-byte body.
	_ = EncodeRecord(buf, TypeBeginRequest, body[:])
}

// writeSize encodes a name/value length: one byte if < 128, else four bytes
// with the high bit of the first byte set, per the FastCGI 1.0 spec.
func writeSize(w *bytes.Buffer, size int) {
	if size < 128 {
		w.WriteByte(byte(size))
		return
	}
	sz := uint32(size) | (1 << 31)
	_ = binary.Write(w, binary.BigEndian, sz)
}

// readSize decodes a name/value length starting at b[0], returning the
// value and the number of bytes consumed, or ok=false if b is too short.
func readSize(b []byte) (size int, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), 1, true
	}
	if len(b) < 4 {
		return 0, 0, false
	}
	v := binary.BigEndian.Uint32(b[:4])
	return int(v &^ (1 << 31)), 4, true
}

// EncodeParams appends PARAMS records for pairs, terminated by an empty
// PARAMS record. The encoded name/value stream must fit in a single record
// (MaxContentLength); a larger environment is a caller-visible error rather
// than being split across records, matching the spec's single-record PARAMS
// contract.
func EncodeParams(buf *bytes.Buffer, pairs map[string]string) error {
	var body bytes.Buffer
	for k, v := range pairs {
		writeSize(&body, len(k))
		writeSize(&body, len(v))
		body.WriteString(k)
		body.WriteString(v)
	}
	if body.Len() > MaxContentLength {
		return ErrParamsTooLarge
	}
	if err := EncodeRecord(buf, TypeParams, body.Bytes()); err != nil {
		return err
	}
	return EncodeRecord(buf, TypeParams, nil)
}

// DecodeParams decodes a PARAMS record's content (as produced by
// EncodeParams, sans the terminating empty record) back into name/value
// pairs.
func DecodeParams(content []byte) (map[string]string, error) {
	pairs := make(map[string]string)
	b := content
	for len(b) > 0 {
		klen, n1, ok := readSize(b)
		if !ok {
			return nil, ErrTruncated
		}
		b = b[n1:]
		vlen, n2, ok := readSize(b)
		if !ok {
			return nil, ErrTruncated
		}
		b = b[n2:]
		if len(b) < klen+vlen {
			return nil, ErrTruncated
		}
		k := string(b[:klen])
		v := string(b[klen : klen+vlen])
		pairs[k] = v
		b = b[klen+vlen:]
	}
	return pairs, nil
}

// EncodeStdinChunk appends a single STDIN record carrying up to
// MaxContentLength bytes from the front of data, returning the number of
// bytes consumed. Callers loop until all body bytes are queued, then call
// EncodeEmptyStdin once the request body is fully known to be sent.
func EncodeStdinChunk(buf *bytes.Buffer, data []byte) int {
	n := len(data)
	if n > MaxContentLength {
		n = MaxContentLength
	}
	_ = EncodeRecord(buf, TypeStdin, data[:n])
	return n
}

// EncodeEmptyStdin appends the empty STDIN record that terminates the
// request body stream.
func EncodeEmptyStdin(buf *bytes.Buffer) {
	_ = EncodeRecord(buf, TypeStdin, nil)
}

// EndRequestBody is the 8-byte content of an END_REQUEST record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus uint8
}

// DecodeEndRequest parses an END_REQUEST record's content.
func DecodeEndRequest(content []byte) (EndRequestBody, error) {
	if len(content) < 8 {
		return EndRequestBody{}, fmt.Errorf("record: short END_REQUEST body (%d bytes)", len(content))
	}
	return EndRequestBody{
		AppStatus:      binary.BigEndian.Uint32(content[:4]),
		ProtocolStatus: content[4],
	}, nil
}

// Frame is a fully decoded FastCGI record: header fields plus the content
// bytes (padding already stripped).
type Frame struct {
	Type          Type
	RequestID     uint16
	ContentLength int
	Content       []byte
}

// Decode attempts to extract one complete record from the head of rb. It
// consumes rb only when a full frame (header + content + padding) is
// present; otherwise it returns ok=false and leaves rb untouched, so the
// caller can retry once more bytes arrive. Decode holds no state across
// calls, matching the FastCGI record boundary being self-describing.
func Decode(rb *bytes.Buffer) (frame Frame, ok bool, err error) {
	b := rb.Bytes()
	if len(b) < HeaderLen {
		return Frame{}, false, nil
	}
	var h header
	h.Version = b[0]
	h.Type = b[1]
	h.RequestID = binary.BigEndian.Uint16(b[2:4])
	h.ContentLength = binary.BigEndian.Uint16(b[4:6])
	h.PaddingLength = b[6]

	total := HeaderLen + int(h.ContentLength) + int(h.PaddingLength)
	if len(b) < total {
		return Frame{}, false, nil
	}

	content := make([]byte, h.ContentLength)
	copy(content, b[HeaderLen:HeaderLen+int(h.ContentLength)])

	rb.Next(total)

	return Frame{
		Type:          Type(h.Type),
		RequestID:     h.RequestID,
		ContentLength: int(h.ContentLength),
		Content:       content,
	}, true, nil
}
