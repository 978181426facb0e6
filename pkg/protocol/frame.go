package protocol

import (
	"bytes"
	"io"
)

const (
	// RequestHeaderSize is ClientID + Version + Code + PayloadSize
	RequestHeaderSize = ClientIDSize + VersionSize + CodeSize + PayloadSizeSize

	// ResponseHeaderSize is Version + Code + PayloadSize
	ResponseHeaderSize = VersionSize + CodeSize + PayloadSizeSize

	// ServerVersion is advertised in every response header
	ServerVersion = 2

	// ClientVersion is what the bundled client puts in request headers
	ClientVersion = 2

	// DefaultChunkSize bounds every single read from or write to a connection
	DefaultChunkSize = 1024
)

// RequestHeader opens every request
// Format: [ClientID (16)][Version (1)][Code (2)][PayloadSize (4)]
type RequestHeader struct {
	ClientID    ClientID
	Version     uint8
	Code        Code
	PayloadSize uint32
}

// EncodeTo writes the header to the writer
func (h *RequestHeader) EncodeTo(w io.Writer) error {
	if err := WriteClientID(w, h.ClientID); err != nil {
		return err
	}
	if err := WriteUint8(w, h.Version); err != nil {
		return err
	}
	if err := WriteCode(w, h.Code); err != nil {
		return err
	}
	return WriteUint32(w, h.PayloadSize)
}

// Encode returns the 23 header bytes
func (h *RequestHeader) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, RequestHeaderSize))
	_ = h.EncodeTo(buf)
	return buf.Bytes()
}

// DecodeRequestHeader reads exactly RequestHeaderSize bytes from the reader
func DecodeRequestHeader(r io.Reader) (*RequestHeader, error) {
	raw := make([]byte, RequestHeaderSize)
	if err := readFull(r, raw); err != nil {
		return nil, err
	}
	buf := bytes.NewReader(raw)

	h := &RequestHeader{}
	h.ClientID, _ = ReadClientID(buf)
	h.Version, _ = ReadUint8(buf)
	h.Code, _ = ReadCode(buf)
	h.PayloadSize, _ = ReadUint32(buf)
	return h, nil
}

// ResponseHeader opens every response
// Format: [Version (1)][Code (2)][PayloadSize (4)]
type ResponseHeader struct {
	Version     uint8
	Code        Code
	PayloadSize uint32
}

// NewResponseHeader returns a header stamped with the server version
func NewResponseHeader(code Code, payloadSize uint32) *ResponseHeader {
	return &ResponseHeader{
		Version:     ServerVersion,
		Code:        code,
		PayloadSize: payloadSize,
	}
}

// EncodeTo writes the header to the writer
func (h *ResponseHeader) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, h.Version); err != nil {
		return err
	}
	if err := WriteCode(w, h.Code); err != nil {
		return err
	}
	return WriteUint32(w, h.PayloadSize)
}

// Encode returns the 7 header bytes
func (h *ResponseHeader) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, ResponseHeaderSize))
	_ = h.EncodeTo(buf)
	return buf.Bytes()
}

// DecodeResponseHeader reads exactly ResponseHeaderSize bytes from the reader
func DecodeResponseHeader(r io.Reader) (*ResponseHeader, error) {
	raw := make([]byte, ResponseHeaderSize)
	if err := readFull(r, raw); err != nil {
		return nil, err
	}
	buf := bytes.NewReader(raw)

	h := &ResponseHeader{}
	h.Version, _ = ReadUint8(buf)
	h.Code, _ = ReadCode(buf)
	h.PayloadSize, _ = ReadUint32(buf)
	return h, nil
}

// CopyChunked copies exactly n bytes from src to dst, never moving more than
// chunkSize bytes per read or write. A source that ends early yields
// ErrTruncatedInput.
func CopyChunked(dst io.Writer, src io.Reader, n int64, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if n < int64(chunkSize) {
		chunkSize = int(n)
	}
	buf := make([]byte, chunkSize)

	var copied int64
	for copied < n {
		want := int64(len(buf))
		if remaining := n - copied; remaining < want {
			want = remaining
		}
		chunk := buf[:want]
		if err := readFull(src, chunk); err != nil {
			return copied, err
		}
		if _, err := dst.Write(chunk); err != nil {
			return copied, err
		}
		copied += want
	}
	return copied, nil
}
