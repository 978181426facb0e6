package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Field widths in bytes. Every integer on the wire is little-endian.
const (
	ClientIDSize    = 16
	VersionSize     = 1
	CodeSize        = 2
	PayloadSizeSize = 4
	UsernameSize    = 255
	PublicKeySize   = 160
	MessageIDSize   = 4
	MessageTypeSize = 1
	MessageSizeSize = 4
)

// MaxPayloadSize is the exclusive upper bound of a PayloadSize field (2^32).
const MaxPayloadSize uint64 = 1 << (PayloadSizeSize * 8)

var (
	// ErrTruncatedInput is returned when fewer bytes remain than a field needs.
	ErrTruncatedInput = errors.New("truncated input")
	// ErrMalformedField is returned when a decoded field fails a semantic check.
	ErrMalformedField = errors.New("malformed field")
	// ErrSizeMismatch is returned when an inner declared size disagrees with the outer payload size.
	ErrSizeMismatch = errors.New("declared size does not match payload size")

	ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrMalformedField)
	ErrMissingTerminator  = fmt.Errorf("%w: username is not NUL terminated", ErrMalformedField)
	ErrUsernameTooLong    = fmt.Errorf("%w: username exceeds %d bytes", ErrMalformedField, UsernameSize-1)
)

var byteOrder = binary.LittleEndian

// readFull reads exactly len(buf) bytes, reporting short reads as ErrTruncatedInput.
// Any other reader error is passed through untouched.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: need %d bytes: %w", ErrTruncatedInput, len(buf), err)
		}
		return err
	}
	return nil
}

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	buf := make([]byte, 1)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint16 writes a 16-bit unsigned integer in little-endian
func WriteUint16(w io.Writer, v uint16) error {
	buf := make([]byte, 2)
	byteOrder.PutUint16(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint16 reads a 16-bit unsigned integer in little-endian
func ReadUint16(r io.Reader) (uint16, error) {
	buf := make([]byte, 2)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(buf), nil
}

// WriteUint32 writes a 32-bit unsigned integer in little-endian
func WriteUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	byteOrder.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint32 reads a 32-bit unsigned integer in little-endian
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf), nil
}

// ClientID is the opaque 128-bit identifier the server assigns at registration.
type ClientID [ClientIDSize]byte

// ParseClientID decodes the hex form produced by ClientID.String.
func ParseClientID(s string) (ClientID, error) {
	var id ClientID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid client id %q: %w", s, err)
	}
	if len(raw) != ClientIDSize {
		return id, fmt.Errorf("invalid client id %q: want %d bytes, got %d", s, ClientIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id ClientID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is all zero bytes (the id sent by unregistered clients).
func (id ClientID) IsZero() bool {
	return id == ClientID{}
}

// WriteClientID writes the 16 raw id bytes
func WriteClientID(w io.Writer, id ClientID) error {
	_, err := w.Write(id[:])
	return err
}

// ReadClientID reads 16 raw id bytes
func ReadClientID(r io.Reader) (ClientID, error) {
	var id ClientID
	err := readFull(r, id[:])
	return id, err
}

// Username is a fixed-width, NUL-padded name. It is well formed only if it
// contains at least one NUL byte.
type Username [UsernameSize]byte

// NewUsername builds a NUL-terminated username from a string.
func NewUsername(name string) (Username, error) {
	var u Username
	if len(name) > UsernameSize-1 {
		return u, ErrUsernameTooLong
	}
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return u, fmt.Errorf("%w: username contains a NUL byte", ErrMalformedField)
	}
	copy(u[:], name)
	return u, nil
}

// Valid reports whether the username carries its NUL terminator.
func (u Username) Valid() bool {
	return bytes.IndexByte(u[:], 0) >= 0
}

// Canonical returns a copy with every byte after the first NUL zeroed.
func (u Username) Canonical() Username {
	var c Username
	if i := bytes.IndexByte(u[:], 0); i >= 0 {
		copy(c[:], u[:i])
		return c
	}
	return u
}

// String returns the name up to the first NUL.
func (u Username) String() string {
	if i := bytes.IndexByte(u[:], 0); i >= 0 {
		return string(u[:i])
	}
	return string(u[:])
}

// WriteUsername writes the 255 raw username bytes
func WriteUsername(w io.Writer, u Username) error {
	_, err := w.Write(u[:])
	return err
}

// ReadUsername reads 255 raw username bytes
func ReadUsername(r io.Reader) (Username, error) {
	var u Username
	err := readFull(r, u[:])
	return u, err
}

// PublicKey is opaque key material, forwarded verbatim.
type PublicKey [PublicKeySize]byte

// WritePublicKey writes the 160 raw key bytes
func WritePublicKey(w io.Writer, k PublicKey) error {
	_, err := w.Write(k[:])
	return err
}

// ReadPublicKey reads 160 raw key bytes
func ReadPublicKey(r io.Reader) (PublicKey, error) {
	var k PublicKey
	err := readFull(r, k[:])
	return k, err
}

// Code selects a request or response variant.
type Code uint16

// WriteCode writes a 2-byte code
func WriteCode(w io.Writer, c Code) error {
	return WriteUint16(w, uint16(c))
}

// ReadCode reads a 2-byte code
func ReadCode(r io.Reader) (Code, error) {
	v, err := ReadUint16(r)
	return Code(v), err
}

// MessageID identifies a pending message.
type MessageID uint32

// WriteMessageID writes a 4-byte message id
func WriteMessageID(w io.Writer, id MessageID) error {
	return WriteUint32(w, uint32(id))
}

// ReadMessageID reads a 4-byte message id
func ReadMessageID(r io.Reader) (MessageID, error) {
	v, err := ReadUint32(r)
	return MessageID(v), err
}

// MessageType tags the kind of opaque content a message carries.
type MessageType uint8

const (
	MessageTypeKeyRequest MessageType = 1 // request for the receiver's symmetric key
	MessageTypeKeyReply   MessageType = 2 // symmetric key, sealed with the receiver's public key
	MessageTypeText       MessageType = 3
	MessageTypeFile       MessageType = 4
)

// Valid reports whether t is one of the accepted message types.
func (t MessageType) Valid() bool {
	return t >= MessageTypeKeyRequest && t <= MessageTypeFile
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeKeyRequest:
		return "key_request"
	case MessageTypeKeyReply:
		return "key_reply"
	case MessageTypeText:
		return "text"
	case MessageTypeFile:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// WriteMessageType writes a 1-byte message type
func WriteMessageType(w io.Writer, t MessageType) error {
	return WriteUint8(w, uint8(t))
}

// ReadMessageType reads a 1-byte message type without checking it
func ReadMessageType(r io.Reader) (MessageType, error) {
	v, err := ReadUint8(r)
	return MessageType(v), err
}
