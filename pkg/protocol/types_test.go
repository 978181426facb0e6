package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadUint16(t *testing.T) {
	tests := []struct {
		name  string
		value uint16
	}{
		{"zero", 0},
		{"one", 1},
		{"register", uint16(CodeRegister)},
		{"max", 65535},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, WriteUint16(buf, tt.value))
			assert.Equal(t, 2, buf.Len())

			got, err := ReadUint16(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestWriteReadUint32(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
	}{
		{"zero", 0},
		{"one", 1},
		{"mid", 1 << 16},
		{"max", 1<<32 - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, WriteUint32(buf, tt.value))
			assert.Equal(t, 4, buf.Len())

			got, err := ReadUint32(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestLittleEndianEncoding(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteCode(buf, CodeSendMessage))
	assert.Equal(t, []byte{0x4f, 0x04}, buf.Bytes(), "1103 = 0x044f")

	buf.Reset()
	require.NoError(t, WriteMessageID(buf, 0x01020304))
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf.Bytes())
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		read func(io.Reader) error
		have int
	}{
		{"uint8", func(r io.Reader) error { _, err := ReadUint8(r); return err }, 0},
		{"uint16", func(r io.Reader) error { _, err := ReadUint16(r); return err }, 1},
		{"uint32", func(r io.Reader) error { _, err := ReadUint32(r); return err }, 3},
		{"client id", func(r io.Reader) error { _, err := ReadClientID(r); return err }, ClientIDSize - 1},
		{"username", func(r io.Reader) error { _, err := ReadUsername(r); return err }, 100},
		{"public key", func(r io.Reader) error { _, err := ReadPublicKey(r); return err }, PublicKeySize - 1},
		{"message type", func(r io.Reader) error { _, err := ReadMessageType(r); return err }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.read(bytes.NewReader(make([]byte, tt.have)))
			assert.ErrorIs(t, err, ErrTruncatedInput)
		})
	}
}

func TestReadMessageTypeDoesNotValidate(t *testing.T) {
	got, err := ReadMessageType(bytes.NewReader([]byte{9}))
	require.NoError(t, err)
	assert.Equal(t, MessageType(9), got)
	assert.False(t, got.Valid())
	assert.Equal(t, "unknown(9)", got.String())
}

func TestClientIDZero(t *testing.T) {
	var id ClientID
	assert.True(t, id.IsZero())
	id[15] = 1
	assert.False(t, id.IsZero())
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("write failed")
	}
	w.after--
	return len(p), nil
}

func TestEncodePropagatesWriteErrors(t *testing.T) {
	encoders := map[string]func(io.Writer) error{
		"request header":   (&RequestHeader{}).EncodeTo,
		"response header":  NewResponseHeader(CodeError, 0).EncodeTo,
		"register":         (&RegisterRequest{}).EncodeTo,
		"send message":     (&SendMessageHeader{}).EncodeTo,
		"client list":      (&ClientListEntry{}).EncodeTo,
		"public key":       (&PublicKeyResponse{}).EncodeTo,
		"message accepted": (&MessageAcceptedResponse{}).EncodeTo,
		"pending message":  (&PendingMessageHeader{}).EncodeTo,
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			// Fail on the first write and on the last one.
			assert.Error(t, encode(&failingWriter{}))
			counter := &countingWriter{}
			require.NoError(t, encode(counter))
			assert.Error(t, encode(&failingWriter{after: counter.writes - 1}))
		})
	}
}

type countingWriter struct{ writes int }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return len(p), nil
}
