package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// FuzzDecodeRequestHeader checks that any input either decodes to a header
// that re-encodes to the same 23 bytes, or fails as truncated.
func FuzzDecodeRequestHeader(f *testing.F) {
	valid := &RequestHeader{ClientID: ClientID{1, 2, 3}, Version: ClientVersion, Code: CodeSendMessage, PayloadSize: 42}
	f.Add(valid.Encode())
	f.Add([]byte{})
	f.Add(make([]byte, RequestHeaderSize-1))
	f.Add(append(valid.Encode(), 0xff, 0xff))

	f.Fuzz(func(t *testing.T, data []byte) {
		h, err := DecodeRequestHeader(bytes.NewReader(data))
		if len(data) < RequestHeaderSize {
			if !errors.Is(err, ErrTruncatedInput) {
				t.Fatalf("short input of %d bytes: got %v", len(data), err)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(h.Encode(), data[:RequestHeaderSize]) {
			t.Fatalf("re-encoding differs")
		}
	})
}

// FuzzSendMessageHeader checks that Validate never accepts a header whose
// declared sizes disagree, including sizes close to 2^32.
func FuzzSendMessageHeader(f *testing.F) {
	f.Add([]byte{}, uint32(0))
	f.Add((&SendMessageHeader{Type: MessageTypeText, MessageSize: 5}).Encode(), uint32(SendMessageHeaderSize+5))
	f.Add((&SendMessageHeader{Type: MessageTypeFile, MessageSize: 1<<32 - 1}).Encode(), uint32(SendMessageHeaderSize-1))

	f.Fuzz(func(t *testing.T, data []byte, payloadSize uint32) {
		var h SendMessageHeader
		if err := h.DecodeFrom(bytes.NewReader(data)); err != nil {
			if !errors.Is(err, ErrTruncatedInput) {
				t.Fatalf("decode failed with %v", err)
			}
			return
		}
		err := h.Validate(payloadSize)
		if err == nil {
			if uint64(payloadSize) != SendMessageHeaderSize+uint64(h.MessageSize) {
				t.Fatalf("accepted payload %d for message size %d", payloadSize, h.MessageSize)
			}
			if !h.Type.Valid() {
				t.Fatalf("accepted type %d", h.Type)
			}
			return
		}
		if !errors.Is(err, ErrSizeMismatch) && !errors.Is(err, ErrMalformedField) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	})
}
