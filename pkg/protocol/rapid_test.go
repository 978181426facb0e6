package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func drawClientID(t *rapid.T, label string) ClientID {
	var id ClientID
	copy(id[:], rapid.SliceOfN(rapid.Byte(), ClientIDSize, ClientIDSize).Draw(t, label))
	return id
}

func drawUsername(t *rapid.T, label string) Username {
	var u Username
	copy(u[:], rapid.SliceOfN(rapid.Byte(), UsernameSize, UsernameSize).Draw(t, label))
	return u
}

func drawPublicKey(t *rapid.T, label string) PublicKey {
	var k PublicKey
	copy(k[:], rapid.SliceOfN(rapid.Byte(), PublicKeySize, PublicKeySize).Draw(t, label))
	return k
}

// TestRequestHeaderRoundTrip tests that any request header survives encode/decode
func TestRequestHeaderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &RequestHeader{
			ClientID:    drawClientID(t, "clientID"),
			Version:     rapid.Uint8().Draw(t, "version"),
			Code:        Code(rapid.Uint16().Draw(t, "code")),
			PayloadSize: rapid.Uint32().Draw(t, "payloadSize"),
		}

		encoded := original.Encode()
		if len(encoded) != RequestHeaderSize {
			t.Fatalf("encoded header is %d bytes, want %d", len(encoded), RequestHeaderSize)
		}

		decoded, err := DecodeRequestHeader(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if *decoded != *original {
			t.Fatalf("header mismatch: got %+v, want %+v", decoded, original)
		}
	})
}

// TestResponseHeaderRoundTrip tests that any response header survives encode/decode
func TestResponseHeaderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &ResponseHeader{
			Version:     rapid.Uint8().Draw(t, "version"),
			Code:        Code(rapid.Uint16().Draw(t, "code")),
			PayloadSize: rapid.Uint32().Draw(t, "payloadSize"),
		}

		encoded := original.Encode()
		if len(encoded) != ResponseHeaderSize {
			t.Fatalf("encoded header is %d bytes, want %d", len(encoded), ResponseHeaderSize)
		}

		decoded, err := DecodeResponseHeader(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if *decoded != *original {
			t.Fatalf("header mismatch: got %+v, want %+v", decoded, original)
		}
	})
}

// TestRegisterRequestRoundTrip tests the register body for arbitrary bytes
func TestRegisterRequestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &RegisterRequest{
			Username:  drawUsername(t, "username"),
			PublicKey: drawPublicKey(t, "publicKey"),
		}

		encoded := original.Encode()
		if len(encoded) != RegisterRequestSize {
			t.Fatalf("encoded body is %d bytes, want %d", len(encoded), RegisterRequestSize)
		}

		decoded := &RegisterRequest{}
		if err := decoded.DecodeFrom(bytes.NewReader(encoded)); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if *decoded != *original {
			t.Fatalf("register body mismatch")
		}
	})
}

// TestSendMessageHeaderRoundTrip tests the send-message sub-header
func TestSendMessageHeaderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &SendMessageHeader{
			Receiver:    drawClientID(t, "receiver"),
			Type:        MessageType(rapid.Uint8().Draw(t, "type")),
			MessageSize: rapid.Uint32().Draw(t, "size"),
		}

		encoded := original.Encode()
		if len(encoded) != SendMessageHeaderSize {
			t.Fatalf("encoded header is %d bytes, want %d", len(encoded), SendMessageHeaderSize)
		}

		decoded := &SendMessageHeader{}
		if err := decoded.DecodeFrom(bytes.NewReader(encoded)); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if *decoded != *original {
			t.Fatalf("got %+v, want %+v", decoded, original)
		}
	})
}

// TestResponseBodiesRoundTrip covers every fixed-width response body
func TestResponseBodiesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := drawClientID(t, "id")

		registered := &RegisteredResponse{ClientID: id}
		var gotRegistered RegisteredResponse
		if err := gotRegistered.DecodeFrom(bytes.NewReader(registered.Encode())); err != nil || gotRegistered != *registered {
			t.Fatalf("registered round trip failed: %v", err)
		}

		entry := &ClientListEntry{ClientID: id, Username: drawUsername(t, "username")}
		encodedEntry := entry.Encode()
		if len(encodedEntry) != ClientListEntrySize {
			t.Fatalf("entry is %d bytes, want %d", len(encodedEntry), ClientListEntrySize)
		}
		var gotEntry ClientListEntry
		if err := gotEntry.DecodeFrom(bytes.NewReader(encodedEntry)); err != nil || gotEntry != *entry {
			t.Fatalf("client list entry round trip failed: %v", err)
		}

		key := &PublicKeyResponse{ClientID: id, PublicKey: drawPublicKey(t, "key")}
		var gotKey PublicKeyResponse
		if err := gotKey.DecodeFrom(bytes.NewReader(key.Encode())); err != nil || gotKey != *key {
			t.Fatalf("public key round trip failed: %v", err)
		}

		accepted := &MessageAcceptedResponse{Receiver: id, MessageID: MessageID(rapid.Uint32().Draw(t, "msgID"))}
		var gotAccepted MessageAcceptedResponse
		if err := gotAccepted.DecodeFrom(bytes.NewReader(accepted.Encode())); err != nil || gotAccepted != *accepted {
			t.Fatalf("message accepted round trip failed: %v", err)
		}

		pending := &PendingMessageHeader{
			Sender:      id,
			MessageID:   MessageID(rapid.Uint32().Draw(t, "pendingID")),
			Type:        MessageType(rapid.Uint8().Draw(t, "pendingType")),
			MessageSize: rapid.Uint32().Draw(t, "pendingSize"),
		}
		encodedPending := pending.Encode()
		if len(encodedPending) != PendingMessageHeaderSize {
			t.Fatalf("pending header is %d bytes, want %d", len(encodedPending), PendingMessageHeaderSize)
		}
		var gotPending PendingMessageHeader
		if err := gotPending.DecodeFrom(bytes.NewReader(encodedPending)); err != nil || gotPending != *pending {
			t.Fatalf("pending header round trip failed: %v", err)
		}
	})
}

// TestCopyChunkedRoundTrip tests that chunked copies preserve content for any chunk size
func TestCopyChunkedRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		content := rapid.SliceOfN(rapid.Byte(), 0, 8192).Draw(t, "content")
		chunkSize := rapid.IntRange(1, 2048).Draw(t, "chunkSize")

		var dst chunkRecorder
		n, err := CopyChunked(&dst, bytes.NewReader(content), int64(len(content)), chunkSize)
		if err != nil {
			t.Fatalf("copy failed: %v", err)
		}
		if n != int64(len(content)) {
			t.Fatalf("copied %d bytes, want %d", n, len(content))
		}
		if !bytes.Equal(dst.buf.Bytes(), content) {
			t.Fatalf("content mismatch")
		}
		if dst.largest > chunkSize {
			t.Fatalf("write of %d bytes exceeds chunk size %d", dst.largest, chunkSize)
		}
	})
}

type chunkRecorder struct {
	buf     bytes.Buffer
	largest int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	if len(p) > c.largest {
		c.largest = len(p)
	}
	return c.buf.Write(p)
}
