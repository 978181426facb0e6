package server

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/store"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err   error
		kind  string
		abort bool
	}{
		{fmt.Errorf("%w: need 23 bytes: %w", protocol.ErrTruncatedInput, io.EOF), "truncated", true},
		{fmt.Errorf("%w: reset", errConnection), "connection", true},
		{protocol.ErrSizeMismatch, "size_mismatch", false},
		{protocol.ErrMissingTerminator, "malformed", false},
		{protocol.ErrUnknownMessageType, "malformed", false},
		{fmt.Errorf("login: %w", store.ErrNotFound), "not_found", false},
		{store.ErrDuplicateUsername, "duplicate_username", false},
		{store.ErrContentTooLarge, "content_too_large", false},
		{errUnknownCode, "unknown_code", false},
		{io.ErrShortWrite, "internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.kind, errorKind(tt.err))
			assert.Equal(t, tt.abort, isAbort(tt.err))
		})
	}
}
