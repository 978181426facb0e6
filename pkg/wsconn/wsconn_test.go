package wsconn

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAcrossMessages(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 10)
		if _, err := io.ReadFull(conn, buf); err != nil {
			received <- "error: " + err.Error()
			return
		}
		received <- string(buf)

		for _, part := range []string{"one ", "two ", "three"} {
			if _, err := conn.Write([]byte(part)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("world"))
	require.NoError(t, err)

	assert.Equal(t, "helloworld", <-received)

	got, err := io.ReadAll(conn)
	require.NoError(t, err, "a normal close should read as EOF")
	assert.Equal(t, "one two three", string(got))
}

func TestWriteAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		io.Copy(io.Discard, conn)
		conn.Close()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "second close is a no-op")

	_, err = conn.Write([]byte("late"))
	assert.Error(t, err)
}
