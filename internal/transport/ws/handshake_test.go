package ws_test

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chat-relay/internal/transport/ws"
)

func readRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return req
}

func TestIsUpgradeRequest(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{
			name: "upgrade",
			raw:  "GET /ws HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n",
			want: true,
		},
		{
			name: "plain get",
			raw:  "GET /health HTTP/1.1\r\nHost: x\r\n\r\n",
			want: false,
		},
		{
			name: "head",
			raw:  "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n",
			want: false,
		},
		{
			name: "post with key",
			raw:  "POST / HTTP/1.1\r\nHost: x\r\nSec-WebSocket-Key: abc\r\nContent-Length: 0\r\n\r\n",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ws.IsUpgradeRequest(readRequest(t, tt.raw)))
		})
	}
}

func TestWriteHandshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ws.WriteHandshake(&buf, "dGhlIHNhbXBsZSBub25jZQ=="))

	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
		"\r\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteHandshake_MissingKey(t *testing.T) {
	var buf bytes.Buffer
	err := ws.WriteHandshake(&buf, "  ")
	assert.ErrorIs(t, err, ws.ErrProtocol)
	assert.Zero(t, buf.Len())
}
