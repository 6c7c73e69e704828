package ws

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// IsUpgradeRequest reports whether req asks to switch to the WebSocket
// protocol. A GET carrying a Sec-WebSocket-Key is enough; browsers always
// send the Upgrade and Connection headers alongside it.
func IsUpgradeRequest(req *http.Request) bool {
	return req.Method == http.MethodGet && strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key")) != ""
}

// WriteHandshake answers an upgrade request carrying clientKey with the
// 101 Switching Protocols response.
func WriteHandshake(w io.Writer, clientKey string) error {
	key := strings.TrimSpace(clientKey)
	if key == "" {
		return fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrProtocol)
	}
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + ComputeAccept(key) + "\r\n" +
		"\r\n"
	_, err := io.WriteString(w, resp)
	return err
}
