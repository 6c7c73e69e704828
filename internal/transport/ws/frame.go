// Package ws provides the RFC 6455 transport: the upgrade handshake, frame
// encoding and decoding, and a chat.Conn adapter over a raw net.Conn.
package ws

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/gobwas/ws"
)

// handshakeGUID is appended to the client key before hashing.
const handshakeGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxControlPayload is the largest payload a control frame may carry.
const maxControlPayload = 125

var (
	// ErrProtocol reports a malformed handshake or frame. The connection
	// must be closed when it is returned.
	ErrProtocol = errors.New("ws: protocol error")
	// ErrFrameTooLarge reports a frame whose declared length exceeds the limit.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)
)

// Frame is a single decoded frame with its payload already unmasked.
type Frame struct {
	OpCode  ws.OpCode
	Payload []byte
}

// ComputeAccept returns the Sec-WebSocket-Accept token for a client key.
func ComputeAccept(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + handshakeGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// countingReader remembers whether any byte was read so a clean end of
// stream can be told apart from a truncated header.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ReadFrame reads one frame from r. Errors seen before the first header
// byte, io.EOF included, are returned unchanged. Later failures wrap
// ErrProtocol: malformed headers, fragmented messages, oversized frames and
// streams that end mid-frame. maxPayload <= 0 disables the size check.
func ReadFrame(r io.Reader, maxPayload int64) (Frame, error) {
	cr := &countingReader{r: r}
	h, err := ws.ReadHeader(cr)
	if err != nil {
		if cr.n == 0 {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: read header: %w", ErrProtocol, err)
	}

	if h.Rsv != 0 {
		return Frame{}, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	if !h.Fin || h.OpCode == ws.OpContinuation {
		return Frame{}, fmt.Errorf("%w: fragmented frames are not supported", ErrProtocol)
	}
	if h.OpCode.IsControl() && h.Length > maxControlPayload {
		return Frame{}, fmt.Errorf("%w: control frame payload of %d bytes", ErrProtocol, h.Length)
	}
	if h.Length < 0 || (maxPayload > 0 && h.Length > maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: read payload: %w", ErrProtocol, err)
	}
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}

	return Frame{OpCode: h.OpCode, Payload: payload}, nil
}

// WriteFrame writes payload as one final, unmasked frame. Server to client
// frames are never masked.
func WriteFrame(w io.Writer, op ws.OpCode, payload []byte) error {
	h := ws.Header{
		Fin:    true,
		OpCode: op,
		Length: int64(len(payload)),
	}
	if err := ws.WriteHeader(w, h); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteMaskedFrame writes payload as one final frame masked with mask, as a
// client must. payload is not modified.
func WriteMaskedFrame(w io.Writer, op ws.OpCode, payload []byte, mask [4]byte) error {
	h := ws.Header{
		Fin:    true,
		OpCode: op,
		Masked: true,
		Mask:   mask,
		Length: int64(len(payload)),
	}
	if err := ws.WriteHeader(w, h); err != nil {
		return err
	}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	ws.Cipher(masked, mask, 0)
	_, err := w.Write(masked)
	return err
}

// EncodeFrame returns the bytes of an unmasked text frame carrying payload.
func EncodeFrame(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(ws.MaxHeaderSize + len(payload))
	_ = WriteFrame(&buf, ws.OpText, payload)
	return buf.Bytes()
}

// EncodeMaskedFrame returns the bytes of a text frame masked with mask.
func EncodeMaskedFrame(payload []byte, mask [4]byte) []byte {
	var buf bytes.Buffer
	buf.Grow(ws.MaxHeaderSize + len(payload))
	_ = WriteMaskedFrame(&buf, ws.OpText, payload, mask)
	return buf.Bytes()
}
