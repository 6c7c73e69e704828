package server

import (
	"bufio"
	"bytes"
)

// Protocol is the kind of client detected on a fresh connection.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	// ProtocolHTTP covers health checks and WebSocket upgrades.
	ProtocolHTTP
	// ProtocolLegacy is a raw JSON line carrying userId.
	ProtocolLegacy
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// HTTP requests start with methods like "GET ", "POST", "HEAD", etc.
var httpPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
}

// Detect classifies a connection from its first bytes without consuming
// them. Leading blank lines are skipped.
func Detect(r *bufio.Reader) (Protocol, error) {
skip:
	for {
		b, err := r.Peek(1)
		if err != nil {
			return ProtocolUnknown, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = r.ReadByte()
		case '{':
			return ProtocolLegacy, nil
		default:
			break skip
		}
	}

	prefix, err := r.Peek(4)
	if err != nil {
		return ProtocolUnknown, err
	}
	for _, p := range httpPrefixes {
		if bytes.Equal(prefix, p) {
			return ProtocolHTTP, nil
		}
	}
	return ProtocolUnknown, nil
}
