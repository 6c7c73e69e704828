// Package server implements the relay's listener: a single port accepting
// WebSocket clients, legacy JSON line clients and HTTP health checks.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/internal/transport/tcp"
	"github.com/omochice/chat-relay/internal/transport/ws"
	"github.com/omochice/chat-relay/pkg/protocol"
)

const (
	healthResponse = "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 2\r\n" +
		"Connection: close\r\n" +
		"\r\n"
	badRequestResponse = "HTTP/1.1 400 Bad Request\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n" +
		"\r\n"
	methodNotAllowedResponse = "HTTP/1.1 405 Method Not Allowed\r\n" +
		"Allow: GET, HEAD\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n" +
		"\r\n"

	readBufferSize  = 4096
	maxAcceptDelay  = time.Second
	errUserNotFound = "User not found"
	errLookupFailed = "User lookup failed"
	errMissingUser  = "userId is required"
)

// UserFinder looks up the identity a client connects with.
type UserFinder interface {
	FindUserByID(ctx context.Context, id string) (store.User, error)
}

// Options configures a Server. Zero values fall back to the defaults used by
// config.Default.
type Options struct {
	HandshakeTimeout time.Duration
	IdentifyTimeout  time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	StoreTimeout     time.Duration
	MaxFrameSize     int64

	// AllowGuests admits connections without an identity under a generated
	// guest ID. Otherwise guests must exist in the store like anyone else.
	AllowGuests bool

	RateLimit float64
	RateBurst int

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.IdentifyTimeout <= 0 {
		o.IdentifyTimeout = 5 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server accepts connections, identifies each client and hands it to the hub.
type Server struct {
	address string
	opts    Options
	hub     *chat.Hub
	handler chat.Handler
	users   UserFinder
	log     *zap.Logger
	now     func() time.Time

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	pending map[net.Conn]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Server listening on address. Messages of admitted clients
// are passed to handler.
func New(address string, hub *chat.Hub, handler chat.Handler, users UserFinder, opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		opts:    opts,
		hub:     hub,
		handler: handler,
		users:   users,
		log:     opts.Logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[net.Conn]struct{}),
	}
}

// Listen opens the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.log.Info("relay listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Stop is called. A failure on one
// connection never stops the loop. It returns nil after Stop.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.Warn("failed to accept connection", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop stops accepting, closes every connection and waits for their
// goroutines to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conns := make([]net.Conn, 0, len(s.pending))
	for c := range s.pending {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.hub.CloseAll()
	for _, c := range conns {
		c.Close()
	}

	s.wg.Wait()
	s.log.Info("relay stopped")
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	return s.hub.ActiveCount()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
}

// handleConnection determines the client protocol and serves it until the
// connection ends.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panic",
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.Any("panic", r))
			conn.Close()
		}
	}()

	log := s.log.With(zap.String("remote_addr", conn.RemoteAddr().String()))
	_ = conn.SetDeadline(s.now().Add(s.opts.HandshakeTimeout))

	reader := bufio.NewReaderSize(conn, readBufferSize)
	proto, err := Detect(reader)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("failed to detect protocol", zap.Error(err))
		}
		conn.Close()
		return
	}

	switch proto {
	case ProtocolHTTP:
		s.serveHTTP(conn, reader, log)
	case ProtocolLegacy:
		s.serveLegacy(conn, reader, log)
	default:
		log.Debug("unknown protocol")
		conn.Close()
	}
}

func (s *Server) serveHTTP(conn net.Conn, reader *bufio.Reader, log *zap.Logger) {
	req, err := http.ReadRequest(reader)
	if err != nil {
		log.Debug("malformed http request", zap.Error(err))
		_, _ = io.WriteString(conn, badRequestResponse)
		conn.Close()
		return
	}

	switch {
	case ws.IsUpgradeRequest(req):
		s.upgrade(conn, reader, req, log)
	case strings.EqualFold(req.Header.Get("Upgrade"), "websocket"):
		log.Debug("upgrade request without key")
		_, _ = io.WriteString(conn, badRequestResponse)
		conn.Close()
	case req.Method == http.MethodGet:
		_, _ = io.WriteString(conn, healthResponse+"OK")
		conn.Close()
	case req.Method == http.MethodHead:
		_, _ = io.WriteString(conn, healthResponse)
		conn.Close()
	default:
		_, _ = io.WriteString(conn, methodNotAllowedResponse)
		conn.Close()
	}
}

func (s *Server) upgrade(raw net.Conn, reader *bufio.Reader, req *http.Request, log *zap.Logger) {
	if err := ws.WriteHandshake(raw, req.Header.Get("Sec-WebSocket-Key")); err != nil {
		log.Debug("handshake failed", zap.Error(err))
		raw.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	conn := ws.NewConn(raw, reader, ws.Options{
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		MaxPayload:   s.opts.MaxFrameSize,
	})

	userID := strings.TrimSpace(req.URL.Query().Get("userId"))
	var first []byte
	if userID == "" {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.IdentifyTimeout)
		data, err := conn.Read(ctx)
		cancel()
		switch {
		case err == nil:
			userID, first = identify(data)
		case isTimeout(err):
		default:
			log.Debug("connection closed before identification", zap.Error(err))
			conn.Close()
			return
		}
	}

	guest := false
	if userID == "" {
		userID = store.NewGuestID(s.now())
		guest = true
	}
	s.admit(conn, userID, guest, first, log)
}

func (s *Server) serveLegacy(raw net.Conn, reader *bufio.Reader, log *zap.Logger) {
	conn := tcp.NewConn(raw, reader, tcp.Options{
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		MaxLineSize:  int(s.opts.MaxFrameSize),
	})

	line, err := tcp.ReadLine(reader, int(s.opts.MaxFrameSize))
	if err != nil {
		log.Debug("failed to read identification line", zap.Error(err))
		conn.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	userID, first := identify(line)
	if userID == "" {
		s.reject(conn, errMissingUser)
		return
	}
	s.admit(conn, userID, false, first, log)
}

// identify extracts userId from the first message. The message is returned
// for routing when it also carries a client message type.
func identify(data []byte) (string, []byte) {
	var hello struct {
		Type   protocol.MessageType `json:"type"`
		UserID string               `json:"userId"`
	}
	if err := json.Unmarshal(data, &hello); err != nil {
		return "", data
	}
	if hello.Type.Inbound() {
		return strings.TrimSpace(hello.UserID), data
	}
	return strings.TrimSpace(hello.UserID), nil
}

// admit checks the identity, registers the connection, welcomes the client
// and runs its receive loop in the calling goroutine.
func (s *Server) admit(conn chat.Conn, userID string, guest bool, first []byte, log *zap.Logger) {
	log = log.With(zap.String("user_id", userID))

	if !guest || !s.opts.AllowGuests {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.StoreTimeout)
		_, err := s.users.FindUserByID(ctx, userID)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Info("rejected unknown user")
				s.reject(conn, errUserNotFound)
			} else {
				log.Error("user lookup failed", zap.Error(err))
				s.reject(conn, errLookupFailed)
			}
			return
		}
	}

	c := chat.NewConnection(userID, conn,
		chat.WithLogger(s.log),
		chat.WithRateLimit(s.opts.RateLimit, s.opts.RateBurst))
	s.hub.Register(userID, c)

	if err := c.SendEnvelope(protocol.Connected(userID, s.now())); err != nil {
		log.Debug("failed to send welcome", zap.Error(err))
		return
	}
	log.Info("client connected", zap.Bool("guest", guest))

	if first != nil {
		s.handler.Handle(s.ctx, c, first)
	}
	c.ReceiveLoop(s.ctx, s.handler)
	log.Info("client disconnected")
}

// reject sends an error envelope and closes conn without registering it.
func (s *Server) reject(conn chat.Conn, message string) {
	if data, err := protocol.Error(message, s.now()).Encode(); err == nil {
		_ = conn.Write(context.Background(), data)
	}
	conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, ws.ErrProtocol) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
