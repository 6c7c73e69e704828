// Package api exposes the relay's status over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusSource reports the live connection state. *chat.Hub implements it.
type StatusSource interface {
	ActiveCount() int
	OnlineUserIDs() []string
}

// StatusResponse is the body of GET /api/ws/status.
type StatusResponse struct {
	Type              string   `json:"type"`
	ActiveConnections int      `json:"active_connections"`
	OnlineUsers       []string `json:"online_users"`
	WebSocketServer   string   `json:"websocket_server"`

	// RemoteUsers maps users online on other nodes to their node ID.
	RemoteUsers map[string]string `json:"remote_users,omitempty"`
}

// RemotePresence reports users connected to other nodes.
// *events.Directory implements it.
type RemotePresence interface {
	RemoteUsers() map[string]string
}

// RouterOption configures NewRouter.
type RouterOption func(*routerOptions)

type routerOptions struct {
	remote RemotePresence
}

// WithRemotePresence adds users online on other nodes to the status body.
func WithRemotePresence(remote RemotePresence) RouterOption {
	return func(o *routerOptions) { o.remote = remote }
}

// NewRouter registers the status routes. wsURL is advertised to clients.
func NewRouter(src StatusSource, wsURL string, log *zap.Logger, opts ...RouterOption) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	var o routerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	r.GET("/api/ws/status", func(c *gin.Context) {
		users := src.OnlineUserIDs()
		if users == nil {
			users = []string{}
		}
		resp := StatusResponse{
			Type:              "websocket_status",
			ActiveConnections: src.ActiveCount(),
			OnlineUsers:       users,
			WebSocketServer:   wsURL,
		}
		if o.remote != nil {
			resp.RemoteUsers = o.remote.RemoteUsers()
		}
		c.JSON(http.StatusOK, resp)
	})

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Server serves the status routes until Shutdown.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer returns a Server for handler on addr.
func NewServer(addr string, handler http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves in the background. Errors other than a clean shutdown are
// logged.
func (s *Server) Start() {
	go func() {
		s.log.Info("status server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
