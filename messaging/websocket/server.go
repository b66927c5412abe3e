// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/absmach/fluxrpc/ratelimit"
	"github.com/gorilla/websocket"
)

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
}

var (
	_ messaging.StubBuilder = (*Server)(nil)
	_ messaging.Skeleton    = (*Server)(nil)
)

// Server accepts runtimes and serves as stub builder for their
// WebSocketClient addresses.
type Server struct {
	config   Config
	receiver messaging.Receiver
	limits   *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*conn
}

// New creates a server delivering inbound messages to receiver. limits may be nil.
func New(cfg Config, receiver messaging.Receiver, limits *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:   cfg,
		receiver: receiver,
		limits:   limits,
		logger:   logger,
		clients:  make(map[string]*conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the HTTP handler accepting WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return s.limits.Middleware(mux)
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.Close()

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	c := newConn(ws, s.config.WriteTimeout)
	defer c.close()

	id, err := s.readInit(ws)
	if err != nil {
		s.logger.Warn("websocket_init_failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.register(id, c)
	defer s.unregister(id, c)

	s.logger.Debug("websocket_client_connected",
		slog.String("client_id", id),
		slog.String("remote_addr", r.RemoteAddr))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket_client_disconnected",
				slog.String("client_id", id),
				slog.String("reason", err.Error()))
			return
		}
		if !s.limits.AllowMessage(id) {
			s.logger.Warn("websocket_message_rate_limited", slog.String("client_id", id))
			continue
		}

		msg, err := message.Decode(data)
		if err != nil {
			s.logger.Warn("websocket_message_decode_failed",
				slog.String("client_id", id),
				slog.String("error", err.Error()))
			continue
		}
		// Clients are separate runtimes; their reply addresses are learned
		// from the requests they send.
		msg.IsReceivedFromGlobal = true
		if err := s.receiver.Receive(r.Context(), msg); err != nil {
			s.logger.Debug("websocket_message_receive_failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}
}

// readInit reads the WebSocketClient address a runtime announces first.
func (s *Server) readInit(ws *websocket.Conn) (string, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	addr, err := address.Unmarshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInit, err)
	}
	client, ok := addr.(address.WebSocketClient)
	if !ok || client.ID == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidInit, addr.Kind())
	}
	return client.ID, nil
}

func (s *Server) register(id string, c *conn) {
	s.mu.Lock()
	old := s.clients[id]
	s.clients[id] = c
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
}

func (s *Server) unregister(id string, c *conn) {
	s.mu.Lock()
	if s.clients[id] == c {
		delete(s.clients, id)
	}
	s.mu.Unlock()
	s.limits.RemoveClient(id)
}

// Connected reports whether a client with id is currently connected.
func (s *Server) Connected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok
}

func (s *Server) Build(addr address.Address) (messaging.Stub, error) {
	a, ok := addr.(address.WebSocketClient)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrInvalidAddress, addr.Kind())
	}
	return messaging.StubFunc(func(ctx context.Context, msg *message.Message) error {
		s.mu.RLock()
		c, ok := s.clients[a.ID]
		s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrClientNotConnected, a.ID)
		}

		data, err := message.Encode(msg)
		if err != nil {
			return err
		}
		return c.write(ctx, data)
	}), nil
}

// Multicasts for connected runtimes are routed to their client address.
func (s *Server) RegisterMulticastSubscription(string) error   { return nil }
func (s *Server) UnregisterMulticastSubscription(string) error { return nil }

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
