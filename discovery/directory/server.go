// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxrpc/discovery"
	"github.com/absmach/fluxrpc/ratelimit"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds configuration for the directory server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Store is the in-memory global directory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]discovery.Entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]discovery.Entry)}
}

func (s *Store) Add(e discovery.Entry) error {
	if e.ParticipantID == "" || e.Address == nil {
		return fmt.Errorf("%w: participant id and address are required", discovery.ErrInvalidEntry)
	}
	if e.LastSeenDateMs == 0 {
		e.LastSeenDateMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	s.entries[e.ParticipantID] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) Lookup(domains []string, interfaceName string) []discovery.Entry {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []discovery.Entry{}
	for _, e := range s.entries {
		if e.InterfaceName == interfaceName && slices.Contains(domains, e.Domain) && !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Remove(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[participantID]; !ok {
		return fmt.Errorf("%w: %s", discovery.ErrNotFound, participantID)
	}
	delete(s.entries, participantID)
	return nil
}

// Server serves a Store over Connect, gRPC and gRPC-Web.
type Server struct {
	config     Config
	store      *Store
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a directory server. limits may be nil.
func New(config Config, store *Store, limits *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config: config,
		store:  store,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(limits),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, usable without Listen in tests.
func (s *Server) Handler(limits *ratelimit.Manager) http.Handler {
	codec := connect.WithCodec(jsonCodec{})

	mux := http.NewServeMux()
	mux.Handle(AddProcedure, connect.NewUnaryHandler(AddProcedure, s.add, codec))
	mux.Handle(LookupProcedure, connect.NewUnaryHandler(LookupProcedure, s.lookup, codec))
	mux.Handle(RemoveProcedure, connect.NewUnaryHandler(RemoveProcedure, s.remove, codec))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return h2c.NewHandler(limits.Middleware(mux), &http2.Server{})
}

func (s *Server) add(ctx context.Context, req *connect.Request[AddRequest]) (*connect.Response[Empty], error) {
	if err := s.store.Add(req.Msg.Entry); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	s.logger.Debug("directory_entry_added",
		slog.String("participant_id", req.Msg.Entry.ParticipantID),
		slog.String("domain", req.Msg.Entry.Domain),
		slog.String("interface", req.Msg.Entry.InterfaceName))
	return connect.NewResponse(&Empty{}), nil
}

func (s *Server) lookup(ctx context.Context, req *connect.Request[LookupRequest]) (*connect.Response[LookupResponse], error) {
	if req.Msg.InterfaceName == "" || len(req.Msg.Domains) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("domains and interface name are required"))
	}
	entries := s.store.Lookup(req.Msg.Domains, req.Msg.InterfaceName)
	return connect.NewResponse(&LookupResponse{Entries: entries}), nil
}

func (s *Server) remove(ctx context.Context, req *connect.Request[RemoveRequest]) (*connect.Response[Empty], error) {
	if err := s.store.Remove(req.Msg.ParticipantID); err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting directory server (h2c)",
			slog.String("address", s.config.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down directory server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("directory server error: %w", err)
	}
}
