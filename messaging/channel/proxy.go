// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Proxy is an in-memory bounce proxy: it buffers posted messages per channel
// and hands them out to long-poll requests.
type Proxy struct {
	pollTimeout time.Duration
	maxQueue    int

	mu      sync.Mutex
	queues  map[string][][]byte
	waiters map[string]chan struct{}
}

// NewProxy creates a proxy. Polls without messages return 204 after pollTimeout.
func NewProxy(pollTimeout time.Duration, maxQueue int) *Proxy {
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	return &Proxy{
		pollTimeout: pollTimeout,
		maxQueue:    maxQueue,
		queues:      make(map[string][][]byte),
		waiters:     make(map[string]chan struct{}),
	}
}

// Handler serves POST /channels/{id}/message/ and GET /channels/{id}/.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /channels/{id}/message/", p.post)
	mux.HandleFunc("GET /channels/{id}/{$}", p.poll)
	return mux
}

func (p *Proxy) post(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	p.mu.Lock()
	q := append(p.queues[id], body)
	if len(q) > p.maxQueue {
		q = q[len(q)-p.maxQueue:]
	}
	p.queues[id] = q
	if ch, ok := p.waiters[id]; ok {
		close(ch)
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (p *Proxy) poll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	timer := time.NewTimer(p.pollTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		q := p.queues[id]
		if len(q) > 0 {
			delete(p.queues, id)
			p.mu.Unlock()
			p.writeMessages(w, q)
			return
		}
		ch, ok := p.waiters[id]
		if !ok {
			ch = make(chan struct{})
			p.waiters[id] = ch
		}
		p.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (p *Proxy) writeMessages(w http.ResponseWriter, q [][]byte) {
	raw := make([]json.RawMessage, len(q))
	for i, m := range q {
		raw[i] = m
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(raw)
}

// Listen serves the proxy on addr until ctx is done. Pending long polls are
// given shutdownTimeout to finish.
func (p *Proxy) Listen(ctx context.Context, addr string, shutdownTimeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)

	go func() {
		logger.Info("Starting channel proxy", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down channel proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("channel proxy error: %w", err)
	}
}
