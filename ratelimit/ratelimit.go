// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits inbound connections per remote IP and inbound
// messages per connected client.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter allowing r attempts per second with the
// given burst. Entries idle for two cleanup intervals are forgotten.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from remoteAddr (host or host:port)
// may proceed.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	ip := extractIP(remoteAddr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientRateLimiter limits inbound messages per connected client id.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter creates a per-client message limiter.
func NewClientRateLimiter(r float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether clientID may send another message now.
func (l *ClientRateLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets a disconnected client.
func (l *ClientRateLimiter) Remove(clientID string) {
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}

func extractIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Config holds rate limiting settings.
type Config struct {
	Enabled    bool             `yaml:"enabled"`
	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
}

// ConnectionConfig limits connection attempts per IP.
type ConnectionConfig struct {
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MessageConfig limits inbound messages per client.
type MessageConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// DefaultConfig returns the default, disabled, configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Rate:  1000,
			Burst: 100,
		},
	}
}

// Manager bundles both limiters. A disabled manager allows everything.
type Manager struct {
	ip     *IPRateLimiter
	client *ClientRateLimiter
}

// NewManager creates limiters according to cfg.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{}
	}
	return &Manager{
		ip:     NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval),
		client: NewClientRateLimiter(cfg.Message.Rate, cfg.Message.Burst),
	}
}

func (m *Manager) AllowConnection(remoteAddr string) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(remoteAddr)
}

func (m *Manager) AllowMessage(clientID string) bool {
	if m == nil || m.client == nil {
		return true
	}
	return m.client.Allow(clientID)
}

func (m *Manager) RemoveClient(clientID string) {
	if m == nil || m.client == nil {
		return
	}
	m.client.Remove(clientID)
}

// Middleware applies the connection limit to an HTTP handler.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	if m == nil || m.ip == nil {
		return next
	}
	return m.ip.Middleware(next)
}

func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
