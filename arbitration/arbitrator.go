// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package arbitration selects the provider a proxy talks to.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/discovery"
	"github.com/absmach/fluxrpc/otel"
)

// Router receives the address of an arbitrated provider.
type Router interface {
	AddNextHop(ctx context.Context, participantID string, addr address.Address, isGloballyVisible bool) error
}

// DiscoveryQos controls one arbitration. Zero durations and an empty scope
// fall back to the arbitrator defaults; a nil Strategy means HighestPriority.
type DiscoveryQos struct {
	Scope            discovery.Scope
	CacheMaxAge      time.Duration
	DiscoveryTimeout time.Duration
	RetryDelay       time.Duration
	Strategy         Strategy

	ProviderMustSupportOnChange bool
}

// Settings describe what to arbitrate.
type Settings struct {
	Domains       []string
	InterfaceName string
	Qos           DiscoveryQos
	// ProxyVersion, when set, filters out providers with a different major
	// or an older minor version.
	ProxyVersion *discovery.Version
	// Static candidates are arbitrated without querying discovery.
	Static []discovery.EntryWithMetaInfo
}

// Config holds the arbitrator defaults.
type Config struct {
	Scope            discovery.Scope
	CacheMaxAge      time.Duration
	DiscoveryTimeout time.Duration
	RetryDelay       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Scope:            discovery.ScopeLocalThenGlobal,
		DiscoveryTimeout: 10 * time.Minute,
		RetryDelay:       10 * time.Second,
	}
}

// Arbitrator discovers providers and picks one according to a strategy,
// retrying until the discovery timeout.
type Arbitrator struct {
	cfg     Config
	source  discovery.Source
	router  Router
	metrics *otel.Metrics
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an arbitrator. router and metrics may be nil.
func New(cfg Config, source discovery.Source, router Router, metrics *otel.Metrics, logger *slog.Logger) *Arbitrator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Scope == "" {
		cfg.Scope = def.Scope
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Arbitrator{
		cfg:     cfg,
		source:  source,
		router:  router,
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Lookup arbitrates a single domain and returns the winning provider.
func (a *Arbitrator) Lookup(ctx context.Context, domain, interfaceName string, qos DiscoveryQos) (discovery.EntryWithMetaInfo, error) {
	entries, err := a.StartArbitration(ctx, Settings{
		Domains:       []string{domain},
		InterfaceName: interfaceName,
		Qos:           qos,
	})
	if err != nil {
		return discovery.EntryWithMetaInfo{}, err
	}
	return entries[0], nil
}

// StartArbitration returns the candidates in strategy order. The first one
// won and its address is registered with the router.
func (a *Arbitrator) StartArbitration(ctx context.Context, s Settings) ([]discovery.EntryWithMetaInfo, error) {
	if len(s.Domains) == 0 || s.InterfaceName == "" {
		return nil, fmt.Errorf("%w: domains and interface name are required", ErrInvalidSettings)
	}
	if a.isClosed() {
		return nil, ErrArbitratorClosed
	}
	qos := a.withDefaults(s.Qos)
	start := time.Now()

	var (
		winners []discovery.EntryWithMetaInfo
		err     error
	)
	if len(s.Static) > 0 {
		winners, err = a.arbitrateStatic(s, qos)
	} else {
		winners, err = a.arbitrate(ctx, s, qos, start)
	}
	a.metrics.RecordArbitration(ctx, outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	winner := winners[0]
	if err := a.register(ctx, winner); err != nil {
		return nil, err
	}
	a.logger.Debug("provider_arbitrated",
		slog.String("interface", s.InterfaceName),
		slog.String("participant_id", winner.ParticipantID),
		slog.Bool("is_local", winner.IsLocal),
		slog.Int("candidates", len(winners)))
	return winners, nil
}

func (a *Arbitrator) arbitrateStatic(s Settings, qos DiscoveryQos) ([]discovery.EntryWithMetaInfo, error) {
	winners, incompatible := selectProviders(s.Static, s.ProxyVersion, qos)
	if len(winners) == 0 {
		return nil, &NoCompatibleProviderFoundError{
			Domains:            s.Domains,
			InterfaceName:      s.InterfaceName,
			DiscoveredVersions: incompatible,
		}
	}
	return winners, nil
}

func (a *Arbitrator) arbitrate(ctx context.Context, s Settings, qos DiscoveryQos, start time.Time) ([]discovery.EntryWithMetaInfo, error) {
	deadline := start.Add(qos.DiscoveryTimeout)
	var (
		lastErr      error
		discovered   bool
		incompatible []discovery.Version
	)

	for attempt := 1; ; attempt++ {
		entries, err := a.source.Lookup(ctx, s.Domains, s.InterfaceName, discovery.Qos{
			Scope:                       qos.Scope,
			CacheMaxAge:                 qos.CacheMaxAge,
			DiscoveryTimeout:            time.Until(deadline),
			ProviderMustSupportOnChange: qos.ProviderMustSupportOnChange,
		})
		if err != nil {
			lastErr = err
		} else if len(entries) > 0 {
			discovered = true
			var winners []discovery.EntryWithMetaInfo
			winners, incompatible = selectProviders(entries, s.ProxyVersion, qos)
			if len(winners) > 0 {
				return winners, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		a.logger.Debug("arbitration_retry",
			slog.String("interface", s.InterfaceName),
			slog.Int("attempt", attempt),
			slog.Duration("retry_delay", qos.RetryDelay))

		timer := time.NewTimer(min(qos.RetryDelay, remaining))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-a.done:
			timer.Stop()
			return nil, ErrArbitratorClosed
		}
	}

	if discovered {
		return nil, &NoCompatibleProviderFoundError{
			Domains:            s.Domains,
			InterfaceName:      s.InterfaceName,
			DiscoveredVersions: incompatible,
		}
	}
	return nil, &DiscoveryError{
		Domains:       s.Domains,
		InterfaceName: s.InterfaceName,
		Err:           lastErr,
	}
}

// selectProviders filters entries and applies the strategy. It also
// returns the versions of the providers dropped as incompatible.
func selectProviders(entries []discovery.EntryWithMetaInfo, proxy *discovery.Version, qos DiscoveryQos) ([]discovery.EntryWithMetaInfo, []discovery.Version) {
	var (
		compatible   []discovery.EntryWithMetaInfo
		incompatible []discovery.Version
	)
	for _, e := range entries {
		if !versionCompatible(proxy, e.ProviderVersion) {
			incompatible = append(incompatible, e.ProviderVersion)
			continue
		}
		if qos.ProviderMustSupportOnChange && !e.Qos.SupportsOnChangeSubscriptions {
			continue
		}
		compatible = append(compatible, e)
	}
	if len(compatible) == 0 {
		return nil, incompatible
	}
	return qos.Strategy(compatible), incompatible
}

func versionCompatible(proxy *discovery.Version, provider discovery.Version) bool {
	if proxy == nil {
		return true
	}
	return provider.Major == proxy.Major && provider.Minor >= proxy.Minor
}

func (a *Arbitrator) register(ctx context.Context, winner discovery.EntryWithMetaInfo) error {
	if a.router == nil || winner.IsLocal || winner.Address == nil {
		return nil
	}
	global := winner.Qos.Scope == discovery.ProviderScopeGlobal
	if err := a.router.AddNextHop(ctx, winner.ParticipantID, winner.Address, global); err != nil {
		return fmt.Errorf("failed to register route to %s: %w", winner.ParticipantID, err)
	}
	return nil
}

func (a *Arbitrator) withDefaults(q DiscoveryQos) DiscoveryQos {
	if q.Scope == "" {
		q.Scope = a.cfg.Scope
	}
	if q.CacheMaxAge <= 0 {
		q.CacheMaxAge = a.cfg.CacheMaxAge
	}
	if q.DiscoveryTimeout <= 0 {
		q.DiscoveryTimeout = a.cfg.DiscoveryTimeout
	}
	if q.RetryDelay <= 0 {
		q.RetryDelay = a.cfg.RetryDelay
	}
	if q.Strategy == nil {
		q.Strategy = HighestPriority
	}
	return q
}

// Close stops pending arbitrations, which fail with ErrArbitratorClosed.
func (a *Arbitrator) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return nil
}

func (a *Arbitrator) isClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "arbitrated"
	case errors.Is(err, ErrArbitratorClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrNoCompatibleProviderFound):
		return "no_compatible_provider"
	}
	return "discovery_failed"
}
