// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package runtime assembles a complete messaging runtime from a
// configuration: transports, message router, dispatcher, discovery,
// arbitration and subscriptions.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/arbitration"
	"github.com/absmach/fluxrpc/config"
	"github.com/absmach/fluxrpc/discovery"
	"github.com/absmach/fluxrpc/discovery/directory"
	"github.com/absmach/fluxrpc/dispatcher"
	"github.com/absmach/fluxrpc/internal/wiring"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/absmach/fluxrpc/messaging/browser"
	"github.com/absmach/fluxrpc/messaging/mqtt"
	"github.com/absmach/fluxrpc/otel"
	"github.com/absmach/fluxrpc/persistence"
	"github.com/absmach/fluxrpc/persistence/badger"
	"github.com/absmach/fluxrpc/persistence/memory"
	"github.com/absmach/fluxrpc/ratelimit"
	"github.com/absmach/fluxrpc/routing"
	"github.com/absmach/fluxrpc/subscription"
	"github.com/google/uuid"
)

// dispatcherRef is the in-process reference under which the dispatcher
// receives for every participant of the runtime.
const dispatcherRef = "dispatcher"

var (
	ErrRuntimeClosed    = errors.New("runtime closed")
	ErrInvalidProvider  = errors.New("invalid provider")
	ErrProviderNotFound = errors.New("provider not registered")
)

type options struct {
	logger     *slog.Logger
	metrics    *otel.Metrics
	store      persistence.Store
	directory  discovery.GlobalDirectory
	transports wiring.Options
	httpClient *http.Client
}

// Option configures optional runtime collaborators.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore replaces the store built from the persistence configuration.
// The runtime does not close it.
func WithStore(s persistence.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDirectory replaces the directory client built from
// discovery.directory_url.
func WithDirectory(d discovery.GlobalDirectory) Option {
	return func(o *options) { o.directory = d }
}

// WithBrowser enables the inter-window transport. Unless another reply
// transport is configured, the window becomes the reply-to address.
func WithBrowser(bus browser.Bus, windowID string) Option {
	return func(o *options) {
		o.transports.BrowserBus = bus
		o.transports.WindowID = windowID
	}
}

// WithMQTTConn replaces the paho connection of the MQTT transport.
func WithMQTTConn(c mqtt.Conn) Option {
	return func(o *options) { o.transports.MQTTConn = c }
}

// WithHTTPClient sets the HTTP client of the directory client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Runtime owns the components of one process. Providers are registered with
// RegisterProvider, proxies are created with Proxy.
type Runtime struct {
	cfg        *config.Config
	instanceID string
	logger     *slog.Logger
	metrics    *otel.Metrics

	store      persistence.Store
	ownsStore  bool
	limits     *ratelimit.Manager
	stubs      *messaging.StubFactory
	skeletons  *messaging.SkeletonFactory
	transports *wiring.Transports

	router        *routing.Router
	dispatcher    *dispatcher.Dispatcher
	discovery     *discovery.Discovery
	arbitrator    *arbitration.Arbitrator
	subscriptions *subscription.Manager
	publisher     *subscription.Publisher

	local     address.InProcess
	replyKind string
	replyTo   address.Address

	mu        sync.Mutex
	providers map[string]discovery.Entry
	closed    bool
}

// New builds a runtime. Transports are not started until Start.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	instanceID := cfg.Runtime.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	scope, err := discovery.ParseScope(cfg.Discovery.Scope)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     o.logger,
		metrics:    o.metrics,
		store:      o.store,
		limits:     ratelimit.NewManager(cfg.RateLimit),
		stubs:      messaging.NewStubFactory(),
		skeletons:  messaging.NewSkeletonFactory(),
		replyKind:  cfg.Runtime.ReplyTransport,
		providers:  make(map[string]discovery.Entry),
	}
	if rt.replyKind == wiring.ReplyNone && o.transports.BrowserBus != nil {
		rt.replyKind = wiring.ReplyBrowser
	}

	if rt.store == nil {
		if rt.store, err = newStore(cfg.Persistence); err != nil {
			rt.limits.Stop()
			return nil, err
		}
		rt.ownsStore = true
	}

	// Transports deliver to the router, which is created after them since
	// it needs their multicast address calculator.
	inbound := messaging.ReceiverFunc(func(ctx context.Context, msg *message.Message) error {
		return rt.router.Route(ctx, msg)
	})
	rt.transports = wiring.NewTransports(cfg, inbound, rt.limits, o.transports, o.logger)
	if err := rt.transports.Register(rt.stubs, rt.skeletons); err != nil {
		return nil, rt.abort(err)
	}
	if rt.replyTo, err = rt.transports.ReplyAddress(rt.replyKind); err != nil {
		return nil, rt.abort(err)
	}

	routerOpts := []routing.Option{
		routing.WithStore(rt.store),
		routing.WithMetrics(o.metrics),
	}
	if calc := rt.transports.MulticastAddressCalculator(); calc != nil {
		routerOpts = append(routerOpts, routing.WithMulticastAddressCalculator(calc))
	}
	rt.router = routing.New(routing.Config{
		MaxQueueSize:    cfg.Routing.MaxQueueSize,
		MaxQueueTime:    cfg.Routing.MaxQueueTime,
		CleanupInterval: cfg.Routing.CleanupInterval,
		InstanceID:      instanceID,
	}, rt.stubs, rt.skeletons, o.logger.With(slog.String("component", "router")), routerOpts...)

	rt.dispatcher = dispatcher.New(dispatcher.Config{
		DefaultTTL: cfg.Dispatcher.DefaultTTL,
		TTLUplift:  cfg.Dispatcher.TTLUplift,
	}, rt.router, o.logger.With(slog.String("component", "dispatcher")),
		dispatcher.WithMetrics(o.metrics))
	rt.router.OnUndeliverable(rt.dispatcher.HandleUndeliverable)
	rt.local = rt.transports.InProcess.Register(dispatcherRef, rt.dispatcher)

	dir := o.directory
	if dir == nil && cfg.Discovery.DirectoryURL != "" {
		hc := http.DefaultClient
		if o.httpClient != nil {
			hc = o.httpClient
		}
		dir = directory.NewClient(cfg.Discovery.DirectoryURL, directory.ClientConfig{
			Timeout:          cfg.Discovery.RequestTimeout,
			FailureThreshold: cfg.Discovery.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Discovery.CircuitBreaker.ResetTimeout,
		}, hc, o.logger.With(slog.String("component", "directory")))
	}
	rt.discovery = discovery.New(dir, o.logger.With(slog.String("component", "discovery")))

	rt.arbitrator = arbitration.New(arbitration.Config{
		Scope:            scope,
		CacheMaxAge:      cfg.Discovery.CacheMaxAge,
		DiscoveryTimeout: cfg.Discovery.Timeout,
		RetryDelay:       cfg.Discovery.RetryDelay,
	}, rt.discovery, rt.router, o.metrics, o.logger.With(slog.String("component", "arbitrator")))

	rt.subscriptions = subscription.NewManager(subscription.Config{
		MaxMessagingTTL:       cfg.Subscription.MaxMessagingTTL,
		MaxMissedPublications: cfg.Subscription.MaxMissedPublications,
	}, rt.dispatcher, o.metrics, o.logger.With(slog.String("component", "subscriptions")))
	rt.publisher = subscription.NewPublisher(rt.dispatcher, o.logger.With(slog.String("component", "publisher")))
	rt.dispatcher.SetSubscriptionHandler(rt.subscriptions)
	rt.publisher.SetMulticastReceivers(rt.router)
	rt.dispatcher.SetPublicationHandler(rt.publisher)

	return rt, nil
}

// abort releases what New acquired before failing with err.
func (rt *Runtime) abort(err error) error {
	rt.limits.Stop()
	return errors.Join(err, rt.transports.Close(), rt.closeStore())
}

func newStore(cfg config.PersistenceConfig) (persistence.Store, error) {
	switch cfg.Type {
	case "badger":
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	case "", "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", cfg.Type)
	}
}

// Start connects the transports and makes the reply-to address known to
// the router. Requests to global participants are held until then.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.transports.Start(ctx); err != nil {
		return err
	}
	if rt.replyTo != nil {
		if err := rt.router.SetReplyToAddress(ctx, rt.replyTo); err != nil {
			return err
		}
	}
	rt.logger.Info("Runtime started",
		slog.String("instance_id", rt.instanceID),
		slog.String("reply_transport", rt.replyKind))
	return nil
}

func (rt *Runtime) InstanceID() string                   { return rt.instanceID }
func (rt *Runtime) Transports() *wiring.Transports       { return rt.transports }
func (rt *Runtime) Router() *routing.Router              { return rt.router }
func (rt *Runtime) Dispatcher() *dispatcher.Dispatcher   { return rt.dispatcher }
func (rt *Runtime) Subscriptions() *subscription.Manager { return rt.subscriptions }
func (rt *Runtime) Publisher() *subscription.Publisher   { return rt.publisher }
func (rt *Runtime) RateLimits() *ratelimit.Manager       { return rt.limits }
func (rt *Runtime) ReplyAddress() address.Address        { return rt.replyTo }

// Provider describes a provider implementation.
type Provider struct {
	Domain        string
	InterfaceName string
	Version       discovery.Version
	Qos           discovery.ProviderQos
	// ExpiryDateMs of the discovery entry; zero never expires.
	ExpiryDateMs int64

	Caller     dispatcher.RequestCaller
	Attributes map[string]subscription.AttributeGetter
	Broadcasts []string
}

// RegisterProvider makes p reachable and returns its participant id, which
// is persisted per domain and interface. Globally scoped providers are
// published with the runtime's reply-to address.
func (rt *Runtime) RegisterProvider(ctx context.Context, p Provider) (string, error) {
	if p.Domain == "" || p.InterfaceName == "" || p.Caller == nil {
		return "", fmt.Errorf("%w: domain, interface name and caller are required", ErrInvalidProvider)
	}
	if rt.isClosed() {
		return "", ErrRuntimeClosed
	}
	if p.Qos.Scope == "" {
		p.Qos.Scope = discovery.ProviderScopeGlobal
	}
	global := p.Qos.Scope == discovery.ProviderScopeGlobal
	if global && rt.replyTo == nil {
		return "", fmt.Errorf("%w: global provider requires a reply transport", ErrInvalidProvider)
	}

	pid, err := persistence.ParticipantID(rt.store, p.Domain, p.InterfaceName)
	if err != nil {
		return "", err
	}

	if err := rt.router.AddNextHop(ctx, pid, rt.local, global); err != nil {
		return "", err
	}
	rt.dispatcher.AddRequestCaller(pid, p.Caller)
	rt.publisher.AddProvider(pid, subscription.Publications{
		Attributes: p.Attributes,
		Broadcasts: p.Broadcasts,
	})

	entry := discovery.Entry{
		Domain:          p.Domain,
		InterfaceName:   p.InterfaceName,
		ParticipantID:   pid,
		ProviderVersion: p.Version,
		Qos:             p.Qos,
		ExpiryDateMs:    p.ExpiryDateMs,
	}
	if global {
		entry.Address = rt.replyTo
	}
	if err := rt.discovery.Add(ctx, entry); err != nil {
		rt.forget(pid)
		return "", err
	}

	rt.mu.Lock()
	rt.providers[pid] = entry
	rt.mu.Unlock()

	rt.logger.Info("Provider registered",
		slog.String("participant_id", pid),
		slog.String("domain", p.Domain),
		slog.String("interface", p.InterfaceName),
		slog.String("scope", string(p.Qos.Scope)))
	return pid, nil
}

// UnregisterProvider removes a provider registered with RegisterProvider.
func (rt *Runtime) UnregisterProvider(ctx context.Context, participantID string) error {
	rt.mu.Lock()
	_, ok := rt.providers[participantID]
	delete(rt.providers, participantID)
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, participantID)
	}

	err := rt.discovery.Remove(ctx, participantID)
	rt.forget(participantID)
	if err != nil {
		return fmt.Errorf("failed to remove %s from discovery: %w", participantID, err)
	}
	return nil
}

func (rt *Runtime) forget(participantID string) {
	rt.publisher.RemoveProvider(participantID)
	rt.dispatcher.RemoveRequestCaller(participantID)
	rt.router.RemoveNextHop(participantID)
}

func (rt *Runtime) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

// Close stops subscriptions, unregisters providers and shuts every component
// down in reverse construction order.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	providers := make([]string, 0, len(rt.providers))
	for pid := range rt.providers {
		providers = append(providers, pid)
	}
	rt.providers = map[string]discovery.Entry{}
	rt.mu.Unlock()

	var errs []error
	if err := rt.subscriptions.TerminateSubscriptions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("subscriptions: %w", err))
	}
	for _, pid := range providers {
		if err := rt.discovery.Remove(ctx, pid); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", pid, err))
		}
	}
	if err := rt.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	if err := rt.arbitrator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("arbitrator: %w", err))
	}
	if err := rt.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if err := rt.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if err := rt.transports.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transports: %w", err))
	}
	rt.limits.Stop()
	if err := rt.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	rt.logger.Info("Runtime stopped", slog.String("instance_id", rt.instanceID))
	return errors.Join(errs...)
}

func (rt *Runtime) closeStore() error {
	if !rt.ownsStore {
		return nil
	}
	return rt.store.Close()
}
