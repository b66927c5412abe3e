// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription manages attribute and broadcast subscriptions on
// the proxy side and publications on the provider side.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/dispatcher"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/multicast"
	"github.com/absmach/fluxrpc/otel"
	"github.com/google/uuid"
)

// State is the lifecycle state of a subscription.
type State int

const (
	StateRequesting State = iota
	StateActive
	StateExpired
	StateStopped
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateStopped:
		return "stopped"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Listener receives the publications of one subscription. Nil funcs are skipped.
type Listener struct {
	OnReceive    func(values []any)
	OnError      func(err error)
	OnSubscribed func(subscriptionID string)
}

// Sender is the part of the dispatcher the manager sends through.
type Sender interface {
	SendSubscriptionRequest(ctx context.Context, s dispatcher.Settings, req *message.SubscriptionRequest) error
	SendBroadcastSubscriptionRequest(ctx context.Context, s dispatcher.Settings, req *message.BroadcastSubscriptionRequest) error
	SendMulticastSubscriptionRequest(ctx context.Context, s dispatcher.Settings, req *message.MulticastSubscriptionRequest) error
	SendSubscriptionStop(ctx context.Context, s dispatcher.Settings, stop *message.SubscriptionStop) error
	SendMulticastSubscriptionStop(ctx context.Context, s dispatcher.Settings, multicastID string, stop *message.SubscriptionStop) error
}

// Request subscribes to an attribute.
type Request struct {
	// SubscriptionID is generated when empty.
	SubscriptionID string
	ProxyID        string
	ProviderID     string
	// IsLocal marks a provider discovered in this runtime.
	IsLocal       bool
	AttributeName string
	Qos           message.SubscriptionQos
	Listener      Listener
}

// BroadcastRequest subscribes to a broadcast. Selective broadcasts are
// filtered by the provider using FilterParameters; the others are
// multicasts published under an id built from the partitions, which may
// contain wildcards.
type BroadcastRequest struct {
	SubscriptionID   string
	ProxyID          string
	ProviderID       string
	IsLocal          bool
	BroadcastName    string
	Selective        bool
	FilterParameters map[string]string
	Partitions       []string
	Qos              message.SubscriptionQos
	Listener         Listener
}

type kind int

const (
	kindAttribute kind = iota
	kindBroadcast
	kindMulticast
)

type subscription struct {
	id          string
	kind        kind
	proxyID     string
	providerID  string
	isLocal     bool
	name        string
	multicastID string
	filter      map[string]string
	qos         message.SubscriptionQos
	pendingQos  message.SubscriptionQos
	listener    Listener
	state       State

	lastPublication time.Time
	alertActive     bool
	missed          int
	generation      uint64
	alertTimer      *time.Timer
	expiryTimer     *time.Timer

	// waiter is set while a subscription reply is awaited.
	waiter chan error
}

func (s *subscription) settings(ttl time.Duration) dispatcher.Settings {
	return dispatcher.Settings{
		From:    s.proxyID,
		To:      s.providerID,
		IsLocal: s.isLocal,
		Qos:     message.MessagingQos{TTL: ttl},
	}
}

func (s *subscription) stopTimers() {
	s.generation++
	if s.alertTimer != nil {
		s.alertTimer.Stop()
		s.alertTimer = nil
	}
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
}

// Config holds subscription manager settings.
type Config struct {
	// MaxMessagingTTL caps the TTL of subscription requests.
	MaxMessagingTTL time.Duration
	// MaxMissedPublications stops a subscription after that many
	// consecutive missed intervals. Zero keeps it active indefinitely.
	MaxMissedPublications int
}

var _ dispatcher.SubscriptionHandler = (*Manager)(nil)

// Manager tracks the subscriptions of the proxies in this runtime.
type Manager struct {
	cfg     Config
	sender  Sender
	metrics *otel.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// NewManager creates a manager. metrics may be nil.
func NewManager(cfg Config, sender Sender, metrics *otel.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessagingTTL <= 0 {
		cfg.MaxMessagingTTL = 30 * 24 * time.Hour
	}
	return &Manager{
		cfg:     cfg,
		sender:  sender,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[string]*subscription),
	}
}

// Subscribe subscribes to an attribute and blocks until the provider
// confirms. It returns the subscription id.
func (m *Manager) Subscribe(ctx context.Context, req Request) (string, error) {
	if req.AttributeName == "" {
		return "", fmt.Errorf("%w: attribute name is required", ErrInvalidRequest)
	}
	return m.subscribe(ctx, &subscription{
		id:         req.SubscriptionID,
		kind:       kindAttribute,
		proxyID:    req.ProxyID,
		providerID: req.ProviderID,
		isLocal:    req.IsLocal,
		name:       req.AttributeName,
		qos:        req.Qos,
		listener:   req.Listener,
	})
}

// SubscribeBroadcast subscribes to a selective or multicast broadcast.
func (m *Manager) SubscribeBroadcast(ctx context.Context, req BroadcastRequest) (string, error) {
	if req.BroadcastName == "" {
		return "", fmt.Errorf("%w: broadcast name is required", ErrInvalidRequest)
	}
	sub := &subscription{
		id:         req.SubscriptionID,
		kind:       kindBroadcast,
		proxyID:    req.ProxyID,
		providerID: req.ProviderID,
		isLocal:    req.IsLocal,
		name:       req.BroadcastName,
		filter:     req.FilterParameters,
		qos:        req.Qos,
		listener:   req.Listener,
	}
	if !req.Selective {
		if err := multicast.ValidatePartitions(req.Partitions); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		sub.kind = kindMulticast
		sub.multicastID = multicast.CreateID(req.ProviderID, req.BroadcastName, req.Partitions...)
	}
	return m.subscribe(ctx, sub)
}

func (m *Manager) subscribe(ctx context.Context, sub *subscription) (string, error) {
	if sub.proxyID == "" || sub.providerID == "" {
		return "", fmt.Errorf("%w: proxy and provider ids are required", ErrInvalidRequest)
	}
	now := time.Now()
	if exp := sub.qos.ExpiryDate(); !exp.IsZero() && !exp.After(now) {
		return "", ErrAlreadyExpired
	}
	if sub.id == "" {
		sub.id = uuid.NewString()
	}
	sub.state = StateRequesting
	sub.waiter = make(chan error, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if old, ok := m.subs[sub.id]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: duplicate subscription id %s in state %s", ErrInvalidRequest, sub.id, old.state)
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	if err := m.await(ctx, sub, sub.qos, now); err != nil {
		return "", err
	}
	return sub.id, nil
}

// await sends the request for sub with qos and waits for the reply.
func (m *Manager) await(ctx context.Context, sub *subscription, qos message.SubscriptionQos, now time.Time) error {
	ttl := m.messagingTTL(qos, now)

	m.mu.Lock()
	waiter := sub.waiter
	sub.pendingQos = qos
	settings := sub.settings(ttl)
	kind, id, name, multicastID, filter := sub.kind, sub.id, sub.name, sub.multicastID, sub.filter
	m.mu.Unlock()

	var err error
	switch kind {
	case kindAttribute:
		err = m.sender.SendSubscriptionRequest(ctx, settings, &message.SubscriptionRequest{
			SubscriptionID:   id,
			SubscribedToName: name,
			Qos:              qos,
		})
	case kindBroadcast:
		err = m.sender.SendBroadcastSubscriptionRequest(ctx, settings, &message.BroadcastSubscriptionRequest{
			SubscriptionID:   id,
			SubscribedToName: name,
			Qos:              qos,
			FilterParameters: filter,
		})
	case kindMulticast:
		err = m.sender.SendMulticastSubscriptionRequest(ctx, settings, &message.MulticastSubscriptionRequest{
			SubscriptionID:   id,
			SubscribedToName: name,
			MulticastID:      multicastID,
			Qos:              qos,
		})
	}
	if err != nil {
		m.abandon(sub, waiter)
		return fmt.Errorf("failed to send subscription request %s: %w", id, err)
	}

	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		m.abandon(sub, waiter)
		return ctx.Err()
	case <-timer.C:
		m.abandon(sub, waiter)
		return fmt.Errorf("%w: %s", ErrReplyTimedOut, id)
	}
}

// abandon stops waiting for a reply. A first subscription is dropped; a
// renewal keeps the active subscription.
func (m *Manager) abandon(sub *subscription, waiter chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.waiter != waiter {
		return
	}
	sub.waiter = nil
	if sub.state == StateRequesting {
		delete(m.subs, sub.id)
		sub.state = StateStopped
	}
}

// Renew re-issues the subscription with a new qos under the same id.
// Subscriptions are never renewed implicitly.
func (m *Manager) Renew(ctx context.Context, subscriptionID string, qos message.SubscriptionQos) error {
	now := time.Now()
	if exp := qos.ExpiryDate(); !exp.IsZero() && !exp.After(now) {
		return ErrAlreadyExpired
	}

	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	if !ok || sub.state != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, subscriptionID)
	}
	if sub.waiter != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: renewal of %s already in progress", ErrInvalidRequest, subscriptionID)
	}
	sub.waiter = make(chan error, 1)
	m.mu.Unlock()

	return m.await(ctx, sub, qos, now)
}

func (m *Manager) messagingTTL(qos message.SubscriptionQos, now time.Time) time.Duration {
	exp := qos.ExpiryDate()
	if exp.IsZero() {
		return m.cfg.MaxMessagingTTL
	}
	return min(exp.Sub(now), m.cfg.MaxMessagingTTL)
}

// HandleSubscriptionReply completes a pending Subscribe or Renew.
func (m *Manager) HandleSubscriptionReply(ctx context.Context, reply *message.SubscriptionReply) {
	m.mu.Lock()
	sub, ok := m.subs[reply.SubscriptionID]
	if !ok || sub.waiter == nil {
		m.mu.Unlock()
		m.logger.Debug("subscription_reply_discarded", slog.String("subscription_id", reply.SubscriptionID))
		return
	}
	waiter := sub.waiter
	sub.waiter = nil
	listener := sub.listener

	if reply.Error != nil {
		wasActive := sub.state == StateActive
		sub.state = StateRejected
		sub.stopTimers()
		delete(m.subs, sub.id)
		m.mu.Unlock()

		if wasActive {
			m.metrics.RecordSubscriptionActive(ctx, -1)
		}
		err := &Error{SubscriptionID: reply.SubscriptionID, Err: reply.Error}
		m.logger.Warn("subscription_rejected",
			slog.String("subscription_id", reply.SubscriptionID),
			slog.String("error", reply.Error.Error()))
		waiter <- err
		if listener.OnError != nil {
			listener.OnError(err)
		}
		return
	}

	first := sub.state == StateRequesting
	sub.state = StateActive
	sub.qos = sub.pendingQos
	sub.lastPublication = time.Now()
	sub.alertActive = false
	sub.missed = 0
	m.armTimers(sub)
	m.mu.Unlock()

	if first {
		m.metrics.RecordSubscriptionActive(ctx, 1)
		m.logger.Debug("subscription_active", slog.String("subscription_id", reply.SubscriptionID))
	}
	waiter <- nil
	if listener.OnSubscribed != nil {
		listener.OnSubscribed(reply.SubscriptionID)
	}
}

// armTimers restarts the expiry and missed publication timers of sub. The
// caller holds m.mu.
func (m *Manager) armTimers(sub *subscription) {
	sub.stopTimers()
	gen := sub.generation

	if exp := sub.qos.ExpiryDate(); !exp.IsZero() {
		sub.expiryTimer = time.AfterFunc(time.Until(exp), func() { m.expire(sub.id, gen) })
	}
	m.armAlert(sub)
}

func (m *Manager) armAlert(sub *subscription) {
	interval := sub.qos.AlertAfterInterval()
	if interval <= 0 {
		return
	}
	gen := sub.generation
	sub.alertTimer = time.AfterFunc(interval, func() { m.publicationMissed(sub.id, gen) })
}

// HandlePublication delivers a publication to its subscription.
func (m *Manager) HandlePublication(ctx context.Context, pub *message.Publication) {
	m.mu.Lock()
	sub, ok := m.subs[pub.SubscriptionID]
	if !ok || sub.state != StateActive {
		m.mu.Unlock()
		m.logger.Debug("publication_discarded", slog.String("subscription_id", pub.SubscriptionID))
		return
	}
	m.received(sub)
	listener := sub.listener
	m.mu.Unlock()

	m.metrics.RecordPublication(ctx)
	deliver(listener, pub.Response, pub.Error)
}

// HandleMulticastPublication delivers a multicast to every subscription
// whose multicast id pattern matches.
func (m *Manager) HandleMulticastPublication(ctx context.Context, pub *message.MulticastPublication) {
	var listeners []Listener

	m.mu.Lock()
	for _, sub := range m.subs {
		if sub.kind != kindMulticast || sub.state != StateActive || !multicast.Match(sub.multicastID, pub.MulticastID) {
			continue
		}
		m.received(sub)
		listeners = append(listeners, sub.listener)
	}
	m.mu.Unlock()

	if len(listeners) == 0 {
		m.logger.Debug("multicast_publication_discarded", slog.String("multicast_id", pub.MulticastID))
		return
	}
	for _, l := range listeners {
		m.metrics.RecordPublication(ctx)
		deliver(l, pub.Response, pub.Error)
	}
}

// received resets the missed publication timer. The caller holds m.mu.
func (m *Manager) received(sub *subscription) {
	sub.lastPublication = time.Now()
	sub.alertActive = false
	sub.missed = 0
	if sub.alertTimer != nil {
		sub.alertTimer.Stop()
		sub.alertTimer = nil
		// Bumping the generation invalidates an alert already firing;
		// the expiry timer is re-armed with the new generation.
		m.armTimers(sub)
	}
}

func deliver(l Listener, values []any, perr *message.Error) {
	if perr != nil {
		if l.OnError != nil {
			l.OnError(perr)
		}
		return
	}
	if l.OnReceive != nil {
		l.OnReceive(values)
	}
}

func (m *Manager) publicationMissed(id string, gen uint64) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok || sub.state != StateActive || sub.generation != gen {
		m.mu.Unlock()
		return
	}
	sub.alertActive = true
	sub.missed++
	missedErr := &PublicationMissedError{
		SubscriptionID:  id,
		LastPublication: sub.lastPublication,
		Missed:          sub.missed,
	}
	listener := sub.listener

	terminate := m.cfg.MaxMissedPublications > 0 && sub.missed >= m.cfg.MaxMissedPublications
	if terminate {
		sub.state = StateStopped
		sub.stopTimers()
		delete(m.subs, id)
	} else {
		m.armAlert(sub)
	}
	m.mu.Unlock()

	m.metrics.RecordPublicationMissed(context.Background())
	m.logger.Debug("publication_missed",
		slog.String("subscription_id", id),
		slog.Int("missed", missedErr.Missed))
	if listener.OnError != nil {
		listener.OnError(missedErr)
	}

	if terminate {
		m.metrics.RecordSubscriptionActive(context.Background(), -1)
		m.logger.Warn("subscription_terminated_after_missed_publications",
			slog.String("subscription_id", id),
			slog.Int("missed", missedErr.Missed))
		if err := m.sendStop(context.Background(), sub); err != nil {
			m.logger.Warn("failed to stop subscription",
				slog.String("subscription_id", id),
				slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) expire(id string, gen uint64) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok || sub.generation != gen {
		m.mu.Unlock()
		return
	}
	wasActive := sub.state == StateActive
	sub.state = StateExpired
	sub.stopTimers()
	delete(m.subs, id)
	m.mu.Unlock()

	if wasActive {
		m.metrics.RecordSubscriptionActive(context.Background(), -1)
	}
	m.logger.Debug("subscription_expired", slog.String("subscription_id", id))

	// Providers expire their side on their own; multicast receivers are
	// registered locally and must be removed here.
	if sub.kind == kindMulticast {
		if err := m.sendStop(context.Background(), sub); err != nil {
			m.logger.Debug("failed to remove multicast receiver",
				slog.String("subscription_id", id),
				slog.String("error", err.Error()))
		}
	}
}

// Unsubscribe stops a subscription and tells the provider. Publications
// arriving afterwards are discarded.
func (m *Manager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, subscriptionID)
	}
	wasActive := sub.state == StateActive
	m.stopLocked(sub)
	m.mu.Unlock()

	if wasActive {
		m.metrics.RecordSubscriptionActive(ctx, -1)
	}
	return m.sendStop(ctx, sub)
}

// stopLocked removes sub and fails a pending subscribe. The caller holds m.mu.
func (m *Manager) stopLocked(sub *subscription) {
	sub.state = StateStopped
	sub.stopTimers()
	delete(m.subs, sub.id)
	if sub.waiter != nil {
		sub.waiter <- fmt.Errorf("%w: %s stopped", ErrSubscription, sub.id)
		sub.waiter = nil
	}
}

func (m *Manager) sendStop(ctx context.Context, sub *subscription) error {
	settings := sub.settings(message.DefaultTTL)
	stop := &message.SubscriptionStop{SubscriptionID: sub.id}
	if sub.kind == kindMulticast {
		return m.sender.SendMulticastSubscriptionStop(ctx, settings, sub.multicastID, stop)
	}
	return m.sender.SendSubscriptionStop(ctx, settings, stop)
}

// State returns the state of a live subscription.
func (m *Manager) State(subscriptionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return 0, false
	}
	return sub.state, true
}

// MissedPublicationAlertActive reports whether the last alert interval
// passed without a publication.
func (m *Manager) MissedPublicationAlertActive(subscriptionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	return ok && sub.alertActive
}

func (m *Manager) HasOpenSubscriptions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs) > 0
}

// TerminateSubscriptions stops every subscription, e.g. on shutdown, and
// rejects new ones.
func (m *Manager) TerminateSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	active := 0
	for _, sub := range m.subs {
		if sub.state == StateActive {
			active++
		}
		subs = append(subs, sub)
		m.stopLocked(sub)
	}
	m.mu.Unlock()

	if active > 0 {
		m.metrics.RecordSubscriptionActive(ctx, -int64(active))
	}
	var errs []error
	for _, sub := range subs {
		if err := m.sendStop(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
