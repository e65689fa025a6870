// Package session implements the Session Manager (C3): session lifecycle,
// heartbeat state machine, and per-session mailboxes.
//
// Status transitions are checked against a validated-transition table
// (active, stale, disconnected) rather than allowing arbitrary jumps. The
// scheduler wakes mailbox drain waiters on arrival instead of polling.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/observability"
)

// Status is a Session's heartbeat-driven lifecycle state (spec §4.3).
type Status string

const (
	StatusActive       Status = "active"
	StatusStale        Status = "stale"
	StatusDisconnected Status = "disconnected"
)

// validTransitions encodes the session state machine in spec §4.3's
// diagram as an explicit from/to adjacency map.
var validTransitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusStale:        true,
		StatusDisconnected: true,
	},
	StatusStale: {
		StatusActive:       true, // heartbeat received while stale
		StatusDisconnected: true,
	},
	StatusDisconnected: {}, // terminal for this session identity
}

// recordStatusMetric moves a session's count from one status bucket to
// another in broker_sessions_active, so the gauge actually reflects the
// per-status breakdown its "status" label promises instead of only ever
// carrying the active count.
func recordStatusMetric(tenant string, from, to Status) {
	if from != "" {
		observability.SessionsActive.WithLabelValues(tenant, string(from)).Dec()
	}
	if to != "" {
		observability.SessionsActive.WithLabelValues(tenant, string(to)).Inc()
	}
}

// IsValidTransition reports whether from->to is allowed by the state
// diagram in spec §4.3.
func IsValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Capabilities is a session's capability advertisement (spec §3): a mapping
// from protocol name to its ordered set of supported versions, plus a flat
// set of feature tags.
type Capabilities struct {
	Protocols map[string][]string // name -> versions, caller-supplied order
	Features  map[string]struct{}
}

// Clone returns a deep copy so callers cannot mutate registry state via a
// returned Capabilities value.
func (c Capabilities) Clone() Capabilities {
	out := Capabilities{
		Protocols: make(map[string][]string, len(c.Protocols)),
		Features:  make(map[string]struct{}, len(c.Features)),
	}
	for k, v := range c.Protocols {
		out.Protocols[k] = append([]string(nil), v...)
	}
	for k := range c.Features {
		out.Features[k] = struct{}{}
	}
	return out
}

// Session is the registry's primary entity (spec §3).
type Session struct {
	ID            string
	Tenant        string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Status        Status
	Capabilities  Capabilities

	mailbox *Mailbox
	mu      sync.Mutex // guards LastHeartbeat/Status; never the manager's map lock
}

// QueueDepth returns the session's current mailbox depth.
func (s *Session) QueueDepth() int {
	return s.mailbox.Depth()
}

// snapshot returns a value copy safe to hand to callers.
func (s *Session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID:            s.ID,
		Tenant:        s.Tenant,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat,
		Status:        s.Status,
		Capabilities:  s.Capabilities.Clone(),
	}
}

// TerminationReason records why a session left its prior identity, used for
// the session_replaced case and DLQ bookkeeping.
type TerminationReason string

const (
	ReasonExplicitClose    TerminationReason = "explicit_close"
	ReasonSessionReplaced  TerminationReason = "session_replaced"
	ReasonStaleTimeout     TerminationReason = "stale_timeout"
	ReasonRetentionExpired TerminationReason = "retention_expired"
)

// DeadLetterSink receives mailbox contents that age out of the retention
// window, satisfying spec §4.3's reconnection/retention behavior without
// internal/session importing internal/router directly.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, tenant string, sessionID string, messages [][]byte, reason string) error
}

// Manager implements the Session Manager (C3).
type Manager struct {
	mu       sync.RWMutex // guards the sessions map only, never per-session state
	sessions map[string]map[string]*Session // tenant -> sessionID -> Session

	retained map[string]*retainedMailbox // "{tenant}:{id}" -> mailbox pending retention expiry

	staleThreshold      time.Duration
	disconnectThreshold time.Duration
	mailboxCapacity     int
	mailboxWarningRatio float64
	sessionRetention    time.Duration

	notifier *Notifier
	dlq      DeadLetterSink
	logger   logging.Logger

	stopTick chan struct{}
	tickOnce sync.Once
}

type retainedMailbox struct {
	tenant    string
	sessionID string
	mailbox   *Mailbox
	expiresAt time.Time
}

// Config bundles the Manager's tunables, sourced from internal/config's
// SessionConfig.
type Config struct {
	StaleThreshold      time.Duration
	DisconnectThreshold time.Duration
	MailboxCapacity     int
	MailboxWarningRatio float64
	SessionRetention    time.Duration
}

// NewManager constructs a Manager. dlq/logger may be nil (NoopLogger used).
func NewManager(cfg Config, dlq DeadLetterSink, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	return &Manager{
		sessions:            make(map[string]map[string]*Session),
		retained:            make(map[string]*retainedMailbox),
		staleThreshold:      cfg.StaleThreshold,
		disconnectThreshold: cfg.DisconnectThreshold,
		mailboxCapacity:     cfg.MailboxCapacity,
		mailboxWarningRatio: cfg.MailboxWarningRatio,
		sessionRetention:    cfg.SessionRetention,
		notifier:            NewNotifier(),
		dlq:                 dlq,
		logger:              logger,
		stopTick:            make(chan struct{}),
	}
}

// Notifier exposes the manager's mailbox-arrival notifier so the router and
// façade can subscribe to wake on delivery instead of polling.
func (m *Manager) Notifier() *Notifier { return m.notifier }

// Connect registers a new session (or a reconnection) for tenant, per spec
// §4.3. If sessionID already exists within tenant, the incumbent is
// terminated with reason session_replaced, unless it falls within the
// retention window inherited from a previous disconnect, in which case the
// retained mailbox is adopted by the new session (spec §8 scenario 7).
func (m *Manager) Connect(ctx context.Context, tenant string, sessionID string, caps Capabilities) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	m.mu.Lock()
	byID, ok := m.sessions[tenant]
	if !ok {
		byID = make(map[string]*Session)
		m.sessions[tenant] = byID
	}

	var mailbox *Mailbox
	var replacedStatus Status
	if prior, exists := byID[sessionID]; exists {
		prior.mu.Lock()
		replacedStatus = prior.Status
		prior.Status = StatusDisconnected
		prior.mu.Unlock()
		mailbox = prior.mailbox
		m.logger.Info("session_replaced", "tenant", tenant, "session", sessionID)
	} else if retained, exists := m.retained[retainedKey(tenant, sessionID)]; exists {
		mailbox = retained.mailbox
		delete(m.retained, retainedKey(tenant, sessionID))
		m.logger.Info("session_reconnected", "tenant", tenant, "session", sessionID)
	} else {
		mailbox = NewMailbox(m.mailboxCapacity, m.mailboxWarningRatio)
	}

	now := time.Now()
	s := &Session{
		ID:            sessionID,
		Tenant:        tenant,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Status:        StatusActive,
		Capabilities:  caps.Clone(),
		mailbox:       mailbox,
	}
	byID[sessionID] = s
	m.mu.Unlock()

	recordStatusMetric(tenant, replacedStatus, StatusActive)
	return s, nil
}

// Heartbeat updates last_heartbeat for (tenant, sessionID) with a
// last-writer-wins, compare-and-set timestamp (spec §5), transitioning
// stale -> active if needed.
func (m *Manager) Heartbeat(ctx context.Context, tenant, sessionID string) error {
	s, err := m.lookup(tenant, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.After(s.LastHeartbeat) {
		s.LastHeartbeat = now
	}
	if s.Status == StatusStale {
		s.Status = StatusActive
		recordStatusMetric(tenant, StatusStale, StatusActive)
	}
	return nil
}

// Close explicitly disconnects a session (spec §4.3's "* -> disconnected
// on explicit close").
func (m *Manager) Close(ctx context.Context, tenant, sessionID string) error {
	return m.transitionToDisconnected(tenant, sessionID, ReasonExplicitClose)
}

func (m *Manager) transitionToDisconnected(tenant, sessionID string, reason TerminationReason) error {
	m.mu.Lock()
	byID, ok := m.sessions[tenant]
	if !ok {
		m.mu.Unlock()
		return brokererr.NotFound(fmt.Sprintf("session %q not found in tenant %q", sessionID, tenant))
	}
	s, ok := byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return brokererr.NotFound(fmt.Sprintf("session %q not found in tenant %q", sessionID, tenant))
	}
	delete(byID, sessionID)

	s.mu.Lock()
	priorStatus := s.Status
	s.Status = StatusDisconnected
	mailbox := s.mailbox
	s.mu.Unlock()

	if mailbox.Depth() > 0 {
		m.retained[retainedKey(tenant, sessionID)] = &retainedMailbox{
			tenant:    tenant,
			sessionID: sessionID,
			mailbox:   mailbox,
			expiresAt: time.Now().Add(m.sessionRetention),
		}
	}
	m.mu.Unlock()

	recordStatusMetric(tenant, priorStatus, StatusDisconnected)
	m.logger.Info("session_disconnected", "tenant", tenant, "session", sessionID, "reason", string(reason))
	return nil
}

func (m *Manager) lookup(tenant, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.sessions[tenant]
	if !ok {
		return nil, brokererr.NotFound(fmt.Sprintf("session %q not found in tenant %q", sessionID, tenant))
	}
	s, ok := byID[sessionID]
	if !ok {
		return nil, brokererr.NotFound(fmt.Sprintf("session %q not found in tenant %q", sessionID, tenant))
	}
	return s, nil
}

// Get returns a snapshot of a session's current state.
func (m *Manager) Get(ctx context.Context, tenant, sessionID string) (*Session, error) {
	s, err := m.lookup(tenant, sessionID)
	if err != nil {
		return nil, err
	}
	snap := s.snapshot()
	return &snap, nil
}

// ListFilter narrows List results (spec §4.3).
type ListFilter struct {
	Status             Status // empty = any
	IncludeCapabilities bool
}

// List returns sessions in tenant only, unless admin requests a specific
// cross-tenant listing explicitly (spec §4.3 — the façade is responsible
// for auditing that explicit cross-tenant call).
func (m *Manager) List(ctx context.Context, tenant string, filter ListFilter) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.sessions[tenant]
	out := make([]Session, 0, len(byID))
	for _, s := range byID {
		snap := s.snapshot()
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		if !filter.IncludeCapabilities {
			snap.Capabilities = Capabilities{}
		}
		out = append(out, snap)
	}
	return out, nil
}

// ActiveSessionCount implements tenant.ActiveSessionCounter.
func (m *Manager) ActiveSessionCount(ctx context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions[tenantID] {
		if s.snapshot().Status != StatusDisconnected {
			n++
		}
	}
	return n, nil
}

// Mailbox returns the mailbox backing a session, for the router to enqueue
// into and for the façade to drain.
func (m *Manager) Mailbox(ctx context.Context, tenant, sessionID string) (*Mailbox, error) {
	s, err := m.lookup(tenant, sessionID)
	if err != nil {
		// A disconnected-but-retained mailbox is still reachable for drain,
		// per spec §4.3's reconnection protocol.
		m.mu.RLock()
		retained, ok := m.retained[retainedKey(tenant, sessionID)]
		m.mu.RUnlock()
		if ok {
			return retained.mailbox, nil
		}
		return nil, err
	}
	return s.mailbox, nil
}

func retainedKey(tenant, sessionID string) string { return tenant + ":" + sessionID }
