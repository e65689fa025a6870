package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/observability"
	"github.com/jeeves-cluster-organization/broker/internal/ratelimit"
	"github.com/jeeves-cluster-organization/broker/internal/session"
)

// SessionView is the narrow slice of session.Manager the router depends on,
// keeping the two packages decoupled from a hard import of concrete types
// beyond what routing needs.
type SessionView interface {
	Get(ctx context.Context, tenant, sessionID string) (*session.Session, error)
	List(ctx context.Context, tenant string, filter session.ListFilter) ([]session.Session, error)
	Mailbox(ctx context.Context, tenant, sessionID string) (*session.Mailbox, error)
	Notifier() *session.Notifier
}

// Validator is the narrow slice of protocol.Registry the router depends on.
type Validator interface {
	Compiled(ctx context.Context, tenant, name, version string) (interface {
		Validate(payload json.RawMessage) error
	}, error)
}

// Adapter transforms a payload from one protocol version to another, a
// pure function registered per (name, from, to) (spec §4.5).
type Adapter func(payload json.RawMessage) (json.RawMessage, error)

// AdapterLookup finds a registered downgrade/upgrade adapter.
type AdapterLookup interface {
	Adapter(tenant, name, from, to string) (Adapter, bool)
}

// DLQEntry is one append-only record in the dead-letter store (spec §3).
type DLQEntry struct {
	Message           Message
	FailureReason     string
	FailureTime       time.Time
	Sender            string
	IntendedRecipient string
}

// DeadLetterStore appends undeliverable messages.
type DeadLetterStore interface {
	Append(ctx context.Context, entry DLQEntry) error
}

// CrossTenantChecker resolves the mutual-consent rule (spec §4.6).
type CrossTenantChecker interface {
	CrossTenantAllowed(ctx context.Context, origin, dest, protocolName string) (allowed bool, err error)
}

// Router implements the Message Router (C5).
type Router struct {
	sessions   SessionView
	validator  Validator
	adapters   AdapterLookup
	dlq        DeadLetterStore
	crossTenant CrossTenantChecker

	senderLimiter      *ratelimit.SlidingWindow
	crossTenantLimiter *ratelimit.TokenBucket

	mws    []Middleware
	mu     sync.Mutex
	logger logging.Logger

	enableCrossTenant bool
}

// Config bundles the Router's tunables.
type Config struct {
	SenderPerMinute      int
	CrossTenantBurst     int
	CrossTenantPerMinute int
	EnableCrossTenant    bool
}

// NewRouter constructs a Router. Middleware defaults to logging + metrics
// per SPEC_FULL §4 ("registered by default").
func NewRouter(sessions SessionView, validator Validator, adapters AdapterLookup, dlq DeadLetterStore, crossTenant CrossTenantChecker, cfg Config, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	return &Router{
		sessions:           sessions,
		validator:          validator,
		adapters:           adapters,
		dlq:                dlq,
		crossTenant:        crossTenant,
		senderLimiter:      ratelimit.NewSlidingWindow(cfg.SenderPerMinute, time.Minute),
		crossTenantLimiter: ratelimit.NewTokenBucket(cfg.CrossTenantBurst, cfg.CrossTenantPerMinute),
		mws:                []Middleware{NewLoggingMiddleware(logger), NewMetricsMiddleware()},
		logger:             logger,
		enableCrossTenant:  cfg.EnableCrossTenant,
	}
}

// Use appends additional middleware to the chain, e.g. a circuit breaker.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mws = append(r.mws, mw)
}

// Send implements unicast delivery per spec §4.5's numbered steps.
func (r *Router) Send(ctx context.Context, msg Message) (SendResult, error) {
	r.mu.Lock()
	mws := append([]Middleware(nil), r.mws...)
	r.mu.Unlock()
	return runChain(ctx, mws, msg, r.sendOnce)
}

func (r *Router) sendOnce(ctx context.Context, msg Message) (SendResult, error) {
	if !r.senderLimiter.Allow(msg.SenderSession).Allowed {
		return SendResult{}, brokererr.RateLimited(fmt.Sprintf("sender %s exceeded rate limit", msg.SenderSession))
	}

	senderTenant := msg.Tenant
	if msg.OriginTenant != "" {
		senderTenant = msg.OriginTenant
	}
	if _, err := r.sessions.Get(ctx, senderTenant, msg.SenderSession); err != nil {
		return SendResult{}, err
	}

	crossTenant := msg.OriginTenant != "" && msg.OriginTenant != msg.Tenant
	recipientTenant := msg.Tenant

	recipient, err := r.sessions.Get(ctx, recipientTenant, msg.RecipientSession)
	if err != nil {
		return SendResult{}, err
	}

	if !crossTenant && recipient.Tenant != msg.Tenant {
		return SendResult{}, brokererr.IsolationViolation("sender and recipient tenants differ")
	}

	if crossTenant {
		if !r.enableCrossTenant || r.crossTenant == nil {
			return SendResult{}, brokererr.IsolationViolation("cross-tenant delivery disabled")
		}
		allowed, err := r.crossTenant.CrossTenantAllowed(ctx, msg.OriginTenant, msg.Tenant, msg.ProtocolName)
		if err != nil {
			return SendResult{}, err
		}
		if !allowed {
			return SendResult{}, brokererr.IsolationViolation("tenants have not mutually consented")
		}
		pairKey := msg.OriginTenant + "->" + msg.Tenant
		if !r.crossTenantLimiter.Allow(pairKey, 1).Allowed {
			return SendResult{}, brokererr.RateLimited("cross-tenant rate budget exceeded")
		}
	}

	payload, version, err := r.resolveVersion(ctx, msg, recipient)
	if err != nil {
		return SendResult{}, err
	}
	msg.Payload = payload
	msg.ProtocolVersion = version

	if r.validator != nil {
		compiled, err := r.validator.Compiled(ctx, msg.Tenant, msg.ProtocolName, version)
		if err != nil {
			return SendResult{}, err
		}
		if err := compiled.Validate(msg.Payload); err != nil {
			return SendResult{}, err
		}
	}

	mailbox, err := r.sessions.Mailbox(ctx, recipientTenant, msg.RecipientSession)
	if err != nil {
		return SendResult{}, err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, brokererr.Internal("marshal message: " + err.Error())
	}

	result, nearCapacity := mailbox.Enqueue(raw)
	if nearCapacity {
		r.sessions.Notifier().Notify(recipientTenant + ":" + msg.RecipientSession + ":near_capacity")
	}

	switch result {
	case session.ResultQueued:
		r.sessions.Notifier().Notify(recipientTenant + ":" + msg.RecipientSession)
		observability.MailboxDepth.WithLabelValues(recipientTenant, msg.RecipientSession).Set(float64(mailbox.Depth()))
		outcome := OutcomeQueued
		if recipient.Status == session.StatusActive {
			outcome = OutcomeDelivered
		}
		return SendResult{Outcome: outcome, Depth: mailbox.Depth()}, nil
	case session.ResultQueueFull:
		if r.dlq != nil {
			if err := r.dlq.Append(ctx, DLQEntry{
				Message:           msg,
				FailureReason:     "queue_full",
				FailureTime:       time.Now(),
				Sender:            msg.SenderSession,
				IntendedRecipient: msg.RecipientSession,
			}); err != nil {
				r.logger.Error("dlq_append_failed", "tenant", msg.Tenant, "recipient", msg.RecipientSession, "error", err.Error())
				observability.DLQAppendFailuresTotal.WithLabelValues(msg.Tenant, "queue_full").Inc()
			} else {
				observability.DLQEntriesTotal.WithLabelValues(msg.Tenant, "queue_full").Inc()
			}
		}
		return SendResult{Outcome: OutcomeQueueFull}, nil
	default:
		return SendResult{}, brokererr.Internal("unexpected mailbox enqueue result")
	}
}

// resolveVersion confirms the recipient supports msg.ProtocolVersion,
// applying a registered downgrade adapter when it supports an older
// version instead (spec §4.5 step 2).
func (r *Router) resolveVersion(ctx context.Context, msg Message, recipient *session.Session) (json.RawMessage, string, error) {
	versions := recipient.Capabilities.Protocols[msg.ProtocolName]
	for _, v := range versions {
		if v == msg.ProtocolVersion {
			return msg.Payload, msg.ProtocolVersion, nil
		}
	}
	if r.adapters != nil {
		for _, v := range versions {
			if adapter, ok := r.adapters.Adapter(msg.Tenant, msg.ProtocolName, msg.ProtocolVersion, v); ok {
				transformed, err := adapter(msg.Payload)
				if err != nil {
					return nil, "", brokererr.Internal("adapter failed: " + err.Error())
				}
				return transformed, v, nil
			}
		}
	}
	return nil, "", brokererr.ProtocolIncompatible(fmt.Sprintf("recipient does not support %s and no adapter exists", msg.ProtocolVersion))
}

// Broadcast implements fan-out delivery per spec §4.5. It is not atomic:
// partial delivery is a legitimate outcome.
func (r *Router) Broadcast(ctx context.Context, tenant, sender string, filter CapabilityFilter, protocolName, protocolVersion string, payload json.RawMessage, headers Headers) (BroadcastSummary, error) {
	start := time.Now()
	defer func() {
		observability.RouterDurationSeconds.WithLabelValues("broadcast").Observe(time.Since(start).Seconds())
	}()

	all, err := r.sessions.List(ctx, tenant, session.ListFilter{IncludeCapabilities: true})
	if err != nil {
		return BroadcastSummary{}, err
	}

	summary := BroadcastSummary{}
	for _, s := range all {
		if s.ID == sender {
			continue
		}
		if !matchesFilter(filter, s.Capabilities) || !supportsProtocol(s.Capabilities, protocolName) {
			summary.Skipped = append(summary.Skipped, s.ID)
			continue
		}

		msg := NewMessage(tenant, sender, protocolName, protocolVersion, payload, headers)
		msg.RecipientSession = s.ID

		result, err := r.Send(ctx, msg)
		switch {
		case err != nil:
			summary.Failed = append(summary.Failed, s.ID)
		case result.Outcome == OutcomeDelivered:
			summary.Delivered = append(summary.Delivered, s.ID)
			summary.DeliveredCount++
		case result.Outcome == OutcomeQueued:
			summary.Queued = append(summary.Queued, s.ID)
			summary.DeliveredCount++
		default:
			summary.Failed = append(summary.Failed, s.ID)
		}
	}

	return summary, nil
}

func matchesFilter(filter CapabilityFilter, caps session.Capabilities) bool {
	for feature, required := range filter {
		_, has := caps.Features[feature]
		if required && !has {
			return false
		}
	}
	return true
}

func supportsProtocol(caps session.Capabilities, name string) bool {
	_, ok := caps.Protocols[name]
	return ok
}
