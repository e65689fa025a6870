package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/session"
	"github.com/jeeves-cluster-organization/broker/internal/store"
)

// passthroughValidator accepts every payload, letting router tests focus on
// routing/isolation/rate-limit behavior rather than schema validation.
type passthroughValidator struct{}

type acceptAll struct{}

func (acceptAll) Validate(payload json.RawMessage) error { return nil }

func (passthroughValidator) Compiled(ctx context.Context, tenant, name, version string) (interface {
	Validate(payload json.RawMessage) error
}, error) {
	return acceptAll{}, nil
}

type allowAllCrossTenant struct{}

func (allowAllCrossTenant) CrossTenantAllowed(ctx context.Context, origin, dest, protocolName string) (bool, error) {
	return true, nil
}

func newSessionManager(t *testing.T, mailboxCapacity int) *session.Manager {
	t.Helper()
	return session.NewManager(session.Config{
		StaleThreshold:      time.Hour,
		DisconnectThreshold: time.Hour,
		MailboxCapacity:     mailboxCapacity,
		MailboxWarningRatio: 0.9,
		SessionRetention:    time.Hour,
	}, nil, logging.NoopLogger())
}

func defaultConfig() Config {
	return Config{SenderPerMinute: 1000, CrossTenantBurst: 10, CrossTenantPerMinute: 600, EnableCrossTenant: true}
}

func connectWithCaps(t *testing.T, mgr *session.Manager, tenant, id string, protocols map[string][]string) {
	t.Helper()
	caps := session.Capabilities{Protocols: protocols}
	_, err := mgr.Connect(context.Background(), tenant, id, caps)
	require.NoError(t, err)
}

func TestRouter_Send_DeliversToActiveRecipient(t *testing.T) {
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "acme", "recipient", map[string][]string{"chat": {"1.0.0"}})

	msg := NewMessage("acme", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
	msg.RecipientSession = "recipient"

	result, err := r.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, result.Outcome)
}

func TestRouter_Send_QueueFullWritesDLQ(t *testing.T) {
	dlq := &fakeDLQ{}
	sessions := newSessionManager(t, 1)
	r := NewRouter(sessions, passthroughValidator{}, nil, dlq, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "acme", "recipient", map[string][]string{"chat": {"1.0.0"}})

	send := func() (SendResult, error) {
		msg := NewMessage("acme", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
		msg.RecipientSession = "recipient"
		return r.Send(context.Background(), msg)
	}

	result, err := send()
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, result.Outcome)

	result, err = send()
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueueFull, result.Outcome)
	assert.Len(t, dlq.entries, 1)
}

func TestRouter_Send_QueueFullWritesDLQ_RealStoreWithScope(t *testing.T) {
	backend := store.NewMemoryBackend()
	dlq := NewStoreDeadLetterStore(backend)
	sessions := newSessionManager(t, 1)
	r := NewRouter(sessions, passthroughValidator{}, nil, dlq, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "acme", "recipient", map[string][]string{"chat": {"1.0.0"}})

	ctx := store.WithTenantScope(context.Background(), store.TenantScope{TenantID: "acme"})
	send := func() (SendResult, error) {
		msg := NewMessage("acme", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
		msg.RecipientSession = "recipient"
		return r.Send(ctx, msg)
	}

	_, err := send()
	require.NoError(t, err)

	result, err := send()
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueueFull, result.Outcome)

	ids, err := dlq.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRouter_Send_QueueFullWithoutScope_DoesNotSilentlyLoseEntry(t *testing.T) {
	backend := store.NewMemoryBackend()
	dlq := NewStoreDeadLetterStore(backend)
	sessions := newSessionManager(t, 1)
	r := NewRouter(sessions, passthroughValidator{}, nil, dlq, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "acme", "recipient", map[string][]string{"chat": {"1.0.0"}})

	send := func() (SendResult, error) {
		msg := NewMessage("acme", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
		msg.RecipientSession = "recipient"
		return r.Send(context.Background(), msg)
	}

	_, err := send()
	require.NoError(t, err)

	result, err := send()
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueueFull, result.Outcome)

	ids, err := dlq.List(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, ids, "append without scope fails and is not recorded in the index")
}

func TestRouter_Send_UnknownSenderFails(t *testing.T) {
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, defaultConfig(), nil)
	connectWithCaps(t, sessions, "acme", "recipient", map[string][]string{"chat": {"1.0.0"}})

	msg := NewMessage("acme", "ghost-sender", "chat", "1.0.0", []byte(`{}`), Headers{})
	msg.RecipientSession = "recipient"

	_, err := r.Send(context.Background(), msg)
	assert.Error(t, err)
}

func TestRouter_Send_SenderNotInClaimedTenantFails(t *testing.T) {
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "other", "recipient", map[string][]string{"chat": {"1.0.0"}})

	// msg.Tenant claims "other", but sender only exists under "acme" and
	// no OriginTenant is set to mark this as an audited cross-tenant hop.
	msg := NewMessage("other", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
	msg.RecipientSession = "recipient"

	_, err := r.Send(context.Background(), msg)
	assert.Error(t, err)
}

func TestRouter_Send_CrossTenantDisabledIsRejected(t *testing.T) {
	cfg := defaultConfig()
	cfg.EnableCrossTenant = false
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, cfg, nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "other", "recipient", map[string][]string{"chat": {"1.0.0"}})

	msg := NewMessage("other", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
	msg.RecipientSession = "recipient"
	msg.OriginTenant = "acme"

	_, err := r.Send(context.Background(), msg)
	require.Error(t, err)
}

func TestRouter_Send_CrossTenantAllowedWhenEnabledAndConsented(t *testing.T) {
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "other", "recipient", map[string][]string{"chat": {"1.0.0"}})

	msg := NewMessage("other", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
	msg.RecipientSession = "recipient"
	msg.OriginTenant = "acme"

	result, err := r.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, result.Outcome)
}

func TestRouter_Send_ProtocolVersionMismatchWithoutAdapterFails(t *testing.T) {
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "acme", "recipient", map[string][]string{"chat": {"2.0.0"}})

	msg := NewMessage("acme", "sender", "chat", "1.0.0", []byte(`{}`), Headers{})
	msg.RecipientSession = "recipient"

	_, err := r.Send(context.Background(), msg)
	require.Error(t, err)
}

type fakeAdapterLookup struct {
	transform Adapter
}

func (f fakeAdapterLookup) Adapter(tenant, name, from, to string) (Adapter, bool) {
	if f.transform == nil {
		return nil, false
	}
	return f.transform, true
}

func TestRouter_Send_ProtocolVersionMismatchWithAdapterTransformsPayload(t *testing.T) {
	sessions := newSessionManager(t, 10)
	adapters := fakeAdapterLookup{transform: func(payload json.RawMessage) (json.RawMessage, error) {
		return []byte(`{"downgraded":true}`), nil
	}}
	r := NewRouter(sessions, passthroughValidator{}, adapters, nil, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", nil)
	connectWithCaps(t, sessions, "acme", "recipient", map[string][]string{"chat": {"2.0.0"}})

	msg := NewMessage("acme", "sender", "chat", "1.0.0", []byte(`{"original":true}`), Headers{})
	msg.RecipientSession = "recipient"

	result, err := r.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, result.Outcome)

	mailbox, err := sessions.Mailbox(context.Background(), "acme", "recipient")
	require.NoError(t, err)
	drained := mailbox.Drain(1)
	require.Len(t, drained, 1)
	var delivered Message
	require.NoError(t, json.Unmarshal(drained[0], &delivered))
	assert.JSONEq(t, `{"downgraded":true}`, string(delivered.Payload))
	assert.Equal(t, "2.0.0", delivered.ProtocolVersion)
}

func TestRouter_Broadcast_SkipsSenderAndUnsupportedProtocol(t *testing.T) {
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, defaultConfig(), nil)

	connectWithCaps(t, sessions, "acme", "sender", map[string][]string{"chat": {"1.0.0"}})
	connectWithCaps(t, sessions, "acme", "supporting", map[string][]string{"chat": {"1.0.0"}})
	connectWithCaps(t, sessions, "acme", "nonsupporting", map[string][]string{"alerts": {"1.0.0"}})

	summary, err := r.Broadcast(context.Background(), "acme", "sender", nil, "chat", "1.0.0", []byte(`{}`), Headers{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"supporting"}, append(summary.Delivered, summary.Queued...))
	assert.Contains(t, summary.Skipped, "nonsupporting")
	assert.NotContains(t, summary.Delivered, "sender")
}

func TestRouter_Broadcast_FilterByRequiredFeature(t *testing.T) {
	sessions := newSessionManager(t, 10)
	r := NewRouter(sessions, passthroughValidator{}, nil, nil, allowAllCrossTenant{}, defaultConfig(), nil)

	capsWithFeature := session.Capabilities{
		Protocols: map[string][]string{"chat": {"1.0.0"}},
		Features:  map[string]struct{}{"receipts": {}},
	}
	_, err := sessions.Connect(context.Background(), "acme", "sender", session.Capabilities{Protocols: capsWithFeature.Protocols})
	require.NoError(t, err)
	_, err = sessions.Connect(context.Background(), "acme", "has-receipts", capsWithFeature)
	require.NoError(t, err)
	connectWithCaps(t, sessions, "acme", "no-receipts", map[string][]string{"chat": {"1.0.0"}})

	summary, err := r.Broadcast(context.Background(), "acme", "sender", CapabilityFilter{"receipts": true}, "chat", "1.0.0", []byte(`{}`), Headers{})
	require.NoError(t, err)
	assert.Contains(t, summary.Delivered, "has-receipts")
	assert.Contains(t, summary.Skipped, "no-receipts")
}

type fakeDLQ struct {
	entries []DLQEntry
}

func (f *fakeDLQ) Append(ctx context.Context, entry DLQEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}
