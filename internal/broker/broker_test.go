package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/broker/internal/config"
	"github.com/jeeves-cluster-organization/broker/internal/protocol"
	"github.com/jeeves-cluster-organization/broker/internal/router"
	"github.com/jeeves-cluster-organization/broker/internal/session"
	"github.com/jeeves-cluster-organization/broker/internal/store"
	"github.com/jeeves-cluster-organization/broker/internal/tenant"
)

func TestNew_WiresAllComponents(t *testing.T) {
	b := New(config.Default(), nil)

	assert.NotNil(t, b.Store)
	assert.NotNil(t, b.Protocols)
	assert.NotNil(t, b.Sessions)
	assert.NotNil(t, b.Router)
	assert.NotNil(t, b.Tenants)
	assert.NotNil(t, b.Facade)
	assert.NotNil(t, b.Health)
	assert.NotNil(t, b.DLQ)

	_, isMemory := b.Store.(*store.MemoryBackend)
	assert.True(t, isMemory, "default store backend should be a plain MemoryBackend")
}

func TestNew_RemoteBackendUsesMirroredStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "remote"
	b := New(cfg, nil)

	_, isMirrored := b.Store.(*store.MirroredBackend)
	assert.True(t, isMirrored, "remote store backend should wrap a MirroredBackend")
}

func TestBroker_StartAndShutdown_RunsSchedulerAndDrains(t *testing.T) {
	cfg := config.Default()
	cfg.Session.HeartbeatInterval = 5 * time.Millisecond
	cfg.Session.StaleThreshold = 10 * time.Millisecond
	cfg.Session.DisconnectThreshold = 20 * time.Millisecond

	b := New(cfg, nil)
	ctx := context.Background()

	_, err := b.Sessions.Connect(ctx, "acme", "sess-1", session.Capabilities{})
	require.NoError(t, err)

	b.Start(ctx)

	require.Eventually(t, func() bool {
		s, err := b.Sessions.Get(ctx, "acme", "sess-1")
		return err == nil && s.Status == session.StatusStale
	}, time.Second, 2*time.Millisecond, "scheduler should transition the session to stale")

	require.NoError(t, b.Shutdown(context.Background()))
}

func TestBroker_Shutdown_WithoutStartStillClosesStore(t *testing.T) {
	b := New(config.Default(), nil)
	assert.NoError(t, b.Shutdown(context.Background()))
}

func TestValidatorAdapter_CompiledDelegatesToRegistry(t *testing.T) {
	reg := protocol.NewRegistry(nil)
	ctx := context.Background()
	_, err := reg.Register(ctx, protocol.Definition{
		Tenant: "acme", Name: "chat", Version: "1.0.0", Schema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)

	adapter := validatorAdapter{reg: reg}
	compiled, err := adapter.Compiled(ctx, "acme", "chat", "1.0.0")
	require.NoError(t, err)
	assert.NoError(t, compiled.Validate(json.RawMessage(`{}`)))
}

func TestReferenceCheckerAdapter_HasActiveReference(t *testing.T) {
	sessions := session.NewManager(session.Config{
		StaleThreshold: time.Hour, DisconnectThreshold: time.Hour,
		MailboxCapacity: 10, MailboxWarningRatio: 0.9, SessionRetention: time.Hour,
	}, nil, nil)
	ctx := context.Background()
	_, err := sessions.Connect(ctx, "acme", "sess-1", session.Capabilities{
		Protocols: map[string][]string{"chat": {"1.0.0"}},
	})
	require.NoError(t, err)

	checker := referenceCheckerAdapter{sessions: sessions}

	active, err := checker.HasActiveReference(ctx, "acme", "chat", "1.0.0")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = checker.HasActiveReference(ctx, "acme", "chat", "2.0.0")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestCrossTenantAdapter_DelegatesToRegistry(t *testing.T) {
	sessions := session.NewManager(session.Config{
		StaleThreshold: time.Hour, DisconnectThreshold: time.Hour,
		MailboxCapacity: 10, MailboxWarningRatio: 0.9, SessionRetention: time.Hour,
	}, nil, nil)
	tenants := tenant.NewRegistry(sessions, nil)
	ctx := context.Background()

	_, err := tenants.Create(ctx, "acme", "Acme", "", tenant.Config{
		CrossTenantRules: []tenant.CrossTenantRule{{Peer: "beta", ProtocolWhitelist: []string{"chat"}, RateBudgetPerMinute: 60}},
	})
	require.NoError(t, err)
	_, err = tenants.Create(ctx, "beta", "Beta", "", tenant.Config{
		CrossTenantRules: []tenant.CrossTenantRule{{Peer: "acme", ProtocolWhitelist: []string{"chat"}, RateBudgetPerMinute: 60}},
	})
	require.NoError(t, err)

	checker := crossTenantAdapter{tenants: tenants}

	allowed, err := checker.CrossTenantAllowed(ctx, "acme", "beta", "chat")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = checker.CrossTenantAllowed(ctx, "acme", "beta", "alerts")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestSessionDLQAdapter_DeadLettersValidMessagesAndSkipsInvalid(t *testing.T) {
	backend := store.NewMemoryBackend()
	dlq := router.NewStoreDeadLetterStore(backend)
	adapter := sessionDLQAdapter{dlq: dlq}

	msg := router.NewMessage("acme", "sender", "chat", "1.0.0", json.RawMessage(`{}`), router.Headers{})
	valid, err := json.Marshal(msg)
	require.NoError(t, err)

	err = adapter.DeadLetter(context.Background(), "acme", "sess-1", [][]byte{valid, []byte("not json")}, "session_retention_expired")
	require.NoError(t, err)
}
