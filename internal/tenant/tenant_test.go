package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSessionCounter struct{ n int }

func (s stubSessionCounter) ActiveSessionCount(ctx context.Context, tenantID string) (int, error) {
	return s.n, nil
}

type stubMessageCounter struct{ n int }

func (s stubMessageCounter) PendingMessageCount(ctx context.Context, tenantID string) (int, error) {
	return s.n, nil
}

func TestValidateTenantID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"acme_corp", true},
		{"acme", true},
		{"Acme", false},
		{"-acme", false},
		{"acme-", false},
		{"a", false},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			err := ValidateTenantID(tc.id)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	tn, err := r.Create(ctx, "acme_corp", "Acme Corp", "desc", Config{Discoverable: true})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, tn.Status)

	got, err := r.Get(ctx, "acme_corp")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.DisplayName)
}

func TestRegistry_CreateRejectsDuplicateID(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	_, err = r.Create(ctx, "acme_corp", "Other", "", Config{})
	assert.Error(t, err)
}

func TestRegistry_List_HidesNonDiscoverableUnlessAdmin(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{Discoverable: false})
	require.NoError(t, err)

	out, err := r.List(ctx, nil, false)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = r.List(ctx, nil, true)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestRegistry_Destroy_BlockedByActiveSessions(t *testing.T) {
	r := NewRegistry(stubSessionCounter{n: 1}, stubMessageCounter{n: 0})
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	err = r.Destroy(ctx, "acme_corp")
	require.Error(t, err)

	_, getErr := r.Get(ctx, "acme_corp")
	assert.NoError(t, getErr)
}

func TestRegistry_Destroy_BlockedByPendingMessages(t *testing.T) {
	r := NewRegistry(stubSessionCounter{n: 0}, stubMessageCounter{n: 3})
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	assert.Error(t, r.Destroy(ctx, "acme_corp"))
}

func TestRegistry_Destroy_SucceedsWhenClean(t *testing.T) {
	r := NewRegistry(stubSessionCounter{n: 0}, stubMessageCounter{n: 0})
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	require.NoError(t, r.Destroy(ctx, "acme_corp"))
	_, err = r.Get(ctx, "acme_corp")
	assert.Error(t, err)
}

func TestRegistry_CreateKey_AuthenticateRoundTrip(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	clearText, key, err := r.CreateKey(ctx, "acme_corp", []string{"send"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, clearText)
	assert.Equal(t, KeyStatusActive, key.Status)

	got, err := r.Authenticate(ctx, clearText)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
}

func TestRegistry_Authenticate_WrongKeyIsUnauthorized(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)
	_, _, err = r.CreateKey(ctx, "acme_corp", nil, 0)
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, "sk_agent_v1_wrong_key_value")
	assert.Error(t, err)
}

func TestRegistry_Authenticate_ExpiredKeyIsUnauthorized(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)
	clearText, _, err := r.CreateKey(ctx, "acme_corp", nil, time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = r.Authenticate(ctx, clearText)
	assert.Error(t, err)
}

func TestRegistry_RotateKeys_OldKeyValidWithinGracePeriod(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	oldClear, _, err := r.CreateKey(ctx, "acme_corp", nil, 0)
	require.NoError(t, err)

	newClear, newKey, err := r.RotateKeys(ctx, "acme_corp", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, oldClear, newClear)
	assert.Equal(t, KeyStatusActive, newKey.Status)

	_, err = r.Authenticate(ctx, oldClear)
	assert.NoError(t, err, "old key should remain valid within the grace period")

	_, err = r.Authenticate(ctx, newClear)
	assert.NoError(t, err)
}

func TestRegistry_RotateKeys_OldKeyRejectedAfterGracePeriod(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	oldClear, _, err := r.CreateKey(ctx, "acme_corp", nil, 0)
	require.NoError(t, err)

	_, _, err = r.RotateKeys(ctx, "acme_corp", time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = r.Authenticate(ctx, oldClear)
	assert.Error(t, err)
}

func TestRegistry_RevokeKey_BypassesGracePeriod(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme_corp", "Acme", "", Config{})
	require.NoError(t, err)

	clearText, key, err := r.CreateKey(ctx, "acme_corp", nil, 0)
	require.NoError(t, err)

	require.NoError(t, r.RevokeKey(ctx, key.ID))
	_, err = r.Authenticate(ctx, clearText)
	assert.Error(t, err)
}

func TestRegistry_CrossTenantAllowed_RequiresMutualDeclaration(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme", "Acme", "", Config{
		CrossTenantRules: []CrossTenantRule{{Peer: "beta", ProtocolWhitelist: []string{"chat"}, RateBudgetPerMinute: 60}},
	})
	require.NoError(t, err)
	_, err = r.Create(ctx, "beta", "Beta", "", Config{})
	require.NoError(t, err)

	rule, err := r.CrossTenantAllowed(ctx, "acme", "beta", "chat")
	require.NoError(t, err)
	assert.Nil(t, rule, "one-sided declaration must not authorize cross-tenant traffic")
}

func TestRegistry_CrossTenantAllowed_MutualDeclarationAllows(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme", "Acme", "", Config{
		CrossTenantRules: []CrossTenantRule{{Peer: "beta", ProtocolWhitelist: []string{"chat"}, RateBudgetPerMinute: 60}},
	})
	require.NoError(t, err)
	_, err = r.Create(ctx, "beta", "Beta", "", Config{
		CrossTenantRules: []CrossTenantRule{{Peer: "acme", ProtocolWhitelist: []string{"chat"}, RateBudgetPerMinute: 60}},
	})
	require.NoError(t, err)

	rule, err := r.CrossTenantAllowed(ctx, "acme", "beta", "chat")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "beta", rule.Peer)
}

func TestRegistry_CrossTenantAllowed_ProtocolNotWhitelisted(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	_, err := r.Create(ctx, "acme", "Acme", "", Config{
		CrossTenantRules: []CrossTenantRule{{Peer: "beta", ProtocolWhitelist: []string{"chat"}, RateBudgetPerMinute: 60}},
	})
	require.NoError(t, err)
	_, err = r.Create(ctx, "beta", "Beta", "", Config{
		CrossTenantRules: []CrossTenantRule{{Peer: "acme", ProtocolWhitelist: []string{"alerts"}, RateBudgetPerMinute: 60}},
	})
	require.NoError(t, err)

	rule, err := r.CrossTenantAllowed(ctx, "acme", "beta", "chat")
	require.NoError(t, err)
	assert.Nil(t, rule)
}
