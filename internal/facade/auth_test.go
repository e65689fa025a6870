package facade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthContext_RoundTripsThroughContext(t *testing.T) {
	auth := AuthContext{TenantID: "acme", ActorID: "sess-1", ActorKind: ActorAgent}
	ctx := WithAuthContext(context.Background(), auth)

	got, ok := AuthFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, auth, got)
}

func TestAuthFromContext_MissingReturnsFalse(t *testing.T) {
	_, ok := AuthFromContext(context.Background())
	assert.False(t, ok)
}
