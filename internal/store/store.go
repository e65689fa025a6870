// Package store implements the Namespaced Store (C1): keyed CRUD over
// (tenant, kind, id) plus atomic queue primitives, with strict tenant
// isolation as a non-bypassable cross-cutting check. Tenant scope is
// carried via context rather than as an explicit per-call parameter, and a
// warm in-memory mirror can front a durable backend for the failover split
// described in spec §4.1.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
)

// Kind enumerates the key namespaces used across the broker, per spec §4.1.
type Kind string

const (
	KindProtocol Kind = "protocol"
	KindSession  Kind = "session"
	KindMessage  Kind = "message"
	KindMailbox  Kind = "mailbox"
	KindDLQ      Kind = "dlq"
	KindTenant   Kind = "tenant"
	KindKey      Kind = "key"
)

// Key formats the "{tenant}:{kind}:{id}" string form required by spec §6.
func Key(tenant string, kind Kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", tenant, kind, id)
}

type ctxKey struct{}

// TenantScope is the caller's tenant, attached to context by the façade
// after authentication.
type TenantScope struct {
	TenantID string
	IsAdmin  bool // explicit, audited cross-tenant administrative caller
}

// WithTenantScope attaches scope to ctx.
func WithTenantScope(ctx context.Context, scope TenantScope) context.Context {
	return context.WithValue(ctx, ctxKey{}, scope)
}

// TenantScopeFromContext retrieves the scope attached by WithTenantScope.
func TenantScopeFromContext(ctx context.Context) (TenantScope, bool) {
	s, ok := ctx.Value(ctxKey{}).(TenantScope)
	return s, ok
}

// checkScope enforces that scope may touch tenant, returning
// IsolationViolation otherwise. This check is mandatory and is never
// bypassed — admin callers must still pass an explicit scope whose
// IsAdmin flag the façade sets only for audited admin operations.
func checkScope(ctx context.Context, tenant string) error {
	scope, ok := TenantScopeFromContext(ctx)
	if !ok {
		return brokererr.IsolationViolation("no tenant scope on context")
	}
	if scope.TenantID == tenant || scope.IsAdmin {
		return nil
	}
	return brokererr.IsolationViolation(fmt.Sprintf("scope %q may not access tenant %q", scope.TenantID, tenant))
}

// Backend is the narrow interface implemented by MemoryBackend and
// MirroredBackend, per spec §4.1's "inheritance-based storage backends →
// narrow interface with two implementations" translation (§9).
type Backend interface {
	Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error)
	Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error
	Delete(ctx context.Context, tenant string, kind Kind, id string) error
	List(ctx context.Context, tenant string, kind Kind, filter func(id string, value []byte) bool) ([]string, error)

	Enqueue(ctx context.Context, tenant string, kind Kind, id string, item []byte) error
	DequeueUpTo(ctx context.Context, tenant string, kind Kind, id string, n int) ([][]byte, error)
	Depth(ctx context.Context, tenant string, kind Kind, id string) (int, error)

	Close(ctx context.Context) error
}

// MemoryBackend is an in-memory implementation of Backend over flat maps
// keyed by the full Key(tenant, kind, id) string.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte   // Key(...) -> value
	queues map[string][][]byte // Key(...) -> FIFO slice
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string][]byte),
		queues: make(map[string][][]byte),
	}
}

func (m *MemoryBackend) Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error) {
	if err := checkScope(ctx, tenant); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[Key(tenant, kind, id)]
	if !ok {
		return nil, brokererr.NotFound(fmt.Sprintf("%s not found", Key(tenant, kind, id)))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryBackend) Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error {
	if err := checkScope(ctx, tenant); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[Key(tenant, kind, id)] = cp
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, tenant string, kind Kind, id string) error {
	if err := checkScope(ctx, tenant); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, Key(tenant, kind, id))
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, tenant string, kind Kind, filter func(id string, value []byte) bool) ([]string, error) {
	if err := checkScope(ctx, tenant); err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("%s:%s:", tenant, kind)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for k, v := range m.values {
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		id := k[len(prefix):]
		if filter == nil || filter(id, v) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryBackend) Enqueue(ctx context.Context, tenant string, kind Kind, id string, item []byte) error {
	if err := checkScope(ctx, tenant); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(tenant, kind, id)
	cp := make([]byte, len(item))
	copy(cp, item)
	m.queues[k] = append(m.queues[k], cp)
	return nil
}

func (m *MemoryBackend) DequeueUpTo(ctx context.Context, tenant string, kind Kind, id string, n int) ([][]byte, error) {
	if err := checkScope(ctx, tenant); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(tenant, kind, id)
	q := m.queues[k]
	if n > len(q) {
		n = len(q)
	}
	out := make([][]byte, n)
	copy(out, q[:n])
	m.queues[k] = q[n:]
	return out, nil
}

func (m *MemoryBackend) Depth(ctx context.Context, tenant string, kind Kind, id string) (int, error) {
	if err := checkScope(ctx, tenant); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[Key(tenant, kind, id)]), nil
}

func (m *MemoryBackend) Close(ctx context.Context) error { return nil }

var _ Backend = (*MemoryBackend)(nil)
