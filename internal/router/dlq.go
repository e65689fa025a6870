package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
	"github.com/jeeves-cluster-organization/broker/internal/store"
)

// StoreDeadLetterStore persists DLQEntry records through a store.Backend
// under the "dlq" kind, keeping an in-memory index per tenant for List.
type StoreDeadLetterStore struct {
	backend store.Backend

	mu    sync.RWMutex
	index map[string][]string // tenant -> dlq entry ids, append order
}

// NewStoreDeadLetterStore wraps backend as a DeadLetterStore.
func NewStoreDeadLetterStore(backend store.Backend) *StoreDeadLetterStore {
	return &StoreDeadLetterStore{backend: backend, index: make(map[string][]string)}
}

func (d *StoreDeadLetterStore) Append(ctx context.Context, entry DLQEntry) error {
	id := uuid.New().String()
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := d.backend.Put(ctx, entry.Message.Tenant, store.KindDLQ, id, raw); err != nil {
		// DegradedStore is a legitimate outcome for a DLQ write; the entry
		// is still recorded in the warm mirror.
		if !isDegraded(err) {
			return err
		}
	}
	d.mu.Lock()
	d.index[entry.Message.Tenant] = append(d.index[entry.Message.Tenant], id)
	d.mu.Unlock()
	return nil
}

// List returns all DLQ entries recorded for tenant, in append order.
func (d *StoreDeadLetterStore) List(ctx context.Context, tenant string) ([]DLQEntry, error) {
	d.mu.RLock()
	ids := append([]string(nil), d.index[tenant]...)
	d.mu.RUnlock()

	out := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := d.backend.Get(ctx, tenant, store.KindDLQ, id)
		if err != nil {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// PendingMessageCount implements tenant.PendingMessageCounter by counting
// this tenant's DLQ backlog plus any still-mailboxed messages is out of
// scope here (the session manager owns mailboxes); DLQ entries alone are
// the portion this component can answer.
func (d *StoreDeadLetterStore) PendingMessageCount(ctx context.Context, tenantID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index[tenantID]), nil
}

func isDegraded(err error) bool {
	return brokererr.KindOf(err) == brokererr.KindDegradedStore
}
