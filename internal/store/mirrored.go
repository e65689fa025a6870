package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/observability"
)

// Mode is MirroredBackend's durability state.
type Mode string

const (
	ModeDurable  Mode = "durable"
	ModeDegraded Mode = "degraded"
)

// spillRecord is one buffered write captured while degraded, to be
// replayed at the next start per spec §4.1's "no silent data loss" policy.
type spillRecord struct {
	Op     string `json:"op"` // put, delete, enqueue
	Tenant string `json:"tenant"`
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Value  []byte `json:"value,omitempty"`
}

// MirroredBackend wraps a durable Backend (e.g. a remote key/value service)
// with a MemoryBackend warm mirror, implementing the failover policy of
// spec §4.1: on durable-backend error it serves reads from the mirror,
// marks writes not-durable, and on Close in degraded mode flushes buffered
// writes to a spill file so they can be replayed at the next start.
type MirroredBackend struct {
	durable Backend
	mirror  *MemoryBackend

	mu       sync.Mutex
	mode     Mode
	spillDir string
	spilled  []spillRecord

	logger logging.Logger
}

// NewMirroredBackend constructs a MirroredBackend over durable, warm-mirrored
// by an in-memory MemoryBackend. spillDir is where buffered writes are
// flushed if Close happens while degraded; empty disables spill-to-disk.
func NewMirroredBackend(durable Backend, spillDir string, logger logging.Logger) *MirroredBackend {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	return &MirroredBackend{
		durable:  durable,
		mirror:   NewMemoryBackend(),
		mode:     ModeDurable,
		spillDir: spillDir,
		logger:   logger,
	}
}

// Mode reports the backend's current durability mode.
func (b *MirroredBackend) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

func (b *MirroredBackend) markDegraded(cause error) {
	b.mu.Lock()
	wasDurable := b.mode == ModeDurable
	b.mode = ModeDegraded
	b.mu.Unlock()
	if wasDurable {
		observability.StoreDegradedTotal.WithLabelValues().Inc()
		b.logger.Warn("store_degraded", "cause", cause.Error())
	}
}

func (b *MirroredBackend) recordSpill(rec spillRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spilled = append(b.spilled, rec)
}

func (b *MirroredBackend) Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error) {
	if b.Mode() == ModeDurable {
		v, err := b.durable.Get(ctx, tenant, kind, id)
		if err == nil {
			_ = b.mirror.Put(ctx, tenant, kind, id, v)
			return v, nil
		}
		if brokererr.KindOf(err) == brokererr.KindNotFound || brokererr.KindOf(err) == brokererr.KindIsolationViolation {
			return nil, err
		}
		b.markDegraded(err)
	}
	return b.mirror.Get(ctx, tenant, kind, id)
}

func (b *MirroredBackend) Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error {
	if err := b.mirror.Put(ctx, tenant, kind, id, value); err != nil {
		return err
	}
	if b.Mode() == ModeDurable {
		if err := b.durable.Put(ctx, tenant, kind, id, value); err != nil {
			b.markDegraded(err)
			b.recordSpill(spillRecord{Op: "put", Tenant: tenant, Kind: kind, ID: id, Value: value})
			return brokererr.New(brokererr.KindDegradedStore, "write accepted, durability not guaranteed", nil)
		}
		return nil
	}
	b.recordSpill(spillRecord{Op: "put", Tenant: tenant, Kind: kind, ID: id, Value: value})
	return brokererr.New(brokererr.KindDegradedStore, "write accepted, durability not guaranteed", nil)
}

func (b *MirroredBackend) Delete(ctx context.Context, tenant string, kind Kind, id string) error {
	if err := b.mirror.Delete(ctx, tenant, kind, id); err != nil {
		return err
	}
	if b.Mode() == ModeDurable {
		if err := b.durable.Delete(ctx, tenant, kind, id); err != nil {
			b.markDegraded(err)
			b.recordSpill(spillRecord{Op: "delete", Tenant: tenant, Kind: kind, ID: id})
			return brokererr.New(brokererr.KindDegradedStore, "delete accepted, durability not guaranteed", nil)
		}
		return nil
	}
	b.recordSpill(spillRecord{Op: "delete", Tenant: tenant, Kind: kind, ID: id})
	return brokererr.New(brokererr.KindDegradedStore, "delete accepted, durability not guaranteed", nil)
}

func (b *MirroredBackend) List(ctx context.Context, tenant string, kind Kind, filter func(id string, value []byte) bool) ([]string, error) {
	if b.Mode() == ModeDurable {
		ids, err := b.durable.List(ctx, tenant, kind, filter)
		if err == nil {
			return ids, nil
		}
		b.markDegraded(err)
	}
	return b.mirror.List(ctx, tenant, kind, filter)
}

func (b *MirroredBackend) Enqueue(ctx context.Context, tenant string, kind Kind, id string, item []byte) error {
	if err := b.mirror.Enqueue(ctx, tenant, kind, id, item); err != nil {
		return err
	}
	if b.Mode() == ModeDurable {
		if err := b.durable.Enqueue(ctx, tenant, kind, id, item); err != nil {
			b.markDegraded(err)
			b.recordSpill(spillRecord{Op: "enqueue", Tenant: tenant, Kind: kind, ID: id, Value: item})
			return brokererr.New(brokererr.KindDegradedStore, "enqueue accepted, durability not guaranteed", nil)
		}
		return nil
	}
	b.recordSpill(spillRecord{Op: "enqueue", Tenant: tenant, Kind: kind, ID: id, Value: item})
	return brokererr.New(brokererr.KindDegradedStore, "enqueue accepted, durability not guaranteed", nil)
}

func (b *MirroredBackend) DequeueUpTo(ctx context.Context, tenant string, kind Kind, id string, n int) ([][]byte, error) {
	// Always serve dequeue from the mirror: it is kept current by Enqueue
	// above regardless of mode, and dequeue must never block on the
	// durable backend's own availability.
	return b.mirror.DequeueUpTo(ctx, tenant, kind, id, n)
}

func (b *MirroredBackend) Depth(ctx context.Context, tenant string, kind Kind, id string) (int, error) {
	return b.mirror.Depth(ctx, tenant, kind, id)
}

// Close flushes any buffered degraded-mode writes to a spill file under
// spillDir, so they can be replayed at the next start, then closes the
// durable backend.
func (b *MirroredBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	spilled := b.spilled
	b.spilled = nil
	spillDir := b.spillDir
	b.mu.Unlock()

	if len(spilled) > 0 && spillDir != "" {
		if err := os.MkdirAll(spillDir, 0o755); err != nil {
			return fmt.Errorf("store: create spill dir: %w", err)
		}
		name := filepath.Join(spillDir, fmt.Sprintf("spill-%d.json", time.Now().UnixNano()))
		data, err := json.Marshal(spilled)
		if err != nil {
			return fmt.Errorf("store: marshal spill records: %w", err)
		}
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("store: write spill file: %w", err)
		}
		b.logger.Warn("store_spill_flushed", "file", name, "records", len(spilled))
	}
	return b.durable.Close(ctx)
}

var _ Backend = (*MirroredBackend)(nil)
