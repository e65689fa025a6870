package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
	"github.com/jeeves-cluster-organization/broker/internal/logging"
)

// failingBackend wraps a MemoryBackend but fails every call once armed,
// simulating a durable backend outage.
type failingBackend struct {
	*MemoryBackend
	fail bool
}

func newFailingBackend() *failingBackend {
	return &failingBackend{MemoryBackend: NewMemoryBackend()}
}

func (f *failingBackend) Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error {
	if f.fail {
		return errors.New("durable backend unavailable")
	}
	return f.MemoryBackend.Put(ctx, tenant, kind, id, value)
}

func (f *failingBackend) Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error) {
	if f.fail {
		return nil, errors.New("durable backend unavailable")
	}
	return f.MemoryBackend.Get(ctx, tenant, kind, id)
}

func TestMirroredBackend_StartsDurable(t *testing.T) {
	durable := newFailingBackend()
	b := NewMirroredBackend(durable, "", logging.NoopLogger())
	assert.Equal(t, ModeDurable, b.Mode())
}

func TestMirroredBackend_PutFailureDegradesAndStillServesReads(t *testing.T) {
	durable := newFailingBackend()
	b := NewMirroredBackend(durable, "", logging.NoopLogger())
	ctx := adminCtx()

	durable.fail = true
	err := b.Put(ctx, "acme", KindSession, "s1", []byte("hello"))
	require.Error(t, err)
	assert.Equal(t, brokererr.KindDegradedStore, brokererr.KindOf(err))
	assert.Equal(t, ModeDegraded, b.Mode())

	v, err := b.Get(ctx, "acme", KindSession, "s1")
	require.NoError(t, err, "degraded mode still serves reads from the mirror")
	assert.Equal(t, "hello", string(v))
}

func TestMirroredBackend_GetFallsBackToMirrorOnDurableError(t *testing.T) {
	durable := newFailingBackend()
	b := NewMirroredBackend(durable, "", logging.NoopLogger())
	ctx := adminCtx()

	require.NoError(t, b.Put(ctx, "acme", KindSession, "s1", []byte("hello")))
	assert.Equal(t, ModeDurable, b.Mode())

	durable.fail = true
	v, err := b.Get(ctx, "acme", KindSession, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(v))
	assert.Equal(t, ModeDegraded, b.Mode())
}

func TestMirroredBackend_CloseFlushesSpillFile(t *testing.T) {
	dir := t.TempDir()
	durable := newFailingBackend()
	b := NewMirroredBackend(durable, dir, logging.NoopLogger())
	ctx := adminCtx()

	durable.fail = true
	_ = b.Put(ctx, "acme", KindSession, "s1", []byte("hello"))

	require.NoError(t, b.Close(ctx))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMirroredBackend_CloseWithoutSpillDirSkipsWrite(t *testing.T) {
	durable := newFailingBackend()
	b := NewMirroredBackend(durable, "", logging.NoopLogger())
	ctx := adminCtx()

	durable.fail = true
	_ = b.Put(ctx, "acme", KindSession, "s1", []byte("hello"))

	require.NoError(t, b.Close(ctx))
}
