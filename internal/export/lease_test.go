package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/data-exporter/internal/model"
)

func TestLeaseWriteExcludesWrite(t *testing.T) {
	leases := newMemLeases()
	lock := NewLeaseLock(leases, "cleanup", time.Minute)
	ctx := context.Background()

	first, err := lock.Acquire(ctx, true)
	require.NoError(t, err)
	require.True(t, first.Acquired())

	second, err := lock.Acquire(ctx, true)
	require.NoError(t, err)
	assert.False(t, second.Acquired())

	require.NoError(t, first.Release(ctx))

	third, err := lock.Acquire(ctx, true)
	require.NoError(t, err)
	assert.True(t, third.Acquired())
	require.NoError(t, third.Release(ctx))
}

func TestLeaseReadersShare(t *testing.T) {
	leases := newMemLeases()
	lock := NewLeaseLock(leases, "cleanup", time.Minute)
	ctx := context.Background()

	r1, err := lock.Acquire(ctx, false)
	require.NoError(t, err)
	require.True(t, r1.Acquired())

	r2, err := lock.Acquire(ctx, false)
	require.NoError(t, err)
	require.True(t, r2.Acquired())

	raw, exists, err := leases.Get(ctx, "cleanup")
	require.NoError(t, err)
	require.True(t, exists)
	token, err := model.ParseLeaseToken(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, token.Readers)

	// a writer is blocked while any reader holds the lease
	w, err := lock.Acquire(ctx, true)
	require.NoError(t, err)
	assert.False(t, w.Acquired())

	require.NoError(t, r1.Release(ctx))
	require.NoError(t, r2.Release(ctx))

	// last release removes the record
	_, exists, err = leases.Get(ctx, "cleanup")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLeaseWriterBlocksReaders(t *testing.T) {
	leases := newMemLeases()
	lock := NewLeaseLock(leases, "cleanup", time.Minute)
	ctx := context.Background()

	w, err := lock.Acquire(ctx, true)
	require.NoError(t, err)
	require.True(t, w.Acquired())

	r, err := lock.Acquire(ctx, false)
	require.NoError(t, err)
	assert.False(t, r.Acquired())

	require.NoError(t, w.Release(ctx))
}

func TestLeaseExpiredHolderIsReclaimed(t *testing.T) {
	leases := newMemLeases()
	ctx := context.Background()

	// a crashed node left a write token far in the past
	stale := model.LeaseToken{Write: true, Stamp: time.Now().Add(-time.Hour).UnixMilli()}
	ok, err := leases.Insert(ctx, "cleanup", stale.String())
	require.NoError(t, err)
	require.True(t, ok)

	lock := NewLeaseLock(leases, "cleanup", time.Minute)
	h, err := lock.Acquire(ctx, true)
	require.NoError(t, err)
	assert.True(t, h.Acquired())
	require.NoError(t, h.Release(ctx))
}

func TestLeaseMalformedTokenIsReclaimed(t *testing.T) {
	leases := newMemLeases()
	ctx := context.Background()
	_, err := leases.Insert(ctx, "cleanup", "garbage")
	require.NoError(t, err)

	lock := NewLeaseLock(leases, "cleanup", time.Minute)
	h, err := lock.Acquire(ctx, false)
	require.NoError(t, err)
	assert.True(t, h.Acquired())
	require.NoError(t, h.Release(ctx))
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	leases := newMemLeases()
	lock := NewLeaseLock(leases, "cleanup", time.Minute)
	ctx := context.Background()

	h, err := lock.Acquire(ctx, true)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))

	var none *LeaseHandle
	assert.False(t, none.Acquired())
	assert.NoError(t, none.Release(ctx))
}
