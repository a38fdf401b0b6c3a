package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/v1/bus"
)

func newTestCluster(t *testing.T) (*miniredis.Miniredis, func(node string) *Registry) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return mr, func(node string) *Registry {
		svc, err := bus.NewService(mr.Addr(), "")
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Close() })

		reg, err := NewRegistry(context.Background(), svc, node)
		require.NoError(t, err)
		t.Cleanup(reg.Close)
		return reg
	}
}

func TestRegistry_RegisterIsUniqueClusterWide(t *testing.T) {
	_, newRegistry := newTestCluster(t)
	regA := newRegistry("node-a")
	regB := newRegistry("node-b")

	ctx := context.Background()
	entry := Entry{Kind: KindRoom, Key: "general"}

	err := regA.Register(ctx, entry, Registration{Node: "node-a", Handle: "general"})
	require.NoError(t, err)

	// A concurrent attempt from another node loses.
	err = regB.Register(ctx, entry, Registration{Node: "node-b", Handle: "general"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// Every node observes the winning registration.
	got, found, err := regB.Lookup(ctx, entry)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Registration{Node: "node-a", Handle: "general"}, got)
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	_, newRegistry := newTestCluster(t)
	reg := newRegistry("node-a")

	ctx := context.Background()
	entry := Entry{Kind: KindUser, Key: "0781"}

	require.NoError(t, reg.Register(ctx, entry, Registration{Node: "node-a", Handle: "conn-1"}))
	require.NoError(t, reg.Unregister(ctx, entry))
	require.NoError(t, reg.Unregister(ctx, entry))

	_, found, err := reg.Lookup(ctx, entry)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegistry_MirrorInvalidation(t *testing.T) {
	_, newRegistry := newTestCluster(t)
	regA := newRegistry("node-a")
	regB := newRegistry("node-b")

	ctx := context.Background()
	entry := Entry{Kind: KindRoom, Key: "devs"}

	require.NoError(t, regA.Register(ctx, entry, Registration{Node: "node-a", Handle: "devs"}))

	// Warm B's mirror, then drop the entry on A. The invalidation event
	// must evict B's cached copy.
	_, found, err := regB.Lookup(ctx, entry)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, regA.Unregister(ctx, entry))

	assert.Eventually(t, func() bool {
		_, found, err := regB.Lookup(ctx, entry)
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_Enumerate(t *testing.T) {
	_, newRegistry := newTestCluster(t)
	reg := newRegistry("node-a")

	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, Entry{Kind: KindRoom, Key: "general"}, Registration{Node: "node-a", Handle: "general"}))
	require.NoError(t, reg.Register(ctx, Entry{Kind: KindRoom, Key: "devs"}, Registration{Node: "node-b", Handle: "devs"}))
	require.NoError(t, reg.Register(ctx, Entry{Kind: KindUser, Key: "0781"}, Registration{Node: "node-a", Handle: "conn-1"}))

	rooms, err := reg.Enumerate(ctx, KindRoom)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)
	assert.Equal(t, "node-a", rooms["general"].Node)
	assert.Equal(t, "node-b", rooms["devs"].Node)

	users, err := reg.Enumerate(ctx, KindUser)
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, "conn-1", users["0781"].Handle)
}

func TestRegistry_WarmStart(t *testing.T) {
	_, newRegistry := newTestCluster(t)
	regA := newRegistry("node-a")

	ctx := context.Background()
	entry := Entry{Kind: KindUser, Key: "0790"}
	require.NoError(t, regA.Register(ctx, entry, Registration{Node: "node-a", Handle: "conn-9"}))

	// A registry created later sees pre-existing state immediately.
	regB := newRegistry("node-b")
	got, found, err := regB.Lookup(ctx, entry)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "conn-9", got.Handle)
}
