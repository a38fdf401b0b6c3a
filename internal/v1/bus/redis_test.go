package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan []byte, 1)
	err := svc.Subscribe(ctx, "test:channel", wg, func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)

	// Subscribe returns only after confirmation, so this publish is visible.
	require.NoError(t, svc.Publish(ctx, "test:channel", []byte("hello")))

	select {
	case got := <-received:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}

	cancel()
	wg.Wait()
}

func TestSetNX(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	ok, err := svc.SetNX(ctx, "registry:user:1", "node-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second registration of the same key loses.
	ok, err = svc.SetNX(ctx, "registry:user:1", "node-b")
	require.NoError(t, err)
	assert.False(t, ok)

	val, found, err := svc.Get(ctx, "registry:user:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "node-a", val)
}

func TestDelIsIdempotent(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	ok, err := svc.SetNX(ctx, "registry:room:general", "node-a")
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, svc.Del(ctx, "registry:room:general"))
	assert.NoError(t, svc.Del(ctx, "registry:room:general"))

	_, found, err := svc.Get(ctx, "registry:room:general")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScanPrefix(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	for key, val := range map[string]string{
		"registry:room:general": "node-a",
		"registry:room:devs":    "node-b",
		"registry:user:1":       "node-a",
	} {
		ok, err := svc.SetNX(ctx, key, val)
		require.NoError(t, err)
		require.True(t, ok)
	}

	rooms, err := svc.ScanPrefix(ctx, "registry:room:")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"registry:room:general": "node-a",
		"registry:room:devs":    "node-b",
	}, rooms)
}

func TestNilServiceIsSafe(t *testing.T) {
	var svc *Service

	ctx := context.Background()
	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Publish(ctx, "c", nil))
	assert.NoError(t, svc.Subscribe(ctx, "c", nil, nil))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
}
