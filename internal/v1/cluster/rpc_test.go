package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/v1/bus"
)

var errBoom = errors.New("boom")

func encodeTestErr(err error) string {
	if errors.Is(err, errBoom) {
		return "boom"
	}
	return "internal"
}

func decodeTestErr(code string) error {
	if code == "boom" {
		return errBoom
	}
	return errors.New(code)
}

func newTestBus(t *testing.T, mr *miniredis.Miniredis) *bus.Service {
	t.Helper()
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestCall_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	type echoArgs struct {
		Text string `json:"text"`
	}

	endpoint := NewEndpoint(newTestBus(t, mr), "node-b", 4, func(ctx context.Context, op string, args json.RawMessage) (any, error) {
		require.Equal(t, "echo", op)
		var a echoArgs
		require.NoError(t, json.Unmarshal(args, &a))
		return map[string]string{"echo": a.Text}, nil
	}, encodeTestErr)
	require.NoError(t, endpoint.Start(context.Background()))
	defer endpoint.Stop()

	caller := NewCaller(newTestBus(t, mr), time.Second, decodeTestErr)
	result, err := caller.Call(context.Background(), "node-b", "echo", echoArgs{Text: "hi"})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(result, &got))
	assert.Equal(t, "hi", got["echo"])
}

func TestCall_ErrorCodeRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	endpoint := NewEndpoint(newTestBus(t, mr), "node-b", 2, func(ctx context.Context, op string, args json.RawMessage) (any, error) {
		return nil, errBoom
	}, encodeTestErr)
	require.NoError(t, endpoint.Start(context.Background()))
	defer endpoint.Stop()

	caller := NewCaller(newTestBus(t, mr), time.Second, decodeTestErr)
	_, err = caller.Call(context.Background(), "node-b", "explode", nil)
	assert.ErrorIs(t, err, errBoom)
}

func TestCall_TimeoutWhenTargetAbsent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	caller := NewCaller(newTestBus(t, mr), 100*time.Millisecond, decodeTestErr)

	start := time.Now()
	_, err = caller.Call(context.Background(), "node-gone", "noop", nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
