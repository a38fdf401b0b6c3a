package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/internal/v1/bus"
	"github.com/parley-chat/parley/internal/v1/metrics"
)

// DefaultCallTimeout bounds one remote invocation round trip.
const DefaultCallTimeout = 5 * time.Second

// ErrCallTimeout is returned when the target node does not reply in time.
// The router performs no retries; the failure surfaces to the user as an
// operation failure.
var ErrCallTimeout = errors.New("remote call timed out")

const (
	callChannelPrefix    = "parley:rpc:node:"
	replyChannelPrefix   = "parley:rpc:reply:"
	deliverChannelPrefix = "parley:deliver:node:"
)

// CallChannel is the channel a node consumes remote invocations from.
func CallChannel(node string) string {
	return callChannelPrefix + node
}

// DeliverChannel is the fire-and-forget channel a node consumes broadcast
// deliveries from.
func DeliverChannel(node string) string {
	return deliverChannelPrefix + node
}

// Request is one remote invocation envelope.
type Request struct {
	ID      string          `json:"id"`
	ReplyTo string          `json:"replyTo"`
	Op      string          `json:"op"`
	Args    json.RawMessage `json:"args"`
}

// Response carries either a result or an error code back to the caller.
type Response struct {
	ID     string          `json:"id"`
	Code   string          `json:"code,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Handler executes one operation on behalf of a remote node.
type Handler func(ctx context.Context, op string, args json.RawMessage) (any, error)

// Endpoint consumes this node's call channel and executes requests on a
// small worker pool, replying on each request's reply channel.
type Endpoint struct {
	bus       *bus.Service
	node      string
	handler   Handler
	encodeErr func(error) string
	workers   int

	queue  chan Request
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEndpoint builds the RPC endpoint for this node. encodeErr maps handler
// errors onto wire codes; the caller side decodes them back with its
// decodeErr counterpart.
func NewEndpoint(b *bus.Service, node string, workers int, handler Handler, encodeErr func(error) string) *Endpoint {
	if workers <= 0 {
		workers = 8
	}
	return &Endpoint{
		bus:       b,
		node:      node,
		handler:   handler,
		encodeErr: encodeErr,
		workers:   workers,
		queue:     make(chan Request, 64),
	}
}

// Start subscribes to the node's call channel and launches the worker pool.
func (e *Endpoint) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	if err := e.bus.Subscribe(runCtx, CallChannel(e.node), &e.wg, func(payload []byte) {
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			slog.Error("Failed to unmarshal RPC request", "node", e.node, "error", err)
			return
		}
		select {
		case e.queue <- req:
		case <-runCtx.Done():
		}
	}); err != nil {
		cancel()
		return err
	}

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case req := <-e.queue:
					e.serve(runCtx, req)
				}
			}
		}()
	}
	return nil
}

// Stop terminates the worker pool and the subscription.
func (e *Endpoint) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Endpoint) serve(ctx context.Context, req Request) {
	resp := Response{ID: req.ID}

	result, err := e.handler(ctx, req.Op, req.Args)
	if err != nil {
		resp.Code = e.encodeErr(err)
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			slog.Error("Failed to marshal RPC result", "op", req.Op, "error", err)
			resp.Code = e.encodeErr(err)
		} else {
			resp.Result = raw
		}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal RPC response", "op", req.Op, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, req.ReplyTo, raw); err != nil {
		slog.Warn("Failed to publish RPC response", "op", req.Op, "error", err)
	}
}

// Caller dispatches remote invocations and blocks for the reply.
type Caller struct {
	bus       *bus.Service
	timeout   time.Duration
	decodeErr func(code string) error
}

// NewCaller builds a Caller with the given per-call timeout; zero means
// DefaultCallTimeout.
func NewCaller(b *bus.Service, timeout time.Duration, decodeErr func(code string) error) *Caller {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Caller{bus: b, timeout: timeout, decodeErr: decodeErr}
}

// Call invokes op with args on the target node and waits for its reply.
// A missing reply within the timeout yields ErrCallTimeout.
func (c *Caller) Call(ctx context.Context, target, op string, args any) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, target, op, args)
	metrics.RemoteCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteCalls.WithLabelValues(op, "error").Inc()
	} else {
		metrics.RemoteCalls.WithLabelValues(op, "ok").Inc()
	}
	return result, err
}

func (c *Caller) call(ctx context.Context, target, op string, args any) (json.RawMessage, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	req := Request{
		ID:      id,
		ReplyTo: replyChannelPrefix + id,
		Op:      op,
		Args:    rawArgs,
	}
	rawReq, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Subscribe to the reply channel before publishing the request so the
	// reply cannot slip past us.
	sub := c.bus.Client().Subscribe(ctx, req.ReplyTo)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to open reply channel: %w", err)
	}

	if err := c.bus.Publish(ctx, CallChannel(target), rawReq); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s on %s", ErrCallTimeout, op, target)
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrCallTimeout, op, target)
		}
		var resp Response
		if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
			return nil, fmt.Errorf("malformed RPC response: %w", err)
		}
		if resp.Code != "" {
			return nil, c.decodeErr(resp.Code)
		}
		return resp.Result, nil
	}
}
