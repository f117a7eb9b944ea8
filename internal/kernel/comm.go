package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Comm is one logical bidirectional conversation with the kernel,
// identified by a comm id and multiplexed over the single stream. A comm is
// opened either by the host (OpenComm) or by the kernel (adopted from a
// comm_open announcement).
type Comm struct {
	id     string
	target string

	enc    *Encoder
	corr   *Correlator
	closed atomic.Bool

	log *slog.Logger
}

// newComm wires a comm to the shared encoder.
func newComm(id, target string, enc *Encoder, log *slog.Logger) *Comm {
	c := &Comm{id: id, target: target, enc: enc, log: log}
	c.corr = NewCorrelator(func(data any) error {
		return enc.SendComm(id, data)
	}, log)
	return c
}

// ID returns the comm id.
func (c *Comm) ID() string { return c.id }

// TargetName returns the capability this comm was opened for.
func (c *Comm) TargetName() string { return c.target }

// Call issues an RPC on this comm and blocks until the matching reply
// arrives or ctx is done.
func (c *Comm) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrCommClosed
	}
	return c.corr.Call(ctx, method, params)
}

// Send writes a one-way message on this comm, expecting no reply.
func (c *Comm) Send(data any) error {
	if c.closed.Load() {
		return ErrCommClosed
	}
	return c.enc.SendComm(c.id, data)
}

// handleMessage feeds an inbound comm-message payload to the correlation
// engine. Called from the framer goroutine in stream order.
func (c *Comm) handleMessage(data json.RawMessage) {
	c.corr.HandleMessage(data)
}

// Close tears the comm down host-side: every pending request is rejected
// with cause exactly once, and a comm_close is sent to the kernel when
// notify is true (false when the kernel closed the comm itself or the
// process already exited).
func (c *Comm) close(cause error, notify bool) {
	if c.closed.Swap(true) {
		return
	}
	c.corr.Close(cause)
	if notify {
		if err := c.enc.CloseComm(c.id, nil); err != nil {
			c.log.Debug("comm_close write failed", "comm_id", c.id, "error", err)
		}
	}
}

// Close closes the comm and notifies the kernel.
func (c *Comm) Close() {
	c.close(ErrCommClosed, true)
}
