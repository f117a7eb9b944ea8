package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/sjson"
)

// testLogger returns a logger that discards all output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sentEnvelope captures one outbound request.
type sentEnvelope struct {
	ID     string
	Method string
}

// newTestCorrelator creates a correlator whose sends are captured on a
// channel instead of hitting a real stream.
func newTestCorrelator(t *testing.T) (*Correlator, chan sentEnvelope) {
	t.Helper()
	sent := make(chan sentEnvelope, 16)
	c := NewCorrelator(func(data any) error {
		env, ok := data.(rpcEnvelope)
		if !ok {
			t.Errorf("send received %T, want rpcEnvelope", data)
			return nil
		}
		sent <- sentEnvelope{ID: env.ID, Method: env.Method}
		return nil
	}, testLogger())
	return c, sent
}

// reply builds a modern reply payload echoing the request id.
func reply(t *testing.T, id string, result any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{"id": id, "result": result})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCorrelator_IDCorrelation(t *testing.T) {
	c, sent := newTestCorrelator(t)

	const n = 5
	type callResult struct {
		index  int
		result json.RawMessage
		err    error
	}
	results := make(chan callResult, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.Call(context.Background(), "get_state", map[string]int{"call": i})
			results <- callResult{index: i, result: raw, err: err}
		}(i)
	}

	// Collect the request ids in send order, then answer in reverse
	// arrival order: id matching must pair correctly regardless.
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		env := <-sent
		ids[i] = env.ID
	}
	for i := n - 1; i >= 0; i-- {
		c.HandleMessage(reply(t, ids[i], map[string]string{"for": ids[i]}))
	}

	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			t.Fatalf("call %d failed: %v", res.index, res.err)
		}
		var payload struct {
			For string `json:"for"`
		}
		if err := json.Unmarshal(res.result, &payload); err != nil {
			t.Fatalf("call %d: bad result: %v", res.index, err)
		}
		if payload.For == "" {
			t.Fatalf("call %d resolved with empty payload", res.index)
		}
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestCorrelator_IDMatchesCorrectCall(t *testing.T) {
	c, sent := newTestCorrelator(t)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		raw, err := c.Call(context.Background(), "get_schema", nil)
		first <- outcome{raw, err}
	}()
	env1 := <-sent

	go func() {
		raw, err := c.Call(context.Background(), "get_schema", nil)
		second <- outcome{raw, err}
	}()
	env2 := <-sent

	// Answer the second request before the first.
	c.HandleMessage(reply(t, env2.ID, "second"))
	c.HandleMessage(reply(t, env1.ID, "first"))

	got1 := <-first
	got2 := <-second
	if got1.err != nil || got2.err != nil {
		t.Fatalf("calls failed: %v, %v", got1.err, got2.err)
	}
	if string(got1.result) != `"first"` {
		t.Errorf("first call resolved with %s, want \"first\"", got1.result)
	}
	if string(got2.result) != `"second"` {
		t.Errorf("second call resolved with %s, want \"second\"", got2.result)
	}
}

func TestCorrelator_FIFOFallback(t *testing.T) {
	c, sent := newTestCorrelator(t)

	const n = 3
	results := make([]chan string, n)
	for i := 0; i < n; i++ {
		results[i] = make(chan string, 1)
		i := i
		go func() {
			raw, err := c.Call(context.Background(), "get_data_values", nil)
			if err != nil {
				results[i] <- "error: " + err.Error()
				return
			}
			results[i] <- string(raw)
		}()
		// Wait for the send so call order matches FIFO registration order.
		<-sent
	}

	// Replies omit ids; the K-th reply must resolve the K-th call.
	for i := 0; i < n; i++ {
		payload := fmt.Sprintf(`{"GetDataValuesReply": {"seq": %d}}`, i)
		c.HandleMessage(json.RawMessage(payload))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-results[i]:
			want := fmt.Sprintf(`{"seq": %d}`, i)
			if got != want {
				t.Errorf("call %d resolved with %s, want %s", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d never resolved", i)
		}
	}
}

func TestCorrelator_IDMatchRemovesFromFIFOByIdentity(t *testing.T) {
	c, sent := newTestCorrelator(t)

	results := make([]chan string, 2)
	for i := range results {
		results[i] = make(chan string, 1)
	}
	var ids [2]string
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			raw, err := c.Call(context.Background(), "get_state", nil)
			if err != nil {
				results[i] <- "error: " + err.Error()
				return
			}
			results[i] <- string(raw)
		}()
		ids[i] = (<-sent).ID
	}

	// The first call is answered by id. The next tag-only reply must then
	// resolve the second call, not misfire on the removed head.
	c.HandleMessage(reply(t, ids[0], "by-id"))
	c.HandleMessage(json.RawMessage(`{"GetStateReply": "by-tag"}`))

	if got := <-results[0]; got != `"by-id"` {
		t.Errorf("first call resolved with %s, want \"by-id\"", got)
	}
	if got := <-results[1]; got != `"by-tag"` {
		t.Errorf("second call resolved with %s, want \"by-tag\"", got)
	}
}

func TestCorrelator_ErrorReply(t *testing.T) {
	c, sent := newTestCorrelator(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "set_sort_columns", nil)
		done <- err
	}()
	env := <-sent

	payload, err := sjson.Set(`{"error": {"code": -32602, "message": "bad params"}}`, "id", env.ID)
	if err != nil {
		t.Fatal(err)
	}
	c.HandleMessage(json.RawMessage(payload))

	callErr := <-done
	var rpcErr *RPCError
	if !errors.As(callErr, &rpcErr) {
		t.Fatalf("Call() error = %v, want *RPCError", callErr)
	}
	if rpcErr.Code != CodeInvalidParams {
		t.Errorf("Code = %d, want %d", rpcErr.Code, CodeInvalidParams)
	}
	if rpcErr.Message != "bad params" {
		t.Errorf("Message = %q, want %q", rpcErr.Message, "bad params")
	}
}

func TestCorrelator_OrphanReplyDropped(t *testing.T) {
	c, sent := newTestCorrelator(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "get_state", nil)
		done <- err
	}()
	<-sent

	// Neither an unknown id nor an unknown discriminant may disturb the
	// pending request.
	c.HandleMessage(json.RawMessage(`{"id": "no-such-request", "result": 1}`))
	c.HandleMessage(json.RawMessage(`{"SomethingElse": {}}`))

	select {
	case err := <-done:
		t.Fatalf("pending call settled unexpectedly: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if c.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", c.PendingCount())
	}

	// The real reply still resolves it.
	c.HandleMessage(json.RawMessage(`{"GetStateReply": {}}`))
	if err := <-done; err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

func TestCorrelator_AmbiguousReplyIsProtocolFault(t *testing.T) {
	c, sent := newTestCorrelator(t)

	stateDone := make(chan error, 1)
	schemaDone := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "get_state", nil)
		stateDone <- err
	}()
	<-sent
	go func() {
		_, err := c.Call(context.Background(), "get_schema", nil)
		schemaDone <- err
	}()
	<-sent

	// A payload matching two reply discriminants must resolve neither
	// queue; a random match would pair the wrong caller.
	c.HandleMessage(json.RawMessage(`{"GetStateReply": {}, "GetSchemaReply": {}}`))

	select {
	case err := <-stateDone:
		t.Fatalf("get_state settled on ambiguous reply: %v", err)
	case err := <-schemaDone:
		t.Fatalf("get_schema settled on ambiguous reply: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if c.PendingCount() != 2 {
		t.Errorf("PendingCount() = %d, want 2", c.PendingCount())
	}
}

func TestCorrelator_CloseRejectsAllExactlyOnce(t *testing.T) {
	c, sent := newTestCorrelator(t)

	const n = 3
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(context.Background(), "get_state", nil)
			done <- err
		}()
		<-sent
	}

	c.Close(ErrCommClosed)

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrCommClosed) {
				t.Errorf("Call() error = %v, want ErrCommClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call never rejected after Close")
		}
	}

	// Late replies for the disposed comm are safely ignored.
	c.HandleMessage(json.RawMessage(`{"GetStateReply": {}}`))
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}

	// New calls fail immediately.
	if _, err := c.Call(context.Background(), "get_state", nil); !errors.Is(err, ErrCommClosed) {
		t.Errorf("Call() after Close = %v, want ErrCommClosed", err)
	}
}

func TestCorrelator_CancelledCallIgnoresLateReply(t *testing.T) {
	c, sent := newTestCorrelator(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "render", nil)
		done <- err
	}()
	env := <-sent

	cancel(ErrSuperseded)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Call() error = %v, want ErrSuperseded", err)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after cancel", c.PendingCount())
	}

	// The kernel was never told to stop; its reply arrives anyway and
	// must match nothing.
	c.HandleMessage(reply(t, env.ID, "late"))
	if c.PendingCount() != 0 {
		t.Errorf("late reply resurrected a pending request")
	}
}

func TestCorrelator_UnknownMethod(t *testing.T) {
	c, _ := newTestCorrelator(t)
	if _, err := c.Call(context.Background(), "no_such_method", nil); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("Call() error = %v, want ErrUnknownMethod", err)
	}
}

func TestCorrelator_SendFailureUnregisters(t *testing.T) {
	sendErr := errors.New("broken pipe")
	c := NewCorrelator(func(any) error { return sendErr }, testLogger())

	if _, err := c.Call(context.Background(), "get_state", nil); !errors.Is(err, sendErr) {
		t.Fatalf("Call() error = %v, want %v", err, sendErr)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 after send failure", c.PendingCount())
	}
}
