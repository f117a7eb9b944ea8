package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// replyTags maps an RPC method to the reply discriminant its backend is
// documented to answer with. The table drives the FIFO fallback path for
// peers that do not echo request ids.
var replyTags = map[string]string{
	"get_state":             "GetStateReply",
	"get_schema":            "GetSchemaReply",
	"get_data_values":       "GetDataValuesReply",
	"get_row_labels":        "GetRowLabelsReply",
	"set_sort_columns":      "SetSortColumnsReply",
	"search_schema":         "SearchSchemaReply",
	"set_column_filters":    "SetColumnFiltersReply",
	"set_row_filters":       "SetRowFiltersReply",
	"get_column_profiles":   "GetColumnProfilesReply",
	"export_data_selection": "ExportDataSelectionReply",
	"convert_to_code":       "ConvertToCodeReply",
	"suggest_code_syntax":   "SuggestCodeSyntaxReply",
	"render":                "RenderReply",
}

// knownReplyTags is the inverse view of replyTags, for classifying inbound
// payloads on the fallback path.
var knownReplyTags = func() map[string]struct{} {
	set := make(map[string]struct{}, len(replyTags))
	for _, tag := range replyTags {
		set[tag] = struct{}{}
	}
	return set
}()

// rpcEnvelope is the outbound request shape carried in a comm_msg.
type rpcEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// outcome is the settled result of a pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest is an in-flight RPC call awaiting its reply. It is owned
// by the Correlator from creation until settled; settle delivers to ch
// exactly once.
type pendingRequest struct {
	id       string
	replyTag string
	ch       chan outcome
	settled  bool
}

// Correlator turns one-way comm messages into awaitable request/response
// calls. Replies are matched to requests by echoed request id when present,
// or by strict first-in-first-out pairing per reply discriminant otherwise.
//
// Two index structures cover one canonical set of pending requests: a map
// keyed by request id and an ordered queue per reply discriminant. Every
// resolution path removes the request from both, so a reply can never
// resolve the same request twice and a late reply for a cancelled request
// is safely ignored.
type Correlator struct {
	mu sync.Mutex

	send  func(data any) error
	byID  map[string]*pendingRequest
	byTag map[string][]*pendingRequest

	closed   bool
	closeErr error

	log *slog.Logger
}

// NewCorrelator creates a correlation engine that transmits request
// envelopes through send.
func NewCorrelator(send func(data any) error, log *slog.Logger) *Correlator {
	return &Correlator{
		send:  send,
		byID:  make(map[string]*pendingRequest),
		byTag: make(map[string][]*pendingRequest),
		log:   log,
	}
}

// Call sends method with params and blocks until the matching reply
// arrives, ctx is done, or the correlator is closed. A reply carrying an
// error payload is returned as *RPCError. Cancellation is host-side only:
// the kernel is never notified and its eventual reply is dropped.
func (c *Correlator) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	tag, ok := replyTags[method]
	if !ok {
		return nil, ErrUnknownMethod
	}

	p := &pendingRequest{
		id:       uuid.NewString(),
		replyTag: tag,
		ch:       make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.byID[p.id] = p
	c.byTag[tag] = append(c.byTag[tag], p)
	c.mu.Unlock()

	env := rpcEnvelope{JSONRPC: "2.0", ID: p.id, Method: method, Params: params}
	if err := c.send(env); err != nil {
		c.drop(p)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.drop(p)
		return nil, context.Cause(ctx)
	case out := <-p.ch:
		return out.result, out.err
	}
}

// HandleMessage consumes one inbound comm-message payload for this comm.
// It runs on the framer goroutine in stream order; FIFO pairing depends on
// that ordering.
func (c *Correlator) HandleMessage(data json.RawMessage) {
	payload := gjson.ParseBytes(data)

	if id := payload.Get("id"); id.Exists() && id.String() != "" {
		c.resolveByID(id.String(), payload, data)
		return
	}
	c.resolveByTag(payload, data)
}

// resolveByID settles the request whose id the reply echoes. Id-matched
// replies can arrive out of the FIFO's nominal order, so removal from the
// tag queue is by identity, not head-of-queue.
func (c *Correlator) resolveByID(id string, payload gjson.Result, data json.RawMessage) {
	c.mu.Lock()
	p, ok := c.byID[id]
	if ok {
		c.removeLocked(p)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("dropping reply with no pending request", "id", id, "error", ErrOrphanReply)
		return
	}
	p.deliver(replyOutcome(payload, payload.Get("result"), data))
}

// resolveByTag settles the head of the queue for the reply discriminant the
// payload carries. A payload matching zero known discriminants is an orphan;
// matching more than one is a protocol fault and nothing is resolved.
func (c *Correlator) resolveByTag(payload gjson.Result, data json.RawMessage) {
	var matched []string
	payload.ForEach(func(key, _ gjson.Result) bool {
		if _, ok := knownReplyTags[key.String()]; ok {
			matched = append(matched, key.String())
		}
		return true
	})

	switch {
	case len(matched) == 0:
		c.log.Warn("dropping reply with no reply discriminant", "error", ErrOrphanReply)
		return
	case len(matched) > 1:
		c.log.Warn("dropping ambiguous reply", "tags", matched, "error", ErrAmbiguousReply)
		return
	}
	tag := matched[0]

	c.mu.Lock()
	queue := c.byTag[tag]
	if len(queue) == 0 {
		c.mu.Unlock()
		c.log.Warn("dropping reply with no pending request", "tag", tag, "error", ErrOrphanReply)
		return
	}
	p := queue[0]
	c.removeLocked(p)
	c.mu.Unlock()

	p.deliver(replyOutcome(payload, payload.Get(tag), data))
}

// replyOutcome extracts the settled outcome from a reply payload. An error
// field rejects through the same matching path as a success.
func replyOutcome(payload, result gjson.Result, data json.RawMessage) outcome {
	if errField := payload.Get("error"); errField.Exists() {
		rpcErr := &RPCError{}
		if err := json.Unmarshal([]byte(errField.Raw), rpcErr); err != nil {
			rpcErr = &RPCError{Code: CodeInternalError, Message: errField.String()}
		}
		return outcome{err: rpcErr}
	}
	if result.Exists() {
		return outcome{result: json.RawMessage(result.Raw)}
	}
	return outcome{result: data}
}

// Close rejects every pending request with err, in both indexes, exactly
// once each. Subsequent calls fail immediately with err and late replies
// are ignored.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrCommClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := make([]*pendingRequest, 0, len(c.byID))
	for _, p := range c.byID {
		pending = append(pending, p)
	}
	c.byID = make(map[string]*pendingRequest)
	c.byTag = make(map[string][]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.deliver(outcome{err: err})
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// drop removes a request from both indexes without settling it. Used for
// caller-side cancellation; a late reply then matches nothing.
func (c *Correlator) drop(p *pendingRequest) {
	c.mu.Lock()
	c.removeLocked(p)
	c.mu.Unlock()
}

// removeLocked removes p from both indexes. Must hold mu.
func (c *Correlator) removeLocked(p *pendingRequest) {
	delete(c.byID, p.id)
	queue := c.byTag[p.replyTag]
	for i, q := range queue {
		if q == p {
			c.byTag[p.replyTag] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(c.byTag[p.replyTag]) == 0 {
		delete(c.byTag, p.replyTag)
	}
}

// deliver settles the request exactly once. The channel is buffered, so the
// sender never blocks; the settled guard makes a second delivery a no-op.
func (p *pendingRequest) deliver(out outcome) {
	if p.settled {
		return
	}
	p.settled = true
	p.ch <- out
}
