package kernel

import (
	"log/slog"
	"sync"
)

// defaultFeedBuffer is the channel depth for feed subscribers.
const defaultFeedBuffer = 64

// Router classifies parsed events by tag and republishes them on one of
// four feeds: comm-open, comm-message, comm-close, and out-of-band.
//
// Each feed supports two kinds of consumers. Handlers run synchronously in
// stream order on the framer goroutine and must not block; the correlation
// engine uses one so per-discriminant FIFO pairing observes arrival order
// exactly. Channel subscribers receive on a buffered channel; delivery is
// fire-and-forget and events are dropped when a subscriber falls behind, so
// a slow consumer never blocks the upstream reader.
type Router struct {
	mu sync.Mutex

	openHandlers  []func(Event)
	msgHandlers   []func(Event)
	closeHandlers []func(Event)
	oobHandlers   []func(Event)

	opened   feed
	messages feed
	closed   feed
	oob      feed

	log *slog.Logger
}

// NewRouter creates an event router.
func NewRouter(log *slog.Logger) *Router {
	r := &Router{log: log}
	r.opened.name = "comm_open"
	r.messages.name = "comm_msg"
	r.closed.name = "comm_close"
	r.oob.name = "oob"
	for _, f := range []*feed{&r.opened, &r.messages, &r.closed, &r.oob} {
		f.log = log
	}
	return r
}

// Dispatch routes one event to exactly one feed. It is called from the
// framer goroutine; delivery order matches parse order.
func (r *Router) Dispatch(ev Event) {
	r.mu.Lock()
	var handlers []func(Event)
	var f *feed
	switch ev.Tag {
	case EventCommOpen:
		handlers, f = r.openHandlers, &r.opened
	case EventCommMsg:
		handlers, f = r.msgHandlers, &r.messages
	case EventCommClose:
		handlers, f = r.closeHandlers, &r.closed
	default:
		handlers, f = r.oobHandlers, &r.oob
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	f.publish(ev)
}

// OnCommOpen registers a synchronous handler for comm-open events.
func (r *Router) OnCommOpen(h func(Event)) {
	r.mu.Lock()
	r.openHandlers = append(r.openHandlers, h)
	r.mu.Unlock()
}

// OnCommMessage registers a synchronous handler for comm-message events.
// Handlers run on the framer goroutine and must not block.
func (r *Router) OnCommMessage(h func(Event)) {
	r.mu.Lock()
	r.msgHandlers = append(r.msgHandlers, h)
	r.mu.Unlock()
}

// OnCommClose registers a synchronous handler for comm-close events.
func (r *Router) OnCommClose(h func(Event)) {
	r.mu.Lock()
	r.closeHandlers = append(r.closeHandlers, h)
	r.mu.Unlock()
}

// OnOutOfBand registers a synchronous handler for out-of-band events.
func (r *Router) OnOutOfBand(h func(Event)) {
	r.mu.Lock()
	r.oobHandlers = append(r.oobHandlers, h)
	r.mu.Unlock()
}

// SubscribeOpened returns a channel of comm-open events and a cancel func.
func (r *Router) SubscribeOpened() (<-chan Event, func()) { return r.opened.subscribe() }

// SubscribeMessages returns a channel of comm-message events and a cancel func.
func (r *Router) SubscribeMessages() (<-chan Event, func()) { return r.messages.subscribe() }

// SubscribeClosed returns a channel of comm-close events and a cancel func.
func (r *Router) SubscribeClosed() (<-chan Event, func()) { return r.closed.subscribe() }

// SubscribeOutOfBand returns a channel of out-of-band events and a cancel func.
func (r *Router) SubscribeOutOfBand() (<-chan Event, func()) { return r.oob.subscribe() }

// feed is a single fan-out publish point.
type feed struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	name string
	log  *slog.Logger
}

// subscribe adds a buffered subscriber channel. The cancel func removes the
// subscription and closes the channel.
func (f *feed) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs == nil {
		f.subs = make(map[int]chan Event)
	}
	id := f.next
	f.next++
	ch := make(chan Event, defaultFeedBuffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers an event to every subscriber without blocking.
func (f *feed) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber fell behind, drop the event for it.
			if f.log != nil {
				f.log.Debug("dropping event for slow subscriber", "feed", f.name, "tag", string(ev.Tag))
			}
		}
	}
}
