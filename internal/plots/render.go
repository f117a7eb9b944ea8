// Package plots schedules kernel-side plot rendering with at-most-one
// in-flight render per plot, supersession of stale requests, and debounced
// re-rendering on geometry change.
package plots

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/statlab/tether/internal/coalesce"
	"github.com/statlab/tether/internal/kernel"
)

// ErrNotRenderable indicates the plot is static or pre-rendered and cannot
// be re-rendered by the kernel.
var ErrNotRenderable = errors.New("plot is not dynamically renderable")

// Caller issues RPC calls on a comm. Satisfied by *kernel.Comm.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Geometry describes the target surface for a render.
type Geometry struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	PixelRatio float64 `json:"pixel_ratio"`
}

// renderParams is the wire shape of a render request.
type renderParams struct {
	Geometry
	Format string `json:"format"`
}

// renderReply is the wire shape of a render reply payload.
type renderReply struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// Rendered is a decoded render result.
type Rendered struct {
	Data     []byte
	MIMEType string
	Geometry Geometry
}

// RenderHandler receives results of geometry-triggered renders. Superseded
// renders are not delivered.
type RenderHandler func(*Rendered, error)

// Plot is one render subject. At most one render is in flight per plot:
// requesting a new render rejects and replaces any outstanding one, so a
// stale result is never delivered after a newer request has been issued.
type Plot struct {
	mu sync.Mutex

	id      string
	comm    Caller
	dynamic bool
	format  string

	gen    uint64
	cancel context.CancelCauseFunc

	debounce *coalesce.Debouncer[Geometry]
	onRender RenderHandler
	log      *slog.Logger
}

// Option configures a plot.
type Option func(*Plot)

// WithDynamic flags the plot as dynamically renderable. Static plots never
// schedule renders.
func WithDynamic(dynamic bool) Option {
	return func(p *Plot) { p.dynamic = dynamic }
}

// WithFormat sets the render format (default "png").
func WithFormat(format string) Option {
	return func(p *Plot) { p.format = format }
}

// WithRenderHandler sets the sink for geometry-triggered render results.
func WithRenderHandler(h RenderHandler) Option {
	return func(p *Plot) { p.onRender = h }
}

// WithLogger sets the plot's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Plot) { p.log = log }
}

// DefaultDebounce is the quiet period applied to geometry changes before a
// re-render fires.
const DefaultDebounce = 500 * time.Millisecond

// New creates a plot bound to its comm. debounce <= 0 uses DefaultDebounce.
func New(id string, comm Caller, debounce time.Duration, opts ...Option) *Plot {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	p := &Plot{
		id:     id,
		comm:   comm,
		format: "png",
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.debounce = coalesce.NewDebouncer(debounce, p.renderDebounced)
	return p
}

// ID returns the plot id.
func (p *Plot) ID() string { return p.id }

// Dynamic reports whether the kernel can re-render this plot.
func (p *Plot) Dynamic() bool { return p.dynamic }

// RequestRender renders the plot at the given geometry, immediately
// rejecting any render already in flight with kernel.ErrSuperseded. Only
// the newest request can deliver a result.
func (p *Plot) RequestRender(ctx context.Context, geom Geometry, format string) (*Rendered, error) {
	if !p.dynamic {
		return nil, ErrNotRenderable
	}
	if format == "" {
		format = p.format
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel(kernel.ErrSuperseded)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	raw, err := p.comm.Call(ctx, "render", renderParams{Geometry: geom, Format: format})

	p.mu.Lock()
	stale := gen != p.gen
	if !stale {
		p.cancel = nil
	}
	p.mu.Unlock()

	if stale {
		// A newer request replaced this one while the reply was settling;
		// its result must not be delivered.
		return nil, kernel.ErrSuperseded
	}
	if err != nil {
		return nil, err
	}

	var reply renderReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	data, mimeType, err := DecodePayload(reply.Data)
	if err != nil {
		return nil, err
	}
	if reply.MIMEType != "" {
		mimeType = reply.MIMEType
	}
	return &Rendered{Data: data, MIMEType: mimeType, Geometry: geom}, nil
}

// GeometryChanged schedules a re-render after the quiet period. A
// user-initiated change (explicit zoom, format switch) skips the quiet
// period and fires immediately. Static plots never schedule.
func (p *Plot) GeometryChanged(geom Geometry, userInitiated bool) {
	if !p.dynamic {
		return
	}
	if userInitiated {
		p.debounce.Now(geom)
		return
	}
	p.debounce.Trigger(geom)
}

// renderDebounced runs a scheduled render and hands the result to the
// render handler. Supersession is expected during bursts and not surfaced.
func (p *Plot) renderDebounced(geom Geometry) {
	rendered, err := p.RequestRender(context.Background(), geom, "")
	if errors.Is(err, kernel.ErrSuperseded) {
		return
	}
	if p.onRender != nil {
		p.onRender(rendered, err)
	} else if err != nil {
		p.log.Warn("scheduled render failed", "plot_id", p.id, "error", err)
	}
}

// Close stops scheduled work. In-flight renders are rejected.
func (p *Plot) Close() {
	p.debounce.Stop()
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel(kernel.ErrSuperseded)
		p.cancel = nil
	}
	p.gen++
	p.mu.Unlock()
}
