package explorer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/statlab/tether/internal/coalesce"
)

// RowRange is a half-open interval [Start, End) of rows to fetch.
type RowRange struct {
	Start int
	End   int
}

// NumRows returns the row count of the range.
func (r RowRange) NumRows() int { return r.End - r.Start }

// Fetched is one delivered slice of table data.
type Fetched struct {
	Range  RowRange
	Data   *TableData
	Labels *RowLabels
}

// FetchHandler receives fetch results in request order. Ranges superseded
// before their fetch started are never delivered.
type FetchHandler func(*Fetched, error)

// Fetcher drains row-range requests with a latest-wins policy: at most one
// pending interval exists; a new request while a fetch is in flight
// replaces the pending interval rather than queueing behind it, so a burst
// collapses to exactly one additional fetch for the most recent range. A
// sequential worker performs fetches one at a time.
type Fetcher struct {
	client  *Client
	columns func() []int

	slot      *coalesce.Slot[RowRange]
	useLabels atomic.Bool
	timeout   time.Duration

	mu      sync.Mutex
	onFetch FetchHandler

	log *slog.Logger
}

// DefaultFetchTimeout bounds one round of value and label fetches.
const DefaultFetchTimeout = 30 * time.Second

// NewFetcher creates a fetcher over client. columns supplies the column
// indices to fetch for each range; onFetch receives results.
func NewFetcher(client *Client, columns func() []int, onFetch FetchHandler, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	f := &Fetcher{
		client:  client,
		columns: columns,
		timeout: DefaultFetchTimeout,
		onFetch: onFetch,
		log:     log,
	}
	f.slot = coalesce.NewSlot(f.fetch)
	return f
}

// UseRowLabels controls whether fetches also request row labels. Set from
// TableState.HasRowLabels.
func (f *Fetcher) UseRowLabels(enabled bool) {
	f.useLabels.Store(enabled)
}

// RequestRange records [start, end) as the next needed slice, overwriting
// any pending interval regardless of whether a fetch is currently running.
func (f *Fetcher) RequestRange(start, end int) {
	f.slot.Set(RowRange{Start: start, End: end})
}

// fetch performs one round for the newest requested range. Runs on the
// slot's sequential worker.
func (f *Fetcher) fetch(rng RowRange) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	data, err := f.client.GetDataValues(ctx, rng.Start, rng.NumRows(), f.columns())
	if err != nil {
		f.deliver(nil, err)
		return
	}

	result := &Fetched{Range: rng, Data: data}
	if f.useLabels.Load() {
		labels, err := f.client.GetRowLabels(ctx, rng.Start, rng.NumRows())
		if err != nil {
			f.deliver(nil, err)
			return
		}
		result.Labels = labels
	}
	f.deliver(result, nil)
}

// deliver hands a result to the handler.
func (f *Fetcher) deliver(result *Fetched, err error) {
	f.mu.Lock()
	handler := f.onFetch
	f.mu.Unlock()

	if handler != nil {
		handler(result, err)
	} else if err != nil {
		f.log.Warn("row range fetch failed", "error", err)
	}
}
