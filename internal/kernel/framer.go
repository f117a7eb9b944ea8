package kernel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"
)

// maxLineSize bounds a single event record. Plot payloads arrive inline as
// base64, so the limit is generous.
const maxLineSize = 16 * 1024 * 1024

// Framer splits the kernel's output stream on line boundaries and parses
// each line as one JSON event record. Malformed lines and unrecognized
// discriminants are logged and skipped; framing never aborts on a bad line.
type Framer struct {
	router *Router
	log    *slog.Logger
}

// NewFramer creates a framer that delivers parsed events to router.
func NewFramer(router *Router, log *slog.Logger) *Framer {
	return &Framer{router: router, log: log}
}

// Run consumes r until EOF or a read error, delivering events to the router
// in stream order. It is intended to run in its own goroutine; the returned
// error is the terminal read error, or nil on clean EOF.
func (f *Framer) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		f.frame(line)
	}
	return scanner.Err()
}

// frame parses a single line and hands the event to the router.
func (f *Framer) frame(line []byte) {
	if !gjson.ValidBytes(line) {
		f.log.Warn("dropping malformed line", "line", truncate(line))
		return
	}

	tag := EventTag(gjson.GetBytes(line, "event").String())
	if tag == "" {
		f.log.Warn("dropping record without event tag", "line", truncate(line))
		return
	}
	if !KnownTag(tag) {
		f.log.Warn("dropping record with unknown event tag", "tag", string(tag))
		return
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		f.log.Warn("dropping undecodable record", "tag", string(tag), "error", err)
		return
	}

	f.log.Debug("kernel event", "tag", string(ev.Tag), "comm_id", ev.CommID)
	f.router.Dispatch(ev)
}

// truncate shortens a line for log output.
func truncate(line []byte) string {
	const max = 256
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
