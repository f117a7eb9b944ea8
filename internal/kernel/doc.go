// Package kernel embeds an interactive computational kernel process and
// bridges its line-delimited JSON event protocol to Go callers.
//
// The kernel is an external process that multiplexes unrelated
// conversations ("comms") over its stdin/stdout. This package owns the
// process lifetime and turns the one-way message stream into awaitable
// request/response calls with correct pairing under concurrent traffic.
//
// # Architecture
//
// The package is organized around these components:
//
//   - Kernel: process supervisor and comm registry
//   - Framer: splits stdout into parsed event records
//   - Router: fans events out to typed feeds
//   - Encoder: writes outbound commands, one line per message
//   - Correlator: matches replies to requests by id or FIFO fallback
//   - Comm: one multiplexed conversation
//   - Session: capability-comm caching over a Kernel
//
// Control flow: kernel stdout -> Framer -> Router -> per-capability feed ->
// Correlator or subscriber. Commands flow the other way through the
// Encoder.
//
// # Correlation
//
// Replies carrying the request id resolve directly; replies from legacy
// backends that echo only a reply discriminant resolve the head of that
// discriminant's FIFO queue. Both indexes cover one canonical set of
// pending requests and every resolution path removes from both, so no
// request settles twice and late replies for cancelled requests are
// dropped.
//
// # Error model
//
// Transport faults (process exit, write failure) reject every pending
// request and surface a terminal state; the supervisor never auto-restarts.
// Protocol faults (malformed lines, unknown tags, orphan or ambiguous
// replies) are logged and dropped without affecting in-flight requests.
// Application faults reject exactly the one caller whose request they
// answer, as *RPCError.
package kernel
