package kernel

import (
	"errors"
	"fmt"
)

// Standard errors returned by the kernel bridge.
var (
	// ErrNotAttached indicates no kernel process is attached.
	ErrNotAttached = errors.New("kernel not attached")

	// ErrShutdown indicates the bridge has been shut down.
	ErrShutdown = errors.New("kernel bridge shut down")

	// ErrKernelExited indicates the kernel process terminated.
	ErrKernelExited = errors.New("kernel process exited")

	// ErrCommClosed indicates the comm was closed while requests were pending.
	ErrCommClosed = errors.New("comm closed")

	// ErrSuperseded indicates a request was cancelled because a newer
	// request for the same subject replaced it.
	ErrSuperseded = errors.New("request superseded")

	// ErrOrphanReply indicates a reply arrived with no matching pending request.
	ErrOrphanReply = errors.New("reply matches no pending request")

	// ErrAmbiguousReply indicates a reply payload matched more than one
	// reply discriminant and could not be paired safely.
	ErrAmbiguousReply = errors.New("reply matches multiple reply discriminants")

	// ErrUnknownMethod indicates a call to a method with no documented
	// reply discriminant.
	ErrUnknownMethod = errors.New("method has no documented reply discriminant")
)

// RPCError represents an application-level error carried in a reply payload.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used by kernel backends.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)
