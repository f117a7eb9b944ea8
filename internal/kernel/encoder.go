package kernel

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Command is the discriminant for outbound messages to the kernel.
type Command string

const (
	CommandCommOpen  Command = "comm_open"
	CommandCommMsg   Command = "comm_msg"
	CommandCommClose Command = "comm_close"
)

// outbound is one command written to the kernel's input stream.
type outbound struct {
	Command    Command `json:"command"`
	CommID     string  `json:"comm_id"`
	TargetName string  `json:"target_name,omitempty"`
	Data       any     `json:"data,omitempty"`
}

// Encoder serializes outbound commands as one JSON object plus newline per
// write. Writes are atomic per message: the framing on the kernel side
// depends on message boundaries aligning with line boundaries, so the full
// line is written under a single lock acquisition.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	log *slog.Logger
}

// NewEncoder creates an encoder writing to w (typically the kernel's stdin).
func NewEncoder(w io.Writer, log *slog.Logger) *Encoder {
	return &Encoder{w: w, log: log}
}

// OpenComm sends a comm_open command for a host-initiated comm.
func (e *Encoder) OpenComm(commID, targetName string, data any) error {
	return e.write(outbound{Command: CommandCommOpen, CommID: commID, TargetName: targetName, Data: data})
}

// SendComm sends a comm_msg command carrying data on an open comm.
func (e *Encoder) SendComm(commID string, data any) error {
	return e.write(outbound{Command: CommandCommMsg, CommID: commID, Data: data})
}

// CloseComm sends a comm_close command.
func (e *Encoder) CloseComm(commID string, data any) error {
	return e.write(outbound{Command: CommandCommClose, CommID: commID, Data: data})
}

// write marshals and writes one full line without interleaving.
func (e *Encoder) write(msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	line := append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	e.log.Debug("kernel command", "command", string(msg.Command), "comm_id", msg.CommID)
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}
