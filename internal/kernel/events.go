package kernel

import "encoding/json"

// EventTag classifies an inbound event record from the kernel.
type EventTag string

// Recognized event tags. The set is extensible; records carrying a tag
// outside this set are logged and dropped by the framer.
const (
	// Comm lifecycle
	EventCommOpen  EventTag = "comm_open"
	EventCommMsg   EventTag = "comm_msg"
	EventCommClose EventTag = "comm_close"

	// Diagnostics
	EventError EventTag = "error"

	// Capability announcements (kernel-initiated comms)
	EventUICommOpen           EventTag = "ui_comm_open"
	EventHelpCommOpen         EventTag = "help_comm_open"
	EventVariablesCommOpen    EventTag = "variables_comm_open"
	EventDataExplorerCommOpen EventTag = "data_explorer_comm_open"

	// Out-of-band UI directives
	EventShowHTMLFile EventTag = "show_html_file"
	EventShowHelp     EventTag = "show_help"

	// Status changes
	EventKernelStatus EventTag = "kernel_status"

	// Legacy plot payload delivery. Data is an inline base64 image, a
	// data: URI, or a filesystem path.
	EventPlot EventTag = "plot"
)

// knownTags is the set of event tags the router will accept.
var knownTags = map[EventTag]struct{}{
	EventCommOpen:             {},
	EventCommMsg:              {},
	EventCommClose:            {},
	EventError:                {},
	EventUICommOpen:           {},
	EventHelpCommOpen:         {},
	EventVariablesCommOpen:    {},
	EventDataExplorerCommOpen: {},
	EventShowHTMLFile:         {},
	EventShowHelp:             {},
	EventKernelStatus:         {},
	EventPlot:                 {},
}

// KnownTag reports whether tag is a recognized event discriminant.
func KnownTag(tag EventTag) bool {
	_, ok := knownTags[tag]
	return ok
}

// Event is one parsed record from the kernel's output stream.
type Event struct {
	Tag        EventTag        `json:"event"`
	CommID     string          `json:"comm_id,omitempty"`
	TargetName string          `json:"target_name,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	URL        string          `json:"url,omitempty"`
	Status     string          `json:"status,omitempty"`
}

// Kernel status values carried by EventKernelStatus records.
const (
	StatusStarting = "starting"
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusExited   = "exited"
)
