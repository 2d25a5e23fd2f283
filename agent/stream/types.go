package stream

const (
	ActionStartTool      = "start_tool"
	ActionStopTool       = "stop_tool"
	ActionResizeTerminal = "resize_terminal"
)

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

const (
	DefaultTool     = "ping"
	DefaultTermCols = 80
	DefaultTermRows = 24
)

// Request is a control message sent client->server.
// Which fields are meaningful depends on Action.
type Request struct {
	Action string `json:"action"`

	Tool string `json:"tool,omitempty"`
	// Target is a pointer so that a missing target (defaults to the client's IP) can be told apart from an empty one (rejected).
	Target *string        `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	TermCols  int    `json:"term_cols,omitempty"`
	TermRows  int    `json:"term_rows,omitempty"`
}

// Status is a structured message sent server->client.
// Process output is not sent as a Status, it's sent as raw binary frames.
type Status struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// ExitCode is set on "stopped" when the process was reaped.
	ExitCode *int `json:"exit_code,omitempty"`
}

// Event is one message received by a Client: either a chunk of output or a status.
type Event struct {
	Output []byte
	Status *Status
}

func StartTool(tool, target string, params map[string]any) Request {
	return Request{
		Action: ActionStartTool,
		Tool:   tool,
		Target: &target,
		Params: params,
	}
}
