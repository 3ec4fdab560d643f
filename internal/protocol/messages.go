package protocol

// Oracle request (architect -> reasoning service).
type OracleRequest struct {
	Description        string   `json:"description"`
	Anchor             [3]int   `json:"anchor"`
	AvailableMaterials []string `json:"available_materials"`
}

// OracleError is the explicit "could not resolve" reply of the reasoning service.
type OracleError struct {
	Error string `json:"error"`
}

// BuildRequest is the on-disk request format accepted by the CLI and the inbox watcher.
type BuildRequest struct {
	Description string `json:"description"`
	Anchor      [3]int `json:"anchor"`
	Target      string `json:"target,omitempty"`
	Rotation    int    `json:"rotation,omitempty"`
}

// commandRequest (architect -> game client)
type CommandRequestMsg struct {
	Header MessageHeader      `json:"header"`
	Body   CommandRequestBody `json:"body"`
}

type CommandRequestBody struct {
	Version     int           `json:"version"`
	CommandLine string        `json:"commandLine"`
	Origin      CommandOrigin `json:"origin"`
}

type CommandOrigin struct {
	Type string `json:"type"`
}

// commandResponse (game client -> architect)
type CommandResponseMsg struct {
	Header MessageHeader       `json:"header"`
	Body   CommandResponseBody `json:"body"`
}

type CommandResponseBody struct {
	StatusCode    int    `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

func NewCommandRequest(requestID, commandLine string) CommandRequestMsg {
	return CommandRequestMsg{
		Header: MessageHeader{
			Version:        Version,
			RequestID:      requestID,
			MessagePurpose: PurposeCommandRequest,
			MessageType:    PurposeCommandRequest,
		},
		Body: CommandRequestBody{
			Version:     Version,
			CommandLine: commandLine,
			Origin:      CommandOrigin{Type: "player"},
		},
	}
}
