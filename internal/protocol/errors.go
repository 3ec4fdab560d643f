package protocol

const (
	// Blueprint ingestion.
	ErrMalformed         = "E_MALFORMED"
	ErrInvalidDimensions = "E_INVALID_DIMENSIONS"
	ErrUnknownPhase      = "E_UNKNOWN_PHASE"
	ErrEmptyPositions    = "E_EMPTY_POSITIONS"
	ErrNoElements        = "E_NO_ELEMENTS"

	// Compilation.
	ErrInvalidOperation = "E_INVALID_OPERATION"
	ErrCommandTooLarge  = "E_COMMAND_TOO_LARGE"

	// Orchestration.
	ErrAnalysisFailed  = "E_ANALYSIS_FAILED"
	ErrIngestFailed    = "E_INGEST_FAILED"
	ErrCompileFailed   = "E_COMPILE_FAILED"
	ErrUnknownTarget   = "E_UNKNOWN_TARGET"
	ErrNothingToResume = "E_NOTHING_TO_RESUME"
	ErrCancelled       = "E_CANCELLED"

	// Dispatch (per operation).
	ErrTransport      = "E_TRANSPORT"
	ErrRejected       = "E_REJECTED"
	ErrConnectionLost = "E_CONNECTION_LOST"
)

var knownCodes = map[string]struct{}{
	ErrMalformed:         {},
	ErrInvalidDimensions: {},
	ErrUnknownPhase:      {},
	ErrEmptyPositions:    {},
	ErrNoElements:        {},
	ErrInvalidOperation:  {},
	ErrCommandTooLarge:   {},
	ErrAnalysisFailed:    {},
	ErrIngestFailed:      {},
	ErrCompileFailed:     {},
	ErrUnknownTarget:     {},
	ErrNothingToResume:   {},
	ErrCancelled:         {},
	ErrTransport:         {},
	ErrRejected:          {},
	ErrConnectionLost:    {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
