package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Channel is a serial text-command connection to a world server.
// Send returns the server's textual reply. Implementations return
// ErrConnectionLost (possibly wrapped) when the connection cannot be
// re-established, and *RejectedError when the server refused the command.
// Any other error is treated as transient.
type Channel interface {
	Send(ctx context.Context, command string) (string, error)
}

var ErrConnectionLost = errors.New("dispatch: connection lost")

// Connector is implemented by channels that hold a connection. The scheduler
// calls Connect before every send, outside the per-send deadline, so a
// reconnect is bounded by the channel's own budget. Connect returns
// ErrConnectionLost (possibly wrapped) when no connection could be made.
type Connector interface {
	Connect(ctx context.Context) error
}

// RejectedError is an explicit refusal of one command by the server.
type RejectedError struct {
	Reply string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reply)
}

// Replies that mean the world already holds the requested blocks.
var noopReplies = []string{
	"no blocks were filled",
	"could not set the block",
}

// Reply fragments the server uses for command errors.
var errorReplies = []string{
	"unknown or incomplete command",
	"unknown command",
	"incorrect argument for command",
	"unknown block type",
	"invalid block",
	"expected whitespace",
	"expected integer",
	"expected value",
	"too many blocks in the specified area",
	"that position is not loaded",
	"position is not loaded",
	"cannot place blocks outside of the world",
	"an unexpected error occurred",
	"<--[here]",
	"syntax error",
}

// IsNoOp reports whether reply says the target blocks were already in place.
func IsNoOp(reply string) bool {
	r := strings.ToLower(strings.TrimSpace(reply))
	for _, p := range noopReplies {
		if strings.Contains(r, p) {
			return true
		}
	}
	return false
}

// IsRejection reports whether reply is a server-side command error.
// Empty replies and no-op replies count as acknowledgements.
func IsRejection(reply string) bool {
	r := strings.ToLower(strings.TrimSpace(reply))
	if r == "" || IsNoOp(r) {
		return false
	}
	for _, p := range errorReplies {
		if strings.Contains(r, p) {
			return true
		}
	}
	return false
}
