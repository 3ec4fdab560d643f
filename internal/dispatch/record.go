package dispatch

import (
	"fmt"
	"time"

	"craftarchitect.ai/internal/compiler"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// transitions is the complete per-operation state machine. failed -> pending is
// a retry; pending -> failed aborts an operation that was never sent.
var transitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed},
	StatusSent:    {StatusAcknowledged, StatusFailed},
	StatusFailed:  {StatusPending},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is the execution state of one compiled operation.
type Record struct {
	Op        compiler.Operation `json:"op"`
	Status    Status             `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	Reply     string             `json:"reply,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (r Record) String() string {
	return fmt.Sprintf("#%d %s %s attempts=%d", r.Op.Seq, r.Status, r.Op.Command, r.Attempts)
}

type Progress struct {
	// Attempted counts operations sent at least once; it only grows.
	Attempted    int `json:"attempted"`
	Total        int `json:"total"`
	Acknowledged int `json:"acknowledged"`
	Failed       int `json:"failed"`
}

func (p Progress) Done() int { return p.Acknowledged + p.Failed }

type Summary struct {
	Total         int           `json:"total"`
	Acknowledged  int           `json:"acknowledged"`
	Failed        int           `json:"failed"`
	Pending       int           `json:"pending"`
	BlocksPlaced  int           `json:"blocks_placed"`
	Cancelled     bool          `json:"cancelled,omitempty"`
	AbortedPhases []string      `json:"aborted_phases,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}
