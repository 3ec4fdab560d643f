package orchestrator

import (
	"fmt"
	"time"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/dispatch"
)

type Status string

const (
	StatusBuilt        Status = "built"
	StatusPartial      Status = "partial"
	StatusNothingBuilt Status = "nothing_built"
)

// Error aborts a build before anything was sent.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

type Request struct {
	Description string          `json:"description"`
	Anchor      blueprint.Vec3i `json:"anchor"`
	// Target names a configured channel; empty means the default.
	Target string `json:"target,omitempty"`
	// Rotation turns the build around the anchor, in quarter turns or degrees.
	Rotation int `json:"rotation,omitempty"`
}

// Result is the outcome of one build. Failures and Unsent keep each
// operation's source elements so Resume can rebuild exactly what is missing.
type Result struct {
	RunID       string          `json:"run_id"`
	ResumedFrom string          `json:"resumed_from,omitempty"`
	Description string          `json:"description"`
	Target      string          `json:"target"`
	Anchor      blueprint.Vec3i `json:"anchor"`
	Rotation    int             `json:"rotation"`
	StartedAt   time.Time       `json:"started_at"`
	Elapsed     time.Duration   `json:"elapsed"`

	Status        Status   `json:"status"`
	Elements      int      `json:"elements"`
	Operations    int      `json:"operations"`
	Acknowledged  int      `json:"acknowledged"`
	Failed        int      `json:"failed"`
	Pending       int      `json:"pending"`
	BlocksPlaced  int      `json:"blocks_placed"`
	Cancelled     bool     `json:"cancelled,omitempty"`
	AbortedPhases []string `json:"aborted_phases,omitempty"`

	Failures       []dispatch.Record `json:"failures"`
	Unsent         []dispatch.Record `json:"unsent,omitempty"`
	FailedElements []string          `json:"failed_elements,omitempty"`
	// Records is the final state of every operation; stores persist it.
	Records []dispatch.Record `json:"-"`

	// Error is set when the build stopped before dispatch.
	Error     string               `json:"error,omitempty"`
	Blueprint *blueprint.Blueprint `json:"blueprint,omitempty"`
}

// ResumeSources returns the element indices behind failed and unsent records.
func (r *Result) ResumeSources() map[int]bool {
	keep := map[int]bool{}
	for _, recs := range [][]dispatch.Record{r.Failures, r.Unsent} {
		for _, rec := range recs {
			for _, idx := range rec.Op.Sources {
				keep[idx] = true
			}
		}
	}
	return keep
}

func (r *Result) String() string {
	return fmt.Sprintf("run=%s status=%s ops=%d acknowledged=%d failed=%d pending=%d blocks=%d elapsed=%s",
		r.RunID, r.Status, r.Operations, r.Acknowledged, r.Failed, r.Pending, r.BlocksPlaced, r.Elapsed.Round(time.Millisecond))
}
