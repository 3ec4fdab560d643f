package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/compiler"
	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/oracle"
	"craftarchitect.ai/internal/protocol"
)

// Observer follows runs. RunStarted fires once operations are compiled and
// RunFinished fires for every run that reached dispatch admission.
type Observer interface {
	RunStarted(res *Result)
	RecordUpdated(runID string, rec dispatch.Record)
	RunFinished(res *Result)
}

type Config struct {
	Oracle   oracle.Oracle
	Compiler *compiler.Compiler
	// Targets maps a target name to its command channel.
	Targets       map[string]dispatch.Channel
	DefaultTarget string

	Dispatch           dispatch.Config
	OracleTimeout      time.Duration
	AvailableMaterials []string

	Logger    *log.Logger
	Observers []Observer
}

// Builder runs builds. Builds on the same target are admitted one at a time in
// arrival order; builds on different targets run independently.
type Builder struct {
	cfg Config
	log *log.Logger

	gates map[string]*semaphore.Weighted

	mu     sync.Mutex
	active map[string]*dispatch.Scheduler
}

func New(cfg Config) (*Builder, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("orchestrator: oracle is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, errors.New("orchestrator: at least one target is required")
	}
	if cfg.DefaultTarget == "" && len(cfg.Targets) == 1 {
		for name := range cfg.Targets {
			cfg.DefaultTarget = name
		}
	}
	if cfg.DefaultTarget != "" {
		if _, ok := cfg.Targets[cfg.DefaultTarget]; !ok {
			return nil, fmt.Errorf("orchestrator: default target %q is not configured", cfg.DefaultTarget)
		}
	}
	if cfg.Compiler == nil {
		cfg.Compiler = compiler.New(compiler.DefaultOptions())
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	b := &Builder{
		cfg:    cfg,
		log:    logger,
		gates:  map[string]*semaphore.Weighted{},
		active: map[string]*dispatch.Scheduler{},
	}
	for name := range cfg.Targets {
		b.gates[name] = semaphore.NewWeighted(1)
	}
	return b, nil
}

func (b *Builder) Targets() []string {
	out := make([]string, 0, len(b.cfg.Targets))
	for name := range b.cfg.Targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Progress reports dispatch progress of a run that is queued or in flight.
func (b *Builder) Progress(runID string) (dispatch.Progress, bool) {
	b.mu.Lock()
	s := b.active[runID]
	b.mu.Unlock()
	if s == nil {
		return dispatch.Progress{}, false
	}
	return s.Progress(), true
}

// Build asks the oracle for a blueprint and executes it. A non-nil error means
// nothing was dispatched; the returned Result then has status nothing_built
// and the error text. Once dispatch starts, failures are reported in the
// Result only.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	res := b.newResult(req.Description, req.Target, req.Anchor, req.Rotation)
	target, err := b.target(res)
	if err != nil {
		return b.abort(res, err)
	}
	if !blueprint.ValidRotation(req.Rotation) {
		return b.abort(res, &Error{Code: protocol.ErrInvalidOperation, Err: fmt.Errorf("rotation %d is not a multiple of 90 degrees", req.Rotation)})
	}

	octx, cancel := context.WithTimeout(ctx, b.cfg.OracleTimeout)
	raw, err := b.cfg.Oracle.Analyze(octx, oracle.Request{
		Description:        req.Description,
		Anchor:             req.Anchor,
		AvailableMaterials: b.cfg.AvailableMaterials,
	})
	cancel()
	if err != nil {
		return b.abort(res, &Error{Code: protocol.ErrAnalysisFailed, Err: err})
	}

	bp, err := blueprint.Ingest(raw)
	if err != nil {
		return b.abort(res, &Error{Code: protocol.ErrIngestFailed, Err: err})
	}
	return b.execute(ctx, res, bp, target)
}

// Resume rebuilds the elements behind prior's failed and unsent records
// against the same anchor, rotation and target. The oracle is not consulted.
func (b *Builder) Resume(ctx context.Context, prior *Result) (*Result, error) {
	if prior == nil || prior.Blueprint == nil {
		return nil, &Error{Code: protocol.ErrNothingToResume, Err: errors.New("no blueprint retained for this run")}
	}
	res := b.newResult(prior.Description, prior.Target, prior.Anchor, prior.Rotation)
	res.ResumedFrom = prior.RunID
	keep := prior.ResumeSources()
	if len(keep) == 0 {
		return b.abort(res, &Error{Code: protocol.ErrNothingToResume, Err: fmt.Errorf("run %s has no failed or unsent operations", prior.RunID)})
	}
	target, err := b.target(res)
	if err != nil {
		return b.abort(res, err)
	}
	return b.execute(ctx, res, prior.Blueprint.Restrict(keep), target)
}

func (b *Builder) newResult(desc, target string, anchor blueprint.Vec3i, rotation int) *Result {
	if target == "" {
		target = b.cfg.DefaultTarget
	}
	return &Result{
		RunID:       uuid.NewString(),
		Description: desc,
		Target:      target,
		Anchor:      anchor,
		Rotation:    rotation,
		StartedAt:   time.Now().UTC(),
		Status:      StatusNothingBuilt,
		Failures:    []dispatch.Record{},
	}
}

func (b *Builder) target(res *Result) (dispatch.Channel, error) {
	ch, ok := b.cfg.Targets[res.Target]
	if !ok {
		return nil, &Error{Code: protocol.ErrUnknownTarget, Err: fmt.Errorf("target %q is not configured (have %v)", res.Target, b.Targets())}
	}
	return ch, nil
}

func (b *Builder) abort(res *Result, err error) (*Result, error) {
	res.Status = StatusNothingBuilt
	res.Error = err.Error()
	res.Elapsed = time.Since(res.StartedAt)
	b.log.Printf("run=%s aborted before dispatch: %v", res.RunID, err)
	return res, err
}

func (b *Builder) execute(ctx context.Context, res *Result, bp *blueprint.Blueprint, ch dispatch.Channel) (*Result, error) {
	res.Blueprint = bp
	res.Elements = len(bp.Elements)
	ops, err := b.cfg.Compiler.CompileRotated(bp, res.Anchor, res.Rotation)
	if err != nil {
		return b.abort(res, &Error{Code: protocol.ErrCompileFailed, Err: err})
	}
	res.Operations = len(ops)

	dcfg := b.cfg.Dispatch
	if dcfg.Logger == nil {
		dcfg.Logger = b.log
	}
	dcfg.Observer = recordFanout{runID: res.RunID, observers: b.cfg.Observers}
	s := dispatch.NewScheduler(ch, ops, dcfg)

	b.mu.Lock()
	b.active[res.RunID] = s
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.active, res.RunID)
		b.mu.Unlock()
	}()

	gate := b.gates[res.Target]
	if err := gate.Acquire(ctx, 1); err != nil {
		res.Cancelled = true
		res.Pending = len(ops)
		res.Unsent = s.Records()
		res.Records = res.Unsent
		_, aerr := b.abort(res, &Error{Code: protocol.ErrCancelled, Err: err})
		// stored so the queued run can still be resumed
		for _, o := range b.cfg.Observers {
			o.RunFinished(res)
		}
		return res, aerr
	}
	defer gate.Release(1)
	for _, o := range b.cfg.Observers {
		o.RunStarted(res)
	}
	b.log.Printf("run=%s target=%s elements=%d ops=%d dispatching", res.RunID, res.Target, res.Elements, res.Operations)
	sum := s.Run(ctx)

	b.finish(res, bp, sum, s.Records())
	b.log.Printf("%s", res)
	for _, o := range b.cfg.Observers {
		o.RunFinished(res)
	}
	return res, nil
}

func (b *Builder) finish(res *Result, bp *blueprint.Blueprint, sum dispatch.Summary, recs []dispatch.Record) {
	res.Acknowledged = sum.Acknowledged
	res.Failed = sum.Failed
	res.Pending = sum.Pending
	res.BlocksPlaced = sum.BlocksPlaced
	res.Cancelled = sum.Cancelled
	res.AbortedPhases = sum.AbortedPhases
	res.Records = recs

	labels := map[int]string{}
	for _, e := range bp.Elements {
		labels[e.Index] = e.Label()
	}
	seen := map[int]bool{}
	for _, r := range recs {
		switch r.Status {
		case dispatch.StatusFailed:
			res.Failures = append(res.Failures, r)
			for _, idx := range r.Op.Sources {
				if !seen[idx] {
					seen[idx] = true
					res.FailedElements = append(res.FailedElements, labels[idx])
				}
			}
		case dispatch.StatusPending:
			res.Unsent = append(res.Unsent, r)
		}
	}

	switch {
	case res.Operations > 0 && res.Acknowledged == res.Operations:
		res.Status = StatusBuilt
	case res.Acknowledged == 0:
		res.Status = StatusNothingBuilt
	default:
		res.Status = StatusPartial
	}
	res.Elapsed = time.Since(res.StartedAt)
}

type recordFanout struct {
	runID     string
	observers []Observer
}

func (f recordFanout) RecordUpdated(rec dispatch.Record) {
	for _, o := range f.observers {
		o.RecordUpdated(f.runID, rec)
	}
}
