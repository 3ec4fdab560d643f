package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"craftarchitect.ai/internal/compiler"
)

const (
	DefaultRateLimit   = 50 * time.Millisecond
	DefaultMaxAttempts = 4
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second
	DefaultSendTimeout = 10 * time.Second
)

// Observer receives a copy of every record after each state transition.
// Calls come from the goroutine running the scheduler, in order.
type Observer interface {
	RecordUpdated(rec Record)
}

type Config struct {
	// RateLimit is the minimum delay between two sends.
	RateLimit time.Duration
	// MaxAttempts bounds sends per operation, first try included.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	SendTimeout time.Duration

	Logger   *log.Logger
	Observer Observer
}

func DefaultConfig() Config {
	return Config{
		RateLimit:   DefaultRateLimit,
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
		SendTimeout: DefaultSendTimeout,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// Scheduler sends one build's operations in order over a single channel.
// Progress and Records may be called from any goroutine while Run is active.
type Scheduler struct {
	ch  Channel
	cfg Config

	mu      sync.RWMutex
	records []Record

	attempted    atomic.Int64
	acknowledged atomic.Int64
	failed       atomic.Int64
	started      atomic.Bool

	pacer *rate.Limiter
}

func NewScheduler(ch Channel, ops []compiler.Operation, cfg Config) *Scheduler {
	cfg.normalize()
	now := time.Now()
	recs := make([]Record, len(ops))
	for i, op := range ops {
		recs[i] = Record{Op: op, Status: StatusPending, UpdatedAt: now}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Every(cfg.RateLimit)
	}
	return &Scheduler{ch: ch, cfg: cfg, records: recs, pacer: rate.NewLimiter(limit, 1)}
}

func (s *Scheduler) Progress() Progress {
	return Progress{
		Attempted:    int(s.attempted.Load()),
		Total:        len(s.records),
		Acknowledged: int(s.acknowledged.Load()),
		Failed:       int(s.failed.Load()),
	}
}

// Records returns a copy of the current record list.
func (s *Scheduler) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Run dispatches every operation and blocks until all are terminal or ctx is
// cancelled. An in-flight send is allowed to finish after cancellation;
// operations not yet sent stay pending. Run may only be called once.
func (s *Scheduler) Run(ctx context.Context) Summary {
	start := time.Now()
	if !s.started.CompareAndSwap(false, true) {
		return s.summary(start, false, nil)
	}

	cancelled := false
	abortPhase := -1
	var aborted []string
	for i := range s.records {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		op := s.records[i].Op
		if op.PhaseIndex == abortPhase {
			s.transition(i, StatusFailed, func(r *Record) {
				r.LastError = "aborted: connection lost earlier in phase " + op.Phase
			})
			s.failed.Add(1)
			continue
		}
		switch s.dispatchOne(ctx, i) {
		case outcomeCancelled:
			cancelled = true
		case outcomeConnectionLost:
			abortPhase = op.PhaseIndex
			aborted = append(aborted, op.Phase)
			s.cfg.Logger.Printf("connection lost at op=%d phase=%s; aborting rest of phase", op.Seq, op.Phase)
		}
		if cancelled {
			break
		}
	}
	return s.summary(start, cancelled, aborted)
}

func (s *Scheduler) summary(start time.Time, cancelled bool, aborted []string) Summary {
	sum := Summary{Total: len(s.records), Cancelled: cancelled, AbortedPhases: aborted, Elapsed: time.Since(start)}
	for _, r := range s.Records() {
		switch r.Status {
		case StatusAcknowledged:
			sum.Acknowledged++
			sum.BlocksPlaced += r.Op.Volume()
		case StatusFailed:
			sum.Failed++
		default:
			sum.Pending++
		}
	}
	return sum
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeCancelled
	outcomeConnectionLost
)

func (s *Scheduler) dispatchOne(ctx context.Context, i int) outcome {
	op := s.records[i].Op
	for attempt := 1; ; attempt++ {
		if c, ok := s.ch.(Connector); ok {
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return outcomeCancelled
				}
				if !errors.Is(err, ErrConnectionLost) {
					err = fmt.Errorf("%v: %w", err, ErrConnectionLost)
				}
				s.transition(i, StatusFailed, func(r *Record) { r.LastError = err.Error() })
				s.failed.Add(1)
				return outcomeConnectionLost
			}
		}
		if err := s.pacer.Wait(ctx); err != nil {
			return outcomeCancelled
		}
		s.transition(i, StatusSent, func(r *Record) { r.Attempts = attempt })
		if attempt == 1 {
			s.attempted.Add(1)
		}

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
		reply, err := s.ch.Send(sendCtx, op.Command)
		cancel()

		var rej *RejectedError
		switch {
		case err == nil && !IsRejection(reply):
			s.transition(i, StatusAcknowledged, func(r *Record) {
				r.Reply = reply
				r.LastError = ""
			})
			s.acknowledged.Add(1)
			return outcomeDone
		case err == nil:
			s.reject(i, reply)
			return outcomeDone
		case errors.As(err, &rej):
			s.reject(i, rej.Reply)
			return outcomeDone
		case errors.Is(err, ErrConnectionLost):
			s.transition(i, StatusFailed, func(r *Record) { r.LastError = err.Error() })
			s.failed.Add(1)
			return outcomeConnectionLost
		}

		s.transition(i, StatusFailed, func(r *Record) { r.LastError = err.Error() })
		if attempt >= s.cfg.MaxAttempts {
			s.cfg.Logger.Printf("op=%d failed after %d attempts: %v", op.Seq, attempt, err)
			s.failed.Add(1)
			return outcomeDone
		}
		s.transition(i, StatusPending, nil)
		wait := s.backoff(attempt)
		s.cfg.Logger.Printf("op=%d attempt=%d transport error: %v; retry in %s", op.Seq, attempt, err, wait)
		if err := sleep(ctx, wait); err != nil {
			return outcomeCancelled
		}
	}
}

func (s *Scheduler) reject(i int, reply string) {
	s.transition(i, StatusFailed, func(r *Record) {
		r.Reply = reply
		r.LastError = (&RejectedError{Reply: reply}).Error()
	})
	s.failed.Add(1)
	s.cfg.Logger.Printf("op=%d rejected: %s", s.records[i].Op.Seq, reply)
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for n := 1; n < attempt && d < s.cfg.BackoffMax; n++ {
		d *= 2
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

func (s *Scheduler) transition(i int, to Status, mut func(*Record)) {
	s.mu.Lock()
	r := &s.records[i]
	if !CanTransition(r.Status, to) {
		s.mu.Unlock()
		panic(fmt.Sprintf("dispatch: illegal transition %s -> %s for op %d", r.Status, to, r.Op.Seq))
	}
	r.Status = to
	if mut != nil {
		mut(r)
	}
	r.UpdatedAt = time.Now()
	snap := *r
	s.mu.Unlock()

	if s.cfg.Observer != nil {
		s.cfg.Observer.RecordUpdated(snap)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
