package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/compiler"
)

// scriptChannel answers each command through fn and records what was sent.
type scriptChannel struct {
	mu   sync.Mutex
	sent []string
	fn   func(n int, cmd string) (string, error)
}

func (c *scriptChannel) Send(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	n := len(c.sent)
	c.mu.Unlock()
	if c.fn == nil {
		return "Changed the block", nil
	}
	return c.fn(n, cmd)
}

func (c *scriptChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// linkChannel is a scriptChannel that must be connected before it sends.
type linkChannel struct {
	scriptChannel
	connect func(ctx context.Context, n int) error

	mu    sync.Mutex
	calls int
}

func (c *linkChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return c.connect(ctx, n)
}

type recordLog struct {
	mu   sync.Mutex
	recs []Record
}

func (l *recordLog) RecordUpdated(r Record) {
	l.mu.Lock()
	l.recs = append(l.recs, r)
	l.mu.Unlock()
}

func setOp(seq, phase int, x int) compiler.Operation {
	p := blueprint.Vec3i{X: x, Y: 64}
	return compiler.Operation{
		Seq:        seq,
		Kind:       compiler.OpSetblock,
		Phase:      fmt.Sprintf("p%d", phase),
		PhaseIndex: phase,
		From:       p,
		To:         p,
		Material:   "stone",
		Sources:    []int{seq},
		Command:    fmt.Sprintf("setblock %d 64 0 stone", x),
	}
}

func fastConfig() Config {
	return Config{RateLimit: 0, MaxAttempts: 4, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond, SendTimeout: time.Second}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusSent))
	assert.True(t, CanTransition(StatusSent, StatusAcknowledged))
	assert.True(t, CanTransition(StatusSent, StatusFailed))
	assert.True(t, CanTransition(StatusFailed, StatusPending))
	assert.True(t, CanTransition(StatusPending, StatusFailed))
	assert.False(t, CanTransition(StatusAcknowledged, StatusPending))
	assert.False(t, CanTransition(StatusAcknowledged, StatusFailed))
	assert.False(t, CanTransition(StatusPending, StatusAcknowledged))
}

func TestIsRejection(t *testing.T) {
	assert.False(t, IsRejection(""))
	assert.False(t, IsRejection("Successfully filled 400 block(s)"))
	assert.False(t, IsRejection("Changed the block at 1, 64, 0"))
	assert.False(t, IsRejection("No blocks were filled"))
	assert.False(t, IsRejection("Could not set the block"))
	assert.True(t, IsRejection("Unknown block type 'minecraft:oak_plank'"))
	assert.True(t, IsRejection("Unknown or incomplete command, see below for error"))
	assert.True(t, IsRejection("Too many blocks in the specified area (maximum 32768, specified 40000)"))
	assert.True(t, IsRejection("That position is not loaded"))
}

func TestIsNoOp(t *testing.T) {
	assert.True(t, IsNoOp("No blocks were filled"))
	assert.True(t, IsNoOp("  Could not set the block\n"))
	assert.False(t, IsNoOp(""))
	assert.False(t, IsNoOp("Successfully filled 400 block(s)"))
	assert.False(t, IsNoOp("Unknown block type 'minecraft:oak_plank'"))
}

func TestRun_AllAcknowledged(t *testing.T) {
	ops := []compiler.Operation{setOp(0, 0, 0), setOp(1, 0, 1), setOp(2, 1, 2)}
	ch := &scriptChannel{}
	obs := &recordLog{}
	cfg := fastConfig()
	cfg.Observer = obs
	s := NewScheduler(ch, ops, cfg)

	sum := s.Run(context.Background())
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Acknowledged)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 3, sum.BlocksPlaced)
	assert.Equal(t, []string{ops[0].Command, ops[1].Command, ops[2].Command}, ch.Sent())

	p := s.Progress()
	assert.Equal(t, Progress{Attempted: 3, Total: 3, Acknowledged: 3}, p)
	// pending->sent and sent->acknowledged per op.
	require.Len(t, obs.recs, 6)
	assert.Equal(t, StatusSent, obs.recs[0].Status)
	assert.Equal(t, StatusAcknowledged, obs.recs[1].Status)
	assert.Equal(t, "Changed the block", s.Records()[2].Reply)

	again := s.Run(context.Background())
	assert.Equal(t, 3, again.Acknowledged)
	assert.Len(t, ch.Sent(), 3, "second Run must not resend")
}

func TestRun_RetryExhaustionThenSuccess(t *testing.T) {
	ch := &scriptChannel{fn: func(n int, _ string) (string, error) {
		if n <= 3 {
			return "", errors.New("connection reset by peer")
		}
		return "Changed the block", nil
	}}
	s := NewScheduler(ch, []compiler.Operation{setOp(0, 0, 0)}, fastConfig())

	sum := s.Run(context.Background())
	require.Equal(t, 1, sum.Acknowledged)
	rec := s.Records()[0]
	assert.Equal(t, StatusAcknowledged, rec.Status)
	assert.Equal(t, 4, rec.Attempts)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, 1, s.Progress().Attempted)
}

func TestRun_TransportFailureExhausted(t *testing.T) {
	ch := &scriptChannel{fn: func(int, string) (string, error) {
		return "", errors.New("i/o timeout")
	}}
	s := NewScheduler(ch, []compiler.Operation{setOp(0, 0, 0), setOp(1, 0, 1)}, fastConfig())

	sum := s.Run(context.Background())
	assert.Equal(t, 2, sum.Failed)
	recs := s.Records()
	assert.Equal(t, StatusFailed, recs[0].Status)
	assert.Equal(t, 4, recs[0].Attempts)
	assert.Contains(t, recs[0].LastError, "i/o timeout")
	assert.Len(t, ch.Sent(), 8)
}

func TestRun_RejectionShortCircuits(t *testing.T) {
	ops := []compiler.Operation{setOp(0, 0, 0), setOp(1, 0, 1), setOp(2, 0, 2)}
	ch := &scriptChannel{fn: func(n int, cmd string) (string, error) {
		switch cmd {
		case ops[1].Command:
			return "Unknown block type 'minecraft:stonee'", nil
		case ops[2].Command:
			return "", &RejectedError{Reply: "statusCode=-2147352576"}
		}
		return "Changed the block", nil
	}}
	s := NewScheduler(ch, ops, fastConfig())

	sum := s.Run(context.Background())
	assert.Equal(t, 1, sum.Acknowledged)
	assert.Equal(t, 2, sum.Failed)
	recs := s.Records()
	for _, r := range recs[1:] {
		assert.Equal(t, StatusFailed, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Contains(t, recs[1].LastError, "Unknown block type")
	assert.Len(t, ch.Sent(), 3)
}

func TestRun_ConnectionLostAbortsPhase(t *testing.T) {
	ops := []compiler.Operation{
		setOp(0, 0, 0), setOp(1, 0, 1), setOp(2, 0, 2),
		setOp(3, 1, 3), setOp(4, 1, 4),
	}
	ch := &scriptChannel{fn: func(n int, _ string) (string, error) {
		if n == 2 {
			return "", fmt.Errorf("rcon: dial: %w", ErrConnectionLost)
		}
		return "", nil
	}}
	s := NewScheduler(ch, ops, fastConfig())

	sum := s.Run(context.Background())
	assert.Equal(t, 3, sum.Acknowledged)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, []string{"p0"}, sum.AbortedPhases)

	recs := s.Records()
	assert.Equal(t, StatusAcknowledged, recs[0].Status)
	assert.Equal(t, StatusFailed, recs[1].Status)
	assert.Equal(t, 1, recs[1].Attempts)
	assert.Equal(t, StatusFailed, recs[2].Status)
	assert.Equal(t, 0, recs[2].Attempts, "aborted op must not be sent")
	assert.Contains(t, recs[2].LastError, "aborted")
	assert.Equal(t, StatusAcknowledged, recs[3].Status)
	assert.Equal(t, StatusAcknowledged, recs[4].Status)
	assert.Equal(t, []string{ops[0].Command, ops[1].Command, ops[3].Command, ops[4].Command}, ch.Sent())
}

func TestRun_ConnectFailureAbortsPhaseWithoutSending(t *testing.T) {
	ops := []compiler.Operation{
		setOp(0, 0, 0), setOp(1, 0, 1), setOp(2, 0, 2),
		setOp(3, 1, 3),
	}
	ch := &linkChannel{connect: func(_ context.Context, n int) error {
		if n == 2 {
			return errors.New("ws: no game client within 30s")
		}
		return nil
	}}
	cfg := fastConfig()
	cfg.SendTimeout = 5 * time.Millisecond
	s := NewScheduler(ch, ops, cfg)

	sum := s.Run(context.Background())
	assert.Equal(t, []string{"p0"}, sum.AbortedPhases)
	assert.Equal(t, 2, sum.Acknowledged)
	assert.Equal(t, 2, sum.Failed)

	recs := s.Records()
	assert.Equal(t, StatusFailed, recs[1].Status)
	assert.Equal(t, 0, recs[1].Attempts, "op must not be sent without a connection")
	assert.Contains(t, recs[1].LastError, ErrConnectionLost.Error())
	assert.Equal(t, StatusFailed, recs[2].Status)
	assert.Equal(t, StatusAcknowledged, recs[3].Status)
	assert.Equal(t, []string{ops[0].Command, ops[3].Command}, ch.Sent())
}

func TestRun_ConnectRunsOutsideSendDeadline(t *testing.T) {
	ops := []compiler.Operation{setOp(0, 0, 0)}
	ch := &linkChannel{connect: func(ctx context.Context, _ int) error {
		if _, ok := ctx.Deadline(); ok {
			return errors.New("connect got the per-send deadline")
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	cfg := fastConfig()
	cfg.SendTimeout = 5 * time.Millisecond
	s := NewScheduler(ch, ops, cfg)

	sum := s.Run(context.Background())
	assert.Equal(t, 1, sum.Acknowledged)
	assert.Empty(t, sum.AbortedPhases)
}

func TestRun_CancelDuringConnectLeavesPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ops := []compiler.Operation{setOp(0, 0, 0), setOp(1, 0, 1)}
	ch := &linkChannel{connect: func(ctx context.Context, _ int) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}
	s := NewScheduler(ch, ops, fastConfig())

	sum := s.Run(ctx)
	assert.True(t, sum.Cancelled)
	assert.Empty(t, sum.AbortedPhases)
	assert.Equal(t, 2, sum.Pending)
	assert.Empty(t, ch.Sent())
}

func TestRun_CancelFinishesInFlightSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ops := []compiler.Operation{setOp(0, 0, 0), setOp(1, 0, 1), setOp(2, 0, 2)}
	ch := &scriptChannel{fn: func(n int, _ string) (string, error) {
		if n == 2 {
			cancel()
			time.Sleep(5 * time.Millisecond)
		}
		return "ok", nil
	}}
	s := NewScheduler(ch, ops, fastConfig())

	sum := s.Run(ctx)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 2, sum.Acknowledged)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, StatusPending, s.Records()[2].Status)
	assert.Len(t, ch.Sent(), 2)
}

func TestRun_SendTimeoutIsTransient(t *testing.T) {
	ch := &scriptChannel{fn: func(n int, _ string) (string, error) {
		if n == 1 {
			time.Sleep(30 * time.Millisecond)
			return "", context.DeadlineExceeded
		}
		return "ok", nil
	}}
	cfg := fastConfig()
	cfg.SendTimeout = 10 * time.Millisecond
	s := NewScheduler(ch, []compiler.Operation{setOp(0, 0, 0)}, cfg)

	sum := s.Run(context.Background())
	assert.Equal(t, 1, sum.Acknowledged)
	assert.Equal(t, 2, s.Records()[0].Attempts)
}

func TestRun_Pacing(t *testing.T) {
	ops := []compiler.Operation{setOp(0, 0, 0), setOp(1, 0, 1), setOp(2, 0, 2)}
	var mu sync.Mutex
	var stamps []time.Time
	ch := &scriptChannel{fn: func(int, string) (string, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return "", nil
	}}
	cfg := fastConfig()
	cfg.RateLimit = 20 * time.Millisecond
	NewScheduler(ch, ops, cfg).Run(context.Background())

	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 19*time.Millisecond, "gap %d", i)
	}
}

func TestRun_ZeroRateLimitDoesNotPace(t *testing.T) {
	ops := make([]compiler.Operation, 50)
	for i := range ops {
		ops[i] = setOp(i, 0, i)
	}
	cfg := fastConfig()
	cfg.RateLimit = 0
	start := time.Now()
	sum := NewScheduler(&scriptChannel{}, ops, cfg).Run(context.Background())
	assert.Equal(t, 50, sum.Acknowledged)
	assert.Less(t, time.Since(start), DefaultRateLimit*10)
}

func TestProgress_ReadableDuringRun(t *testing.T) {
	release := make(chan struct{})
	ops := []compiler.Operation{setOp(0, 0, 0), setOp(1, 0, 1)}
	ch := &scriptChannel{fn: func(n int, _ string) (string, error) {
		if n == 2 {
			<-release
		}
		return "", nil
	}}
	s := NewScheduler(ch, ops, fastConfig())

	done := make(chan Summary)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Progress().Attempted == 2 }, time.Second, time.Millisecond)
	p := s.Progress()
	assert.Equal(t, 1, p.Acknowledged)
	assert.Equal(t, StatusSent, s.Records()[1].Status)

	close(release)
	sum := <-done
	assert.Equal(t, 2, sum.Acknowledged)
}

func TestBackoff(t *testing.T) {
	s := NewScheduler(&scriptChannel{}, nil, Config{BackoffBase: 200 * time.Millisecond, BackoffMax: 5 * time.Second})
	assert.Equal(t, 200*time.Millisecond, s.backoff(1))
	assert.Equal(t, 400*time.Millisecond, s.backoff(2))
	assert.Equal(t, 800*time.Millisecond, s.backoff(3))
	assert.Equal(t, 5*time.Second, s.backoff(10))
}
