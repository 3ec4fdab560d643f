// Package rcon sends commands to a Java Edition server over RCON.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorcon/rcon"

	"craftarchitect.ai/internal/dispatch"
)

type Config struct {
	Addr     string
	Password string

	DialTimeout time.Duration
	// Deadline bounds each read/write on an established connection.
	Deadline time.Duration
	// DialAttempts is how many dials are tried before the connection is
	// reported lost.
	DialAttempts int

	Logger *log.Logger
}

// Channel is a lazily connected RCON session. A broken connection is
// re-dialed on the next Send.
type Channel struct {
	cfg Config
	log *log.Logger

	mu   sync.Mutex
	conn *rcon.Conn
}

func New(cfg Config) *Channel {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Channel{cfg: cfg, log: logger}
}

// Connect dials the server if no session is open.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *Channel) Send(ctx context.Context, command string) (string, error) {
	cmd := strings.TrimPrefix(strings.TrimSpace(command), "/")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return "", err
		}
		c.conn = conn
	}

	type result struct {
		reply string
		err   error
	}
	conn := c.conn
	done := make(chan result, 1)
	go func() {
		reply, err := conn.Execute(cmd)
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.reply, nil
		}
		if errors.Is(r.err, rcon.ErrCommandTooLong) || errors.Is(r.err, rcon.ErrCommandEmpty) {
			return "", &dispatch.RejectedError{Reply: r.err.Error()}
		}
		c.dropLocked()
		return "", fmt.Errorf("rcon: execute: %w", r.err)
	case <-ctx.Done():
		// Closing the connection unblocks Execute.
		c.dropLocked()
		return "", ctx.Err()
	}
}

// dial tries DialAttempts times. Every way of ending up without a session,
// including ctx running out, is reported as ErrConnectionLost.
func (c *Channel) dial(ctx context.Context) (*rcon.Conn, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= c.cfg.DialAttempts; attempt++ {
		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.log.Printf("rcon connected addr=%s", c.cfg.Addr)
			return conn, nil
		}
		if errors.Is(err, rcon.ErrAuthFailed) {
			return nil, fmt.Errorf("rcon: auth %s: %v: %w", c.cfg.Addr, err, dispatch.ErrConnectionLost)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rcon: dial %s: %w: %w", c.cfg.Addr, ctx.Err(), dispatch.ErrConnectionLost)
		}
		lastErr = err
		c.log.Printf("rcon dial addr=%s attempt=%d: %v", c.cfg.Addr, attempt, err)
		if attempt == c.cfg.DialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rcon: dial %s: %w: %w", c.cfg.Addr, ctx.Err(), dispatch.ErrConnectionLost)
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("rcon: dial %s: %v: %w", c.cfg.Addr, lastErr, dispatch.ErrConnectionLost)
}

// dialOnce runs one rcon.Dial, which knows nothing of ctx. A session that
// completes after ctx is done is closed.
func (c *Channel) dialOnce(ctx context.Context) (*rcon.Conn, error) {
	type result struct {
		conn *rcon.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := rcon.Dial(c.cfg.Addr, c.cfg.Password,
			rcon.SetDialTimeout(c.cfg.DialTimeout),
			rcon.SetDeadline(c.cfg.Deadline),
		)
		done <- result{conn: conn, err: err}
	}()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Channel) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
