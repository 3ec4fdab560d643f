// Package ws accepts a Bedrock Edition client that joined with /connect and
// sends it commands over the game's websocket protocol.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/protocol"
)

var errClientGone = errors.New("ws: game client disconnected")

type Server struct {
	log         *log.Logger
	connectWait time.Duration

	upgrader websocket.Upgrader

	mu     sync.Mutex
	cur    *client
	joined chan struct{}
}

// NewServer returns a server whose Send waits up to connectWait for a game
// client before reporting the connection lost.
func NewServer(connectWait time.Duration, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if connectWait <= 0 {
		connectWait = 30 * time.Second
	}
	return &Server{
		log:         logger,
		connectWait: connectWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // game clients send no Origin
		},
		joined: make(chan struct{}),
	}
}

type client struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}

	mu      sync.Mutex
	pending map[string]chan protocol.CommandResponseBody
}

func (c *client) register(id string) chan protocol.CommandResponseBody {
	ch := make(chan protocol.CommandResponseBody, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *client) deliver(id string, body protocol.CommandResponseBody) {
	c.mu.Lock()
	ch := c.pending[id]
	c.mu.Unlock()
	if ch != nil {
		select {
		case ch <- body:
		default:
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := &client{
			conn:    conn,
			out:     make(chan []byte, 16),
			done:    make(chan struct{}),
			pending: map[string]chan protocol.CommandResponseBody{},
		}
		s.attach(c)
		s.log.Printf("game client connected remote=%s", r.RemoteAddr)
		defer func() {
			close(c.done)
			s.detach(c)
			s.log.Printf("game client disconnected remote=%s", r.RemoteAddr)
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Header.MessagePurpose {
			case protocol.PurposeCommandResponse, protocol.PurposeError:
			default:
				continue
			}
			var resp protocol.CommandResponseMsg
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if base.Header.MessagePurpose == protocol.PurposeError && resp.Body.StatusCode == 0 {
				resp.Body.StatusCode = -1
			}
			c.deliver(base.Header.RequestID, resp.Body)
		}
	}
}

func (s *Server) attach(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.cur; old != nil {
		_ = old.conn.Close()
	}
	s.cur = c
	close(s.joined)
	s.joined = make(chan struct{})
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == c {
		s.cur = nil
	}
}

// Connected reports whether a game client is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// waitClient blocks until a game client is attached. Running out of time with
// no client, through connectWait or ctx, is a lost connection.
func (s *Server) waitClient(ctx context.Context) (*client, error) {
	timer := time.NewTimer(s.connectWait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		c, joined := s.cur, s.joined
		s.mu.Unlock()
		if c != nil {
			return c, nil
		}
		select {
		case <-joined:
		case <-timer.C:
			return nil, fmt.Errorf("ws: no game client within %s: %w", s.connectWait, dispatch.ErrConnectionLost)
		case <-ctx.Done():
			return nil, fmt.Errorf("ws: no game client: %w: %w", ctx.Err(), dispatch.ErrConnectionLost)
		}
	}
}

// Connect waits up to connectWait for a game client to join.
func (s *Server) Connect(ctx context.Context) error {
	_, err := s.waitClient(ctx)
	return err
}

// Send runs one command on the attached game client. A non-zero statusCode in
// the reply is a rejection unless the message says the blocks were already
// in place.
func (s *Server) Send(ctx context.Context, command string) (string, error) {
	c, err := s.waitClient(ctx)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	b, err := json.Marshal(protocol.NewCommandRequest(id, strings.TrimPrefix(strings.TrimSpace(command), "/")))
	if err != nil {
		return "", err
	}
	replies := c.register(id)
	defer c.unregister(id)

	select {
	case c.out <- b:
	case <-c.done:
		return "", errClientGone
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case body := <-replies:
		if body.StatusCode != 0 && !dispatch.IsNoOp(body.StatusMessage) {
			return "", &dispatch.RejectedError{Reply: fmt.Sprintf("%s (statusCode=%d)", body.StatusMessage, body.StatusCode)}
		}
		return body.StatusMessage, nil
	case <-c.done:
		return "", errClientGone
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
