// Package channel owns the single logical room connection. Everything the
// rest of the core learns about the room arrives through this client's
// event stream; no other component performs raw I/O.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/squidx232/watchparty/internal/config"
	"github.com/squidx232/watchparty/internal/protocol"
)

var (
	ErrBackpressure   = errors.New("backpressure")
	ErrClosed         = errors.New("channel closed")
	ErrConnectionLost = errors.New("connection lost")
)

// JoinError is a terminal join failure. The reason is one of the
// protocol.Reason* values and is surfaced to the caller as-is.
type JoinError struct {
	Reason  protocol.JoinReason
	Message string
}

func (e *JoinError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("join rejected: %s (%s)", e.Reason, e.Message)
	}
	return fmt.Sprintf("join rejected: %s", e.Reason)
}

type State string

const (
	StateConnecting   State = "connecting"
	StateJoined       State = "joined"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Client is one persistent bidirectional channel to one room. On transport
// loss it redials and re-executes the full join handshake; the fresh
// snapshot is delivered on the event stream as a joined envelope so that
// consumers replace, never merge.
type Client struct {
	cfg *config.Config
	log zerolog.Logger

	// OnState, if set before Connect, is invoked on every connection state
	// transition. Called from the client's own goroutine.
	OnState func(State)

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	state  State
	closed bool
	join   protocol.JoinRequest

	events chan protocol.Envelope
	stop   chan struct{}
}

func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		log:    log.With().Str("module", "channel").Logger(),
		send:   make(chan []byte, 32),
		state:  StateConnecting,
		events: make(chan protocol.Envelope, 64),
		stop:   make(chan struct{}),
	}
}

// Events is the ordered stream of server envelopes. It is closed when the
// channel terminates, either by Leave or after the retry budget runs out.
func (c *Client) Events() <-chan protocol.Envelope { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Connect dials the server and runs the join handshake. It returns the room
// snapshot on success or a *JoinError on a terminal rejection. After a
// successful return the event stream is live and reconnection is automatic.
func (c *Client) Connect(ctx context.Context, roomID, name, resumeToken string) (*protocol.Snapshot, error) {
	c.mu.Lock()
	c.join = protocol.JoinRequest{RoomID: roomID, Name: name, ResumeToken: resumeToken}
	c.mu.Unlock()

	conn, snap, err := c.dialAndJoin(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateJoined)

	go c.run(conn)
	return snap, nil
}

func (c *Client) dialAndJoin(ctx context.Context) (*websocket.Conn, *protocol.Snapshot, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.JoinTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	join := c.join
	c.mu.Unlock()

	data, err := protocol.Marshal(protocol.EvtJoin, join)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send join: %w", err)
	}

	// The handshake owns the reads until the server answers the join.
	deadline := time.Now().Add(c.cfg.JoinTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("join handshake: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Error().Err(err).Msg("bad json during handshake")
			continue
		}
		switch env.Type {
		case protocol.EvtJoined:
			var snap protocol.Snapshot
			if err := json.Unmarshal(env.Data, &snap); err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("bad snapshot: %w", err)
			}
			_ = conn.SetReadDeadline(time.Time{})
			c.mu.Lock()
			if snap.ResumeToken != "" {
				c.join.ResumeToken = snap.ResumeToken
			}
			c.mu.Unlock()
			return conn, &snap, nil
		case protocol.EvtJoinError:
			var p protocol.JoinErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			conn.Close()
			return nil, nil, &JoinError{Reason: p.Reason, Message: p.Message}
		default:
			// Anything delivered before the join ack belongs to no session.
			c.log.Warn().Str("type", string(env.Type)).Msg("dropping pre-join event")
		}
	}
}

// run reads from the current connection, feeding the event stream, and owns
// the reconnect loop. It is the only goroutine that touches c.conn reads.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.events)

	for {
		writerStop := make(chan struct{})
		go c.writePump(conn, writerStop)

		err := c.readLoop(conn)
		close(writerStop)
		conn.Close()

		if c.isClosed() {
			return
		}
		c.log.Warn().Err(err).Msg("connection lost")
		c.setState(StateDisconnected)

		next, ok := c.reconnect()
		if !ok {
			c.setState(StateClosed)
			return
		}
		conn = next
		c.setState(StateJoined)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Error().Err(err).Msg("bad json")
			continue
		}
		select {
		case c.events <- env:
		case <-c.stop:
			return ErrClosed
		}
	}
}

// reconnect runs the bounded redial loop. On success the fresh snapshot is
// pushed onto the event stream as a joined envelope; consumers treat it
// exactly like the first one and replace their state.
func (c *Client) reconnect() (*websocket.Conn, bool) {
	delay := c.cfg.ReconnectBase
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		c.setState(StateReconnecting)
		select {
		case <-c.stop:
			return nil, false
		case <-time.After(delay):
		}
		if delay *= 2; delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}

		conn, snap, err := c.dialAndJoin(context.Background())
		if err != nil {
			var je *JoinError
			if errors.As(err, &je) {
				// The room rejected us outright; retrying cannot help.
				c.log.Error().Str("reason", string(je.Reason)).Msg("rejoin rejected")
				return nil, false
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		data, _ := json.Marshal(snap)
		select {
		case c.events <- protocol.Envelope{Type: protocol.EvtJoined, Data: data}:
		case <-c.stop:
			conn.Close()
			return nil, false
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info().Int("attempt", attempt).Msg("reconnected")
		return conn, true
	}
	c.log.Error().Int("attempts", c.cfg.ReconnectAttempts).Msg("reconnect budget exhausted")
	return nil, false
}

// writePump is the sole writer on its connection. On Leave it drains the
// queue (the leave frame included) and releases the transport itself, so no
// other goroutine ever writes concurrently.
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.stop:
			c.drain(conn)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("write error")
				return
			}
		}
	}
}

func (c *Client) drain(conn *websocket.Conn) {
	for {
		select {
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues an envelope for delivery. Delivery is fire-and-forget: a
// message queued right before a disconnect is simply lost, the rejoin
// snapshot settles any disagreement.
func (c *Client) Send(t protocol.EventType, v any) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := protocol.Marshal(t, v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Leave notifies the server and releases the transport. Safe to call any
// number of times, in any connection state. The leave frame rides the send
// queue; writePump flushes it and closes the connection.
func (c *Client) Leave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if data, err := protocol.Marshal(protocol.EvtLeave, nil); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	close(c.stop)
	c.setState(StateClosed)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
