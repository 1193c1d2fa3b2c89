package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidx232/watchparty/internal/config"
	"github.com/squidx232/watchparty/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// scriptedServer accepts channel connections and hands each one, after the
// join handshake, to the per-connection script.
type scriptedServer struct {
	t  *testing.T
	ts *httptest.Server

	mu    sync.Mutex
	conns int
	joins []protocol.JoinRequest

	// script runs with the connection after the joined ack went out.
	// Connection index (0-based) tells scripts apart across reconnects.
	script func(conn *websocket.Conn, n int)
	// rejectWith, when set, answers the join with an error instead.
	rejectWith protocol.JoinReason
}

func newScriptedServer(t *testing.T) *scriptedServer {
	s := &scriptedServer{t: t}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *scriptedServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *scriptedServer) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joins)
}

func (s *scriptedServer) lastJoin() protocol.JoinRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins[len(s.joins)-1]
}

func (s *scriptedServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var env protocol.Envelope
	require.NoError(s.t, json.Unmarshal(raw, &env))
	require.Equal(s.t, protocol.EvtJoin, env.Type)
	var join protocol.JoinRequest
	require.NoError(s.t, json.Unmarshal(env.Data, &join))

	s.mu.Lock()
	n := s.conns
	s.conns++
	s.joins = append(s.joins, join)
	reject := s.rejectWith
	s.mu.Unlock()

	if reject != "" {
		data, _ := protocol.Marshal(protocol.EvtJoinError, protocol.JoinErrorPayload{Reason: reject})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		return
	}

	snap := protocol.Snapshot{
		Room:        protocol.RoomMetadata{ID: join.RoomID, Name: "movie night"},
		SelfID:      "self-1",
		ResumeToken: "resume-1",
		HostID:      "self-1",
		Participants: []protocol.Participant{
			{ID: "self-1", Name: join.Name, Role: protocol.RoleHost, JoinedAt: 1},
		},
	}
	data, _ := protocol.Marshal(protocol.EvtJoined, snap)
	_ = conn.WriteMessage(websocket.TextMessage, data)

	if s.script != nil {
		s.script(conn, n)
	} else {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.ServerURL = url
	cfg.JoinTimeout = 2 * time.Second
	cfg.ReconnectAttempts = 3
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	return cfg
}

func TestConnectReturnsSnapshot(t *testing.T) {
	srv := newScriptedServer(t)
	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	defer c.Leave()

	snap, err := c.Connect(context.Background(), "room-1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "self-1", snap.SelfID)
	assert.Equal(t, "room-1", snap.Room.ID)
	assert.Equal(t, StateJoined, c.State())
	assert.Equal(t, "alice", srv.lastJoin().Name)
}

func TestConnectSurfacesJoinError(t *testing.T) {
	srv := newScriptedServer(t)
	srv.rejectWith = protocol.ReasonRoomNotFound

	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	_, err := c.Connect(context.Background(), "room-x", "alice", "")

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, protocol.ReasonRoomNotFound, je.Reason)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script = func(conn *websocket.Conn, _ int) {
		for _, id := range []string{"p1", "p2", "p3"} {
			data, _ := protocol.Marshal(protocol.EvtParticipantJoined, protocol.ParticipantJoined{
				Participant: protocol.Participant{ID: id},
			})
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	defer c.Leave()
	_, err := c.Connect(context.Background(), "room-1", "alice", "")
	require.NoError(t, err)

	var ids []string
	for len(ids) < 3 {
		select {
		case env := <-c.Events():
			require.Equal(t, protocol.EvtParticipantJoined, env.Type)
			var p protocol.ParticipantJoined
			require.NoError(t, json.Unmarshal(env.Data, &p))
			ids = append(ids, p.Participant.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids)
}

func TestSendReachesServer(t *testing.T) {
	srv := newScriptedServer(t)
	got := make(chan protocol.Envelope, 1)
	srv.script = func(conn *websocket.Conn, _ int) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(raw, &env) == nil {
				got <- env
			}
		}
	}

	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	defer c.Leave()
	_, err := c.Connect(context.Background(), "room-1", "alice", "")
	require.NoError(t, err)

	require.NoError(t, c.Send(protocol.EvtChatSend, protocol.ChatSend{Content: "hi"}))

	select {
	case env := <-got:
		assert.Equal(t, protocol.EvtChatSend, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the send")
	}
}

func TestReconnectRejoinsWithResumeToken(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script = func(conn *websocket.Conn, n int) {
		if n == 0 {
			// Simulate a network gap by dropping the first connection.
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	defer c.Leave()
	_, err := c.Connect(context.Background(), "room-1", "alice", "")
	require.NoError(t, err)

	// The reconnect must re-run the full join handshake and surface the
	// fresh snapshot on the event stream.
	select {
	case env := <-c.Events():
		require.Equal(t, protocol.EvtJoined, env.Type)
		var snap protocol.Snapshot
		require.NoError(t, json.Unmarshal(env.Data, &snap))
		assert.Equal(t, "self-1", snap.SelfID)
	case <-time.After(5 * time.Second):
		t.Fatal("no rejoin snapshot after connection loss")
	}

	assert.Equal(t, 2, srv.joinCount())
	assert.Equal(t, "resume-1", srv.lastJoin().ResumeToken, "rejoin presents the resume token from the first snapshot")
}

func TestRetryBudgetExhaustionClosesStream(t *testing.T) {
	srv := newScriptedServer(t)
	srv.script = func(conn *websocket.Conn, _ int) { conn.Close() }

	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	_, err := c.Connect(context.Background(), "room-1", "alice", "")
	require.NoError(t, err)

	// Every redial also gets dropped; shut the server to starve the rest.
	srv.ts.Close()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case env, ok := <-c.Events():
			if !ok {
				assert.Equal(t, StateClosed, c.State())
				return
			}
			// Rejoin snapshots from redials that briefly won are fine.
			assert.Equal(t, protocol.EvtJoined, env.Type)
		case <-deadline:
			t.Fatal("event stream never terminated")
		}
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	srv := newScriptedServer(t)
	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	_, err := c.Connect(context.Background(), "room-1", "alice", "")
	require.NoError(t, err)

	c.Leave()
	c.Leave() // must not panic or block
	assert.Equal(t, StateClosed, c.State())

	assert.ErrorIs(t, c.Send(protocol.EvtChatSend, protocol.ChatSend{Content: "late"}), ErrClosed)

	// The event stream drains and closes.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveNotifiesServer(t *testing.T) {
	srv := newScriptedServer(t)
	got := make(chan protocol.EventType, 4)
	srv.script = func(conn *websocket.Conn, _ int) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(raw, &env) == nil {
				got <- env.Type
			}
		}
	}

	c := NewClient(testConfig(srv.url()), zerolog.Nop())
	_, err := c.Connect(context.Background(), "room-1", "alice", "")
	require.NoError(t, err)

	// Queue a frame right before leaving; both must still be written, in
	// order, by the one goroutine that owns the connection.
	require.NoError(t, c.Send(protocol.EvtChatSend, protocol.ChatSend{Content: "bye"}))
	c.Leave()

	var types []protocol.EventType
	for len(types) < 2 {
		select {
		case tp := <-got:
			types = append(types, tp)
		case <-time.After(2 * time.Second):
			t.Fatalf("server saw %v, wanted the queued send and the leave", types)
		}
	}
	assert.Equal(t, []protocol.EventType{protocol.EvtChatSend, protocol.EvtLeave}, types)
}

func TestLeaveBeforeConnectIsSafe(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1/api/ws"), zerolog.Nop())
	c.Leave()
	c.Leave()
	assert.Equal(t, StateClosed, c.State())
}
