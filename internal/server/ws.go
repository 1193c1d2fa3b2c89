package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/squidx232/watchparty/internal/config"
	"github.com/squidx232/watchparty/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Cfg *config.Config
	Hub *Hub
}

type wsConn struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *eventLimiter

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// connState is the per-connection room binding, set by the join handshake.
type connState struct {
	room *Room
	pid  string
}

func (ctl *Controller) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := &wsConn{
		conn:    ws,
		send:    make(chan []byte, 64),
		limiter: newEventLimiter(eventLimit, eventWindow),
	}
	go ctl.writePump(conn)
	ctl.readPump(conn)
}

func (ctl *Controller) writePump(c *wsConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server.ws").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(c *wsConn) {
	state := &connState{}
	defer func() {
		if state.room != nil {
			// Conditional: a resumed member owned by a newer connection
			// must not be evicted by this socket's teardown.
			state.room.Disconnect(state.pid, c)
		}
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			log.Warn().Str("module", "server.ws").Str("id", state.pid).Msg("event rate limit exceeded, frame dropped")
			continue
		}
		ctl.dispatch(state, c, data)
	}
}

func (ctl *Controller) dispatch(state *connState, c *wsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("bad json")
		return
	}

	if env.Type == protocol.EvtJoin {
		ctl.handleJoin(state, c, env.Data)
		return
	}
	if state.room == nil {
		log.Warn().Str("module", "server.ws").Str("type", string(env.Type)).Msg("event before join")
		return
	}

	switch env.Type {
	case protocol.EvtLeave:
		state.room.Disconnect(state.pid, c)
		state.room = nil
		state.pid = ""
	case protocol.EvtSyncRequest:
		snap := state.room.Snapshot(state.pid)
		ctl.sendJSON(c, protocol.EvtRoomState, snap)
	case protocol.EvtChatSend:
		var p protocol.ChatSend
		if err := json.Unmarshal(env.Data, &p); err == nil {
			state.room.AppendChat(state.pid, p.Content)
		}
	case protocol.EvtPlaybackPlay, protocol.EvtPlaybackPause, protocol.EvtPlaybackSeek:
		var cmd protocol.PlaybackCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return
		}
		if !state.room.ApplyPlayback(state.pid, env.Type, cmd) {
			log.Warn().Str("module", "server.ws").Str("id", state.pid).Msg("playback command from non-host refused")
		}
	case protocol.EvtMediaChange:
		var mc protocol.MediaChange
		if err := json.Unmarshal(env.Data, &mc); err == nil {
			state.room.ApplyMediaChange(state.pid, mc)
		}
	case protocol.EvtVoiceJoin:
		if roster, ok := state.room.VoiceJoin(state.pid); ok {
			ctl.sendJSON(c, protocol.EvtVoiceRoster, roster)
		}
	case protocol.EvtVoiceLeave:
		state.room.VoiceLeave(state.pid)
	case protocol.EvtVoiceMute:
		var p protocol.VoiceMute
		if err := json.Unmarshal(env.Data, &p); err == nil {
			state.room.VoiceMute(state.pid, p.Muted)
		}
	case protocol.EvtVoiceOffer, protocol.EvtVoiceAnswer:
		var sig protocol.SessionSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil || sig.Target == "" {
			return
		}
		state.room.Relay(state.pid, sig.Target, env.Type, protocol.SessionSignal{From: state.pid, SDP: sig.SDP})
	case protocol.EvtVoiceCandidate:
		var sig protocol.CandidateSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil || sig.Target == "" {
			return
		}
		out := sig
		out.Target = ""
		out.From = state.pid
		state.room.Relay(state.pid, sig.Target, env.Type, out)
	default:
		log.Warn().Str("module", "server.ws").Str("type", string(env.Type)).Msg("unknown event")
	}
}

func (ctl *Controller) handleJoin(state *connState, c *wsConn, data []byte) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJoinError(c, protocol.ReasonRejected, "bad join payload")
		return
	}
	if state.room != nil {
		// One logical room per channel; rejoin means a fresh connection.
		ctl.sendJoinError(c, protocol.ReasonRejected, "already joined")
		return
	}

	room, ok := ctl.Hub.Get(req.RoomID)
	if !ok {
		ctl.sendJoinError(c, protocol.ReasonRoomNotFound, "")
		return
	}

	pid := ""
	if req.ResumeToken != "" {
		if resumed, err := parseResumeToken(ctl.Cfg.Secret, req.ResumeToken, req.RoomID); err == nil {
			pid = resumed
		}
	}
	if pid == "" {
		pid = uuid.NewString()
	}

	snap, err := room.Join(pid, req.Name, c)
	if err != nil {
		switch {
		case errors.Is(err, ErrRoomClosed):
			ctl.sendJoinError(c, protocol.ReasonRoomClosed, "")
		case errors.Is(err, ErrNameConflict):
			ctl.sendJoinError(c, protocol.ReasonNameConflict, "")
		default:
			ctl.sendJoinError(c, protocol.ReasonRejected, err.Error())
		}
		return
	}

	if token, err := issueResumeToken(ctl.Cfg.Secret, pid, req.RoomID); err == nil {
		snap.ResumeToken = token
	}

	state.room = room
	state.pid = pid
	ctl.sendJSON(c, protocol.EvtJoined, snap)
}

func (ctl *Controller) sendJoinError(c *wsConn, reason protocol.JoinReason, msg string) {
	ctl.sendJSON(c, protocol.EvtJoinError, protocol.JoinErrorPayload{Reason: reason, Message: msg})
}

func (ctl *Controller) sendJSON(c *wsConn, t protocol.EventType, v any) {
	data, err := protocol.Marshal(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(data)
}
