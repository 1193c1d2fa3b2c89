package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/squidx232/watchparty/internal/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomClosed   = errors.New("room closed")
	ErrNameConflict = errors.New("name conflict")
)

// chatHistoryCap bounds the per-room history kept for join snapshots.
const chatHistoryCap = 500

type member struct {
	p     protocol.Participant
	conn  sender
	voice *protocol.VoiceParticipant
}

// sender is the transport half a room needs: queue a payload or report
// backpressure. The ws adapter owns the real connection.
type sender interface {
	TrySend(data []byte) error
}

// Room holds the authoritative state of one room: membership, host role,
// playback snapshot, chat log, and the voice roster. It is the single
// writer of all of them.
type Room struct {
	mu        sync.RWMutex
	meta      protocol.RoomMetadata
	members   map[string]*member
	hostID    string
	playback  protocol.PlaybackState
	media     protocol.MediaInfo
	chat      []protocol.ChatMessage
	lastStamp int64
	closed    bool
}

func NewRoom(name string) *Room {
	now := time.Now().UnixMilli()
	return &Room{
		meta:     protocol.RoomMetadata{ID: uuid.NewString(), Name: name, CreatedAt: now},
		members:  make(map[string]*member),
		playback: protocol.PlaybackState{Rate: 1.0, UpdatedAt: now},
	}
}

func (r *Room) ID() string { return r.meta.ID }

// stampLocked issues a strictly increasing unix-ms stamp. Joins landing in
// the same millisecond keep their order; "earliest joiner" is well defined
// without falling back to id comparison.
func (r *Room) stampLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= r.lastStamp {
		now = r.lastStamp + 1
	}
	r.lastStamp = now
	return now
}

func (r *Room) Meta() protocol.RoomMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) HostID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

// Join adds (or re-binds, for a resumed participant) a member and returns
// the snapshot the newcomer starts from. The first member becomes host.
func (r *Room) Join(id, name string, conn sender) (*protocol.Snapshot, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	for mid, m := range r.members {
		if mid != id && m.p.Name == name {
			r.mu.Unlock()
			return nil, ErrNameConflict
		}
	}

	m, resumed := r.members[id]
	if resumed {
		m.conn = conn
		m.p.Name = name
	} else {
		m = &member{
			p: protocol.Participant{
				ID:       id,
				Name:     name,
				Role:     protocol.RoleGuest,
				JoinedAt: r.stampLocked(),
			},
			conn: conn,
		}
		r.members[id] = m
	}
	if r.hostID == "" {
		r.hostID = id
		m.p.Role = protocol.RoleHost
	}
	snap := r.snapshotLocked(id)
	r.mu.Unlock()

	if !resumed {
		r.broadcastExcept(id, protocol.EvtParticipantJoined, protocol.ParticipantJoined{Participant: m.p})
	}
	log.Info().Str("module", "server.room").Str("room", r.meta.ID).Str("id", id).Str("name", name).Bool("resumed", resumed).Msg("member joined")
	return snap, nil
}

func (r *Room) snapshotLocked(selfID string) *protocol.Snapshot {
	snap := &protocol.Snapshot{
		Room:        r.meta,
		SelfID:      selfID,
		HostID:      r.hostID,
		Playback:    r.playback,
		Media:       r.media,
		ChatHistory: append([]protocol.ChatMessage(nil), r.chat...),
	}
	for _, m := range r.members {
		snap.Participants = append(snap.Participants, m.p)
		if m.voice != nil {
			snap.Voice = append(snap.Voice, *m.voice)
		}
	}
	return snap
}

// Snapshot serves a defensive sync.request from one member.
func (r *Room) Snapshot(selfID string) *protocol.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(selfID)
}

// Leave removes the member. When the host leaves, the earliest-joined
// remaining member is promoted and the change broadcast; guests never
// self-promote.
func (r *Room) Leave(id string) {
	r.leave(id, nil)
}

// Disconnect is the transport-loss path: it removes the member only while
// the given connection still owns the id. A resumed member re-bound to a
// newer connection survives the stale socket's teardown untouched.
func (r *Room) Disconnect(id string, conn sender) {
	r.leave(id, conn)
}

func (r *Room) leave(id string, conn sender) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok || (conn != nil && m.conn != conn) {
		r.mu.Unlock()
		return
	}
	inVoice := m.voice != nil
	delete(r.members, id)

	var newHost string
	if id == r.hostID {
		r.hostID = ""
		var earliest *member
		for _, cand := range r.members {
			if earliest == nil ||
				cand.p.JoinedAt < earliest.p.JoinedAt ||
				(cand.p.JoinedAt == earliest.p.JoinedAt && cand.p.ID < earliest.p.ID) {
				earliest = cand
			}
		}
		if earliest != nil {
			earliest.p.Role = protocol.RoleHost
			r.hostID = earliest.p.ID
			newHost = earliest.p.ID
		}
	}
	r.mu.Unlock()

	if inVoice {
		r.broadcastExcept(id, protocol.EvtVoiceLeft, protocol.VoiceLeft{ID: id})
	}
	r.broadcastExcept(id, protocol.EvtParticipantLeft, protocol.ParticipantLeft{ID: id})
	if newHost != "" {
		r.broadcast(protocol.EvtHostChanged, protocol.HostChanged{HostID: newHost})
	}
	log.Info().Str("module", "server.room").Str("room", r.meta.ID).Str("id", id).Msg("member left")
}

// ApplyPlayback handles a host control command. The capability check lives
// here, not in any client UI: a non-host command is refused regardless of
// what the sender believes its role is.
func (r *Room) ApplyPlayback(id string, t protocol.EventType, cmd protocol.PlaybackCommand) bool {
	r.mu.Lock()
	if r.closed || id != r.hostID {
		r.mu.Unlock()
		return false
	}
	rate := cmd.Rate
	if rate <= 0 {
		rate = 1.0
	}
	st := protocol.PlaybackState{
		Position:  cmd.Position,
		Rate:      rate,
		UpdatedAt: time.Now().UnixMilli(),
	}
	switch t {
	case protocol.EvtPlaybackPlay:
		st.IsPlaying = true
	case protocol.EvtPlaybackPause:
		st.IsPlaying = false
	case protocol.EvtPlaybackSeek:
		st.IsPlaying = r.playback.IsPlaying
	default:
		r.mu.Unlock()
		return false
	}
	// UpdatedAt is monotone per room; never step backwards.
	if st.UpdatedAt < r.playback.UpdatedAt {
		st.UpdatedAt = r.playback.UpdatedAt
	}
	r.playback = st
	r.mu.Unlock()

	r.broadcast(protocol.EvtPlaybackSync, st)
	return true
}

// ApplyMediaChange swaps the shared media and resets playback in one
// broadcast, so no client applies an old position to the new media.
func (r *Room) ApplyMediaChange(id string, mc protocol.MediaChange) bool {
	r.mu.Lock()
	if r.closed || id != r.hostID {
		r.mu.Unlock()
		return false
	}
	now := time.Now().UnixMilli()
	if now < r.playback.UpdatedAt {
		now = r.playback.UpdatedAt
	}
	r.media = protocol.MediaInfo{URL: mc.URL, Type: mc.Type}
	r.playback = protocol.PlaybackState{Rate: 1.0, UpdatedAt: now}
	r.mu.Unlock()

	r.broadcast(protocol.EvtMediaChanged, struct {
		protocol.MediaInfo
		UpdatedAt int64 `json:"updated_at"`
	}{r.media, now})
	return true
}

// AppendChat assigns the id, the server timestamp, and the position in the
// log, then fans the message out. Channel order is the chat order.
func (r *Room) AppendChat(senderID, content string) {
	r.mu.Lock()
	m, ok := r.members[senderID]
	if !ok || r.closed || content == "" {
		r.mu.Unlock()
		return
	}
	msg := protocol.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: m.p.Name,
		Content:    content,
		SentAt:     time.Now().UnixMilli(),
	}
	r.chat = append(r.chat, msg)
	if len(r.chat) > chatHistoryCap {
		r.chat = r.chat[len(r.chat)-chatHistoryCap:]
	}
	r.mu.Unlock()

	r.broadcast(protocol.EvtChatMessage, msg)
}

// VoiceJoin marks the member voice-active and returns the roster the
// newcomer initiates against. Idempotent for an already-active member.
func (r *Room) VoiceJoin(id string) (*protocol.VoiceRoster, bool) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return nil, false
	}
	fresh := m.voice == nil
	if fresh {
		m.voice = &protocol.VoiceParticipant{
			ID:       id,
			Name:     m.p.Name,
			JoinedAt: r.stampLocked(),
		}
	}
	roster := &protocol.VoiceRoster{}
	for _, mm := range r.members {
		if mm.voice != nil {
			roster.Participants = append(roster.Participants, *mm.voice)
		}
	}
	joined := *m.voice
	r.mu.Unlock()

	if fresh {
		r.broadcastExcept(id, protocol.EvtVoiceJoined, protocol.VoiceJoined{Participant: joined})
	}
	return roster, true
}

func (r *Room) VoiceLeave(id string) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok || m.voice == nil {
		r.mu.Unlock()
		return
	}
	m.voice = nil
	r.mu.Unlock()
	r.broadcastExcept(id, protocol.EvtVoiceLeft, protocol.VoiceLeft{ID: id})
}

func (r *Room) VoiceMute(id string, muted bool) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok || m.voice == nil {
		r.mu.Unlock()
		return
	}
	m.voice.Muted = muted
	r.mu.Unlock()
	r.broadcastExcept(id, protocol.EvtVoiceMuted, protocol.VoiceMuted{ID: id, Muted: muted})
}

// Relay forwards an addressed signaling payload to one member, stamping the
// sender. The channel is the exclusive signaling transport.
func (r *Room) Relay(fromID, targetID string, t protocol.EventType, v any) {
	r.mu.RLock()
	target, ok := r.members[targetID]
	r.mu.RUnlock()
	if !ok {
		log.Warn().Str("module", "server.room").Str("target", targetID).Msg("relay target gone")
		return
	}
	r.sendTo(target, t, v)
}

// Close terminates the room: every member gets room.closed and the member
// set empties. Idempotent.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	members := r.members
	r.members = make(map[string]*member)
	r.hostID = ""
	r.mu.Unlock()

	data, err := protocol.Marshal(protocol.EvtRoomClosed, protocol.RoomClosed{Reason: reason})
	if err != nil {
		return
	}
	for _, m := range members {
		_ = m.conn.TrySend(data)
	}
	log.Info().Str("module", "server.room").Str("room", r.meta.ID).Str("reason", reason).Msg("room closed")
}

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Room) broadcast(t protocol.EventType, v any) {
	r.broadcastExcept("", t, v)
}

func (r *Room) broadcastExcept(exceptID string, t protocol.EventType, v any) {
	data, err := protocol.Marshal(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "server.room").Msg("broadcast marshal")
		return
	}
	r.mu.RLock()
	targets := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id == exceptID {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	for _, m := range targets {
		if err := m.conn.TrySend(data); err != nil {
			log.Warn().Str("module", "server.room").Str("id", m.p.ID).Msg("dropping frame for slow member")
		}
	}
}

func (r *Room) sendTo(m *member, t protocol.EventType, v any) {
	data, err := protocol.Marshal(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "server.room").Msg("send marshal")
		return
	}
	_ = m.conn.TrySend(data)
}

// SendTo delivers one envelope to one member by id.
func (r *Room) SendTo(id string, t protocol.EventType, v any) {
	r.mu.RLock()
	m, ok := r.members[id]
	r.mu.RUnlock()
	if ok {
		r.sendTo(m, t, v)
	}
}
