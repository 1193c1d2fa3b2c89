// Package protocol defines the wire format of the room channel: one JSON
// envelope per message with a type discriminator, payloads below. Both the
// client core and the server speak exactly this.
package protocol

import "encoding/json"

type EventType string

// Client -> server.
const (
	EvtJoin          EventType = "join"
	EvtLeave         EventType = "leave"
	EvtSyncRequest   EventType = "sync.request"
	EvtChatSend      EventType = "chat.send"
	EvtPlaybackPlay  EventType = "playback.play"
	EvtPlaybackPause EventType = "playback.pause"
	EvtPlaybackSeek  EventType = "playback.seek"
	EvtMediaChange   EventType = "media.change"
	EvtVoiceJoin     EventType = "voice.join"
	EvtVoiceLeave    EventType = "voice.leave"
	EvtVoiceMute     EventType = "voice.mute"
)

// Server -> client.
const (
	EvtJoined            EventType = "joined"
	EvtJoinError         EventType = "join.error"
	EvtRoomState         EventType = "room.state"
	EvtParticipantJoined EventType = "participant.joined"
	EvtParticipantLeft   EventType = "participant.left"
	EvtHostChanged       EventType = "host.changed"
	EvtPlaybackSync      EventType = "playback.sync"
	EvtMediaChanged      EventType = "media.changed"
	EvtChatMessage       EventType = "chat.message"
	EvtChatHistory       EventType = "chat.history"
	EvtVoiceRoster       EventType = "voice.participants"
	EvtVoiceJoined       EventType = "voice.participant.joined"
	EvtVoiceLeft         EventType = "voice.participant.left"
	EvtVoiceMuted        EventType = "voice.participant.muted"
	EvtRoomClosed        EventType = "room.closed"
)

// Relayed both directions: Target is set by the sender, From by the relay.
const (
	EvtVoiceOffer     EventType = "voice.offer"
	EvtVoiceAnswer    EventType = "voice.answer"
	EvtVoiceCandidate EventType = "voice.candidate"
)

type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Marshal wraps a payload into an envelope and encodes it.
func Marshal(t EventType, v any) ([]byte, error) {
	env := Envelope{Type: t}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	JoinedAt int64  `json:"joined_at"` // unix ms
}

// PlaybackState is the whole-snapshot shared playback position. It is always
// replaced, never patched field by field.
type PlaybackState struct {
	IsPlaying bool    `json:"is_playing"`
	Position  float64 `json:"position"` // seconds
	Rate      float64 `json:"rate"`
	UpdatedAt int64   `json:"updated_at"` // unix ms wall clock
}

type MediaInfo struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	SentAt     int64  `json:"sent_at"` // unix ms, server clock
}

type VoiceParticipant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Muted    bool   `json:"muted"`
	JoinedAt int64  `json:"joined_at"` // unix ms, voice join order
}

type RoomMetadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

type JoinRequest struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// Snapshot is the authoritative full room state sent on every (re)join and
// on sync.request. Consumers replace local state with it wholesale.
type Snapshot struct {
	Room         RoomMetadata       `json:"room"`
	SelfID       string             `json:"self_id"`
	ResumeToken  string             `json:"resume_token,omitempty"`
	Participants []Participant      `json:"participants"`
	HostID       string             `json:"host_id"`
	Playback     PlaybackState      `json:"playback"`
	Media        MediaInfo          `json:"media"`
	ChatHistory  []ChatMessage      `json:"chat_history"`
	Voice        []VoiceParticipant `json:"voice"`
}

type JoinReason string

const (
	ReasonRoomNotFound JoinReason = "room_not_found"
	ReasonRoomClosed   JoinReason = "room_closed"
	ReasonNameConflict JoinReason = "name_conflict"
	ReasonRejected     JoinReason = "rejected"
)

type JoinErrorPayload struct {
	Reason  JoinReason `json:"reason"`
	Message string     `json:"message,omitempty"`
}

type ParticipantJoined struct {
	Participant Participant `json:"participant"`
}

type ParticipantLeft struct {
	ID string `json:"id"`
}

type HostChanged struct {
	HostID string `json:"host_id"`
}

type ChatSend struct {
	Content string `json:"content"`
}

type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
}

// PlaybackCommand is a host control action. Position is the position the
// action applies at; Rate rides along so the sync stays a full snapshot.
type PlaybackCommand struct {
	Position float64 `json:"position"`
	Rate     float64 `json:"rate"`
}

type MediaChange struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type VoiceRoster struct {
	Participants []VoiceParticipant `json:"participants"`
}

type VoiceJoined struct {
	Participant VoiceParticipant `json:"participant"`
}

type VoiceLeft struct {
	ID string `json:"id"`
}

type VoiceMute struct {
	Muted bool `json:"muted"`
}

type VoiceMuted struct {
	ID    string `json:"id"`
	Muted bool   `json:"muted"`
}

// SessionSignal carries an SDP offer or answer between two peers. The relay
// fills From before delivering.
type SessionSignal struct {
	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`
	SDP    string `json:"sdp"`
}

type CandidateSignal struct {
	Target        string  `json:"target,omitempty"`
	From          string  `json:"from,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type RoomClosed struct {
	Reason string `json:"reason,omitempty"`
}
