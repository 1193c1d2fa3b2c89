// Package session owns one client's membership in one room. It is the only
// consumer of the channel event stream and fans events out to the pure
// reducers in room, playback, chat, and voice. All mutable state lives on
// the Session object; there are no package-level singletons, so a process
// can hold several room sessions and tear each down cleanly.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/squidx232/watchparty/internal/channel"
	"github.com/squidx232/watchparty/internal/chat"
	"github.com/squidx232/watchparty/internal/config"
	"github.com/squidx232/watchparty/internal/playback"
	"github.com/squidx232/watchparty/internal/protocol"
	"github.com/squidx232/watchparty/internal/room"
	"github.com/squidx232/watchparty/internal/voice"
)

var ErrRoomClosed = errors.New("room closed")

// Options carries the collaborator hooks a session needs from its embedder.
type Options struct {
	// Media is the local playback primitive. Optional; a nil controller
	// still tracks the shared state without driving an element.
	Media playback.MediaController
	// Microphone acquires local capture when the user enters the call.
	Microphone voice.MicrophoneFactory
	// OnRemoteTrack receives each voice peer's inbound audio.
	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
	// OnState observes connection state transitions (reconnect indicator).
	OnState func(channel.State)
	// OnChat observes each newly delivered chat message.
	OnChat func(protocol.ChatMessage)
	// OnClosed fires once when the session ends, with the terminal error:
	// nil after a local Leave, ErrRoomClosed when the room was closed, or
	// the channel's terminal failure.
	OnClosed func(err error)
	// Logger defaults to a disabled logger when unset.
	Logger *zerolog.Logger
}

type Session struct {
	cfg *config.Config
	log zerolog.Logger

	channel  *channel.Client
	rooms    *room.Reconciler
	playback *playback.Engine
	chatLog  *chat.Log
	voice    *voice.Coordinator

	onChat   func(protocol.ChatMessage)
	onClosed func(err error)

	mu          sync.Mutex
	closed      bool
	resyncing   bool
	resyncStop  chan struct{}
	terminalErr error

	done chan struct{}
}

// Join connects to the room and returns a live session once the join
// handshake settles. On a terminal rejection the returned error is a
// *channel.JoinError carrying the reason.
func Join(ctx context.Context, cfg *config.Config, roomID, name string, opts Options) (*Session, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Session{
		cfg:      cfg,
		log:      logger.With().Str("module", "session").Str("room", roomID).Logger(),
		chatLog:  chat.NewLog(),
		onChat:   opts.OnChat,
		onClosed: opts.OnClosed,
		done:     make(chan struct{}),
	}

	s.channel = channel.NewClient(cfg, logger)
	s.channel.OnState = func(st channel.State) {
		switch st {
		case channel.StateDisconnected:
			s.rooms.SetState(room.StateDisconnected)
		case channel.StateReconnecting:
			s.rooms.SetState(room.StateReconnecting)
		}
		if opts.OnState != nil {
			opts.OnState(st)
		}
	}

	s.rooms = room.NewReconciler(logger, cfg.HostGraceWindow)
	s.rooms.RequestResync = s.requestResync

	s.playback = playback.NewEngine(logger, opts.Media, s.channel.Send, s.rooms.IsHost)
	s.playback.SetDriftThreshold(cfg.DriftThreshold)

	snap, err := s.channel.Connect(ctx, roomID, name, "")
	if err != nil {
		return nil, err
	}

	mic := opts.Microphone
	if mic == nil {
		mic = func() (voice.MicrophoneSource, error) { return voice.NewSampleSource(name) }
	}
	s.voice = voice.NewCoordinator(logger, s.channel.Send, snap.SelfID, cfg.STUNServers, mic)
	s.voice.OnRemoteTrack = opts.OnRemoteTrack

	s.applySnapshot(snap)

	go s.run()
	return s, nil
}

// Accessors for the reducer states. Reads only; the session's event loop is
// the single writer.

func (s *Session) Participants() []protocol.Participant { return s.rooms.Participants() }
func (s *Session) SelfID() string                       { return s.rooms.SelfID() }
func (s *Session) IsHost() bool                         { return s.rooms.IsHost() }
func (s *Session) State() room.SessionState             { return s.rooms.State() }
func (s *Session) Playback() *playback.Engine           { return s.playback }
func (s *Session) Chat() *chat.Log                      { return s.chatLog }
func (s *Session) Voice() *voice.Coordinator            { return s.voice }
func (s *Session) Done() <-chan struct{}                { return s.done }

// Err returns the terminal error once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

// SendChat is fire-and-forget: no optimistic local insert, the message
// appears when the server echoes it back with its id and order.
func (s *Session) SendChat(content string) error {
	return s.channel.Send(protocol.EvtChatSend, protocol.ChatSend{Content: content})
}

// Leave ends the session locally. Idempotent.
func (s *Session) Leave() {
	s.shutdown(nil)
}

func (s *Session) run() {
	for env := range s.channel.Events() {
		s.dispatch(env)
	}
	// Channel terminated: either we left, or the retry budget ran out.
	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if !alreadyClosed {
		s.shutdown(channel.ErrConnectionLost)
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.EvtJoined, protocol.EvtRoomState:
		var snap protocol.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			s.log.Error().Err(err).Msg("bad snapshot")
			return
		}
		s.applySnapshot(&snap)

	case protocol.EvtParticipantJoined:
		var p protocol.ParticipantJoined
		if err := json.Unmarshal(env.Data, &p); err == nil {
			s.rooms.ApplyJoined(p.Participant)
		}

	case protocol.EvtParticipantLeft:
		var p protocol.ParticipantLeft
		if err := json.Unmarshal(env.Data, &p); err == nil {
			s.rooms.ApplyLeft(p.ID)
		}

	case protocol.EvtHostChanged:
		var p protocol.HostChanged
		if err := json.Unmarshal(env.Data, &p); err == nil {
			s.rooms.ApplyHostChanged(p.HostID)
			s.stopResync()
		}

	case protocol.EvtPlaybackSync:
		var st protocol.PlaybackState
		if err := json.Unmarshal(env.Data, &st); err == nil {
			s.playback.ApplySync(st)
		}

	case protocol.EvtMediaChanged:
		var p struct {
			protocol.MediaInfo
			UpdatedAt int64 `json:"updated_at"`
		}
		if err := json.Unmarshal(env.Data, &p); err == nil {
			s.playback.ApplyMediaChanged(p.MediaInfo, p.UpdatedAt)
		}

	case protocol.EvtChatMessage:
		var m protocol.ChatMessage
		if err := json.Unmarshal(env.Data, &m); err == nil {
			if s.chatLog.Append(m) && s.onChat != nil {
				s.onChat(m)
			}
		}

	case protocol.EvtChatHistory:
		var h protocol.ChatHistory
		if err := json.Unmarshal(env.Data, &h); err == nil {
			s.chatLog.ReplaceHistory(h.Messages)
		}

	case protocol.EvtVoiceRoster:
		var r protocol.VoiceRoster
		if err := json.Unmarshal(env.Data, &r); err == nil {
			s.voice.ApplyRoster(r.Participants)
		}

	case protocol.EvtVoiceJoined:
		var p protocol.VoiceJoined
		if err := json.Unmarshal(env.Data, &p); err == nil {
			s.voice.ApplyVoiceJoined(p.Participant)
		}

	case protocol.EvtVoiceLeft:
		var p protocol.VoiceLeft
		if err := json.Unmarshal(env.Data, &p); err == nil {
			s.voice.ApplyVoiceLeft(p.ID)
		}

	case protocol.EvtVoiceMuted:
		var p protocol.VoiceMuted
		if err := json.Unmarshal(env.Data, &p); err == nil {
			s.voice.ApplyMuted(p.ID, p.Muted)
		}

	case protocol.EvtVoiceOffer:
		var sig protocol.SessionSignal
		if err := json.Unmarshal(env.Data, &sig); err == nil {
			s.voice.ApplyOffer(sig.From, sig.SDP)
		}

	case protocol.EvtVoiceAnswer:
		var sig protocol.SessionSignal
		if err := json.Unmarshal(env.Data, &sig); err == nil {
			s.voice.ApplyAnswer(sig.From, sig.SDP)
		}

	case protocol.EvtVoiceCandidate:
		var sig protocol.CandidateSignal
		if err := json.Unmarshal(env.Data, &sig); err == nil {
			ci := webrtc.ICECandidateInit{
				Candidate:     sig.Candidate,
				SDPMid:        sig.SDPMid,
				SDPMLineIndex: sig.SDPMLineIndex,
			}
			s.voice.ApplyCandidate(sig.From, ci)
		}

	case protocol.EvtRoomClosed:
		s.rooms.ApplyRoomClosed()
		s.shutdown(ErrRoomClosed)

	default:
		s.log.Warn().Str("type", string(env.Type)).Msg("unknown event")
	}
}

// applySnapshot replaces every component's state wholesale. Used for the
// initial join, every reconnect, and defensive resyncs; nothing is merged.
func (s *Session) applySnapshot(snap *protocol.Snapshot) {
	s.stopResync()
	s.rooms.ApplySnapshot(snap)
	s.playback.ApplyMediaChanged(snap.Media, snap.Playback.UpdatedAt)
	s.playback.ApplySync(snap.Playback)
	s.chatLog.ReplaceHistory(snap.ChatHistory)
	if s.voice != nil && s.voice.InCall() {
		s.voice.ApplyRoster(snap.Voice)
	}
}

// requestResync runs the bounded defensive loop: ask for a fresh snapshot
// until the host state is consistent again or the budget runs out.
func (s *Session) requestResync() {
	s.mu.Lock()
	if s.closed || s.resyncing {
		s.mu.Unlock()
		return
	}
	s.resyncing = true
	stop := make(chan struct{})
	s.resyncStop = stop
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.resyncing = false
			s.mu.Unlock()
		}()
		for attempt := 1; attempt <= s.cfg.ResyncAttempts; attempt++ {
			if s.rooms.HostID() != "" {
				return
			}
			s.log.Warn().Int("attempt", attempt).Msg("defensive resync")
			if err := s.channel.Send(protocol.EvtSyncRequest, nil); err != nil {
				s.log.Error().Err(err).Msg("resync send failed")
			}
			select {
			case <-stop:
				return
			case <-time.After(s.cfg.ResyncInterval):
			}
		}
		s.log.Error().Msg("resync budget exhausted, host state stale")
		s.shutdown(room.ErrStaleHostState)
	}()
}

func (s *Session) stopResync() {
	s.mu.Lock()
	if s.resyncStop != nil {
		close(s.resyncStop)
		s.resyncStop = nil
	}
	s.mu.Unlock()
}

// shutdown is the single idempotent teardown pass: voice resources, the
// playback engine's authority, the reconciler's timer, and the transport
// all release here, in that order, exactly once.
func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.terminalErr = err
	if s.resyncStop != nil {
		close(s.resyncStop)
		s.resyncStop = nil
	}
	s.mu.Unlock()

	if s.voice != nil {
		s.voice.Close()
	}
	s.rooms.Close()
	s.channel.Leave()
	close(s.done)
	if s.onClosed != nil {
		s.onClosed(err)
	}
	s.log.Info().Err(err).Msg("session closed")
}
