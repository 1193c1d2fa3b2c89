// Package playback keeps a local media element within a bounded drift of
// the room's authoritative playback state. Only the host originates state
// changes; guests only ever correct toward the shared snapshot.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/squidx232/watchparty/internal/protocol"
)

var ErrNotHost = errors.New("not the host")

// DefaultDriftThreshold is the largest position drift, in seconds, that is
// left uncorrected. Below it a correction causes visible stutter for no
// perceptible gain; above it the engine snaps rather than ramps.
const DefaultDriftThreshold = 2.0

// guardWindow is how long after a corrective write the engine ignores
// control actions observed on the media surface, so its own seek does not
// echo back out as a host command. Explicit API commands bypass the guard.
const guardWindow = 100 * time.Millisecond

// MediaController is the play/pause/seek/position primitive the engine
// drives. The real media element lives outside the core.
type MediaController interface {
	Play() error
	Pause() error
	Seek(position float64) error
	SetRate(rate float64) error
	Position() float64
	Rate() float64
	Playing() bool
}

// Sender queues a channel event; the engine is otherwise I/O-free.
type Sender func(t protocol.EventType, v any) error

type Engine struct {
	log zerolog.Logger

	media  MediaController
	send   Sender
	isHost func() bool
	now    func() time.Time

	threshold float64

	mu         sync.Mutex
	state      protocol.PlaybackState
	mediaInfo  protocol.MediaInfo
	guardUntil time.Time
}

func NewEngine(log zerolog.Logger, media MediaController, send Sender, isHost func() bool) *Engine {
	return &Engine{
		log:       log.With().Str("module", "playback").Logger(),
		media:     media,
		send:      send,
		isHost:    isHost,
		now:       time.Now,
		threshold: DefaultDriftThreshold,
	}
}

// SetDriftThreshold overrides the default correction threshold (seconds).
func (e *Engine) SetDriftThreshold(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t > 0 {
		e.threshold = t
	}
}

// SetClock replaces the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) State() protocol.PlaybackState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Media() protocol.MediaInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mediaInfo
}

// Play originates a host play command from the local control surface.
// Non-host calls are rejected at construction, not merely disabled in a UI.
func (e *Engine) Play() error {
	return e.command(protocol.EvtPlaybackPlay, e.localPosition(), true)
}

func (e *Engine) Pause() error {
	return e.command(protocol.EvtPlaybackPause, e.localPosition(), false)
}

func (e *Engine) Seek(position float64) error {
	e.mu.Lock()
	playing := e.state.IsPlaying
	e.mu.Unlock()
	return e.command(protocol.EvtPlaybackSeek, position, playing)
}

func (e *Engine) localPosition() float64 {
	if e.media == nil {
		return 0
	}
	return e.media.Position()
}

// command builds and sends a host control action. An explicit call is a
// deliberate user action and is never swallowed; only the observation path
// below is subject to echo suppression.
func (e *Engine) command(t protocol.EventType, position float64, playing bool) error {
	if !e.isHost() {
		return ErrNotHost
	}
	e.mu.Lock()
	rate := e.state.Rate
	if rate == 0 {
		rate = 1.0
	}
	e.state = protocol.PlaybackState{
		IsPlaying: playing,
		Position:  position,
		Rate:      rate,
		UpdatedAt: e.now().UnixMilli(),
	}
	e.mu.Unlock()

	return e.send(t, protocol.PlaybackCommand{Position: position, Rate: rate})
}

// ObservePlay forwards a play action observed on the media surface itself
// (an element event, not an API call). Inside the guard window the action is
// this engine's own corrective write echoing back and is swallowed.
func (e *Engine) ObservePlay() error {
	if e.guarded() {
		return nil
	}
	return e.Play()
}

func (e *Engine) ObservePause() error {
	if e.guarded() {
		return nil
	}
	return e.Pause()
}

func (e *Engine) ObserveSeek(position float64) error {
	if e.guarded() {
		return nil
	}
	return e.Seek(position)
}

func (e *Engine) guarded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().Before(e.guardUntil)
}

// ChangeMedia is a host action that swaps the shared media and resets the
// playback state in the same message, so no guest can apply an old position
// to the new media.
func (e *Engine) ChangeMedia(url, mediaType string) error {
	if !e.isHost() {
		return ErrNotHost
	}
	e.mu.Lock()
	e.mediaInfo = protocol.MediaInfo{URL: url, Type: mediaType}
	e.state = protocol.PlaybackState{Rate: 1.0, UpdatedAt: e.now().UnixMilli()}
	e.mu.Unlock()
	return e.send(protocol.EvtMediaChange, protocol.MediaChange{URL: url, Type: mediaType})
}

// ApplySync ingests an authoritative playback snapshot. Stale snapshots
// (UpdatedAt going backwards) are dropped; the field is monotone within a
// session.
func (e *Engine) ApplySync(st protocol.PlaybackState) {
	e.mu.Lock()
	if st.UpdatedAt < e.state.UpdatedAt {
		e.mu.Unlock()
		return
	}
	e.state = st
	threshold := e.threshold
	e.mu.Unlock()

	if e.media == nil {
		return
	}

	expected := st.Position
	if st.IsPlaying {
		expected += e.now().Sub(time.UnixMilli(st.UpdatedAt)).Seconds() * rateOrOne(st.Rate)
	}

	local := e.media.Position()
	if drift := local - expected; drift > threshold || drift < -threshold {
		e.log.Debug().Float64("drift", drift).Float64("expected", expected).Msg("drift exceeded, snapping")
		e.correct(func() error { return e.media.Seek(expected) })
	}

	// Play/pause and rate reconcile independently of position.
	if st.IsPlaying != e.media.Playing() {
		if st.IsPlaying {
			e.correct(e.media.Play)
		} else {
			e.correct(e.media.Pause)
		}
	}
	if r := rateOrOne(st.Rate); r != e.media.Rate() {
		e.correct(func() error { return e.media.SetRate(r) })
	}
}

// ApplyMediaChanged resets the local playback snapshot atomically with the
// new media identity.
func (e *Engine) ApplyMediaChanged(m protocol.MediaInfo, updatedAt int64) {
	e.mu.Lock()
	e.mediaInfo = protocol.MediaInfo{URL: m.URL, Type: m.Type}
	e.state = protocol.PlaybackState{Rate: 1.0, UpdatedAt: updatedAt}
	e.mu.Unlock()

	if e.media == nil {
		return
	}
	e.correct(e.media.Pause)
	e.correct(func() error { return e.media.Seek(0) })
	e.correct(func() error { return e.media.SetRate(1.0) })
}

// correct performs a corrective write and arms the re-entrancy guard so the
// write is not observed as a fresh host action.
func (e *Engine) correct(fn func() error) {
	e.mu.Lock()
	e.guardUntil = e.now().Add(guardWindow)
	e.mu.Unlock()
	if err := fn(); err != nil {
		e.log.Error().Err(err).Msg("corrective write failed")
	}
}

func rateOrOne(r float64) float64 {
	if r <= 0 {
		return 1.0
	}
	return r
}
