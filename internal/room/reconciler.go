// Package room maintains the local view of room membership and the host
// role. It is a pure reducer over channel events; it never performs I/O
// itself and asks for help through the resync callback when the server's
// story stops adding up.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/squidx232/watchparty/internal/protocol"
)

var ErrStaleHostState = errors.New("stale host state")

type SessionState string

const (
	StateConnecting   SessionState = "connecting"
	StateJoined       SessionState = "joined"
	StateDisconnected SessionState = "disconnected"
	StateReconnecting SessionState = "reconnecting"
	StateClosed       SessionState = "closed"
)

// Reconciler is the single writer of membership and role state. Other
// components only ever read the host flag and the participant list.
type Reconciler struct {
	log zerolog.Logger

	// RequestResync is invoked when the reconciler detects an inconsistent
	// host state and needs a fresh snapshot. Optional.
	RequestResync func()

	graceWindow time.Duration

	mu           sync.Mutex
	state        SessionState
	selfID       string
	room         protocol.RoomMetadata
	participants map[string]protocol.Participant
	hostID       string
	graceTimer   *time.Timer
}

func NewReconciler(log zerolog.Logger, graceWindow time.Duration) *Reconciler {
	return &Reconciler{
		log:          log.With().Str("module", "room").Logger(),
		graceWindow:  graceWindow,
		state:        StateConnecting,
		participants: make(map[string]protocol.Participant),
	}
}

func (r *Reconciler) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) SetState(s SessionState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reconciler) SelfID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfID
}

func (r *Reconciler) Room() protocol.RoomMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

func (r *Reconciler) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// IsHost reports whether the local participant currently holds the host
// role. Every outbound host-only command checks this at construction time.
func (r *Reconciler) IsHost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfID != "" && r.selfID == r.hostID
}

// Participants returns the membership sorted by join time.
func (r *Reconciler) Participants() []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ApplySnapshot replaces the participant set and role map wholesale. Any
// pending host-grace timer is void: the snapshot is the truth now.
func (r *Reconciler) ApplySnapshot(snap *protocol.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopGraceLocked()
	r.selfID = snap.SelfID
	r.room = snap.Room
	r.hostID = snap.HostID
	r.participants = make(map[string]protocol.Participant, len(snap.Participants))
	for _, p := range snap.Participants {
		p.Role = protocol.RoleGuest
		if p.ID == snap.HostID {
			p.Role = protocol.RoleHost
		}
		r.participants[p.ID] = p
	}
	r.state = StateJoined
	r.log.Debug().Int("participants", len(r.participants)).Str("host", r.hostID).Msg("snapshot applied")
}

// ApplyJoined inserts the participant if absent. Duplicate delivery of the
// same join is a no-op.
func (r *Reconciler) ApplyJoined(p protocol.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[p.ID]; ok {
		return
	}
	r.participants[p.ID] = p
	r.log.Debug().Str("id", p.ID).Str("name", p.Name).Msg("participant joined")
}

// ApplyLeft removes the participant. If the departed participant was the
// host, a grace timer starts: unless a host.changed arrives within the
// window, the reconciler asks for a defensive resync. A guest never
// self-promotes.
func (r *Reconciler) ApplyLeft(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; !ok {
		return
	}
	delete(r.participants, id)
	if id == r.hostID {
		r.hostID = ""
		r.startGraceLocked()
	}
	r.log.Debug().Str("id", id).Msg("participant left")
}

// ApplyHostChanged promotes the named participant and demotes everyone
// else in one state update. Consumers never observe zero or two hosts.
func (r *Reconciler) ApplyHostChanged(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopGraceLocked()
	r.hostID = hostID
	for id, p := range r.participants {
		role := protocol.RoleGuest
		if id == hostID {
			role = protocol.RoleHost
		}
		if p.Role != role {
			p.Role = role
			r.participants[id] = p
		}
	}
	r.log.Info().Str("host", hostID).Msg("host changed")
}

// ApplyRoomClosed is terminal for the session.
func (r *Reconciler) ApplyRoomClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopGraceLocked()
	r.state = StateClosed
}

func (r *Reconciler) startGraceLocked() {
	if r.graceTimer != nil || r.graceWindow <= 0 {
		return
	}
	r.graceTimer = time.AfterFunc(r.graceWindow, func() {
		r.mu.Lock()
		r.graceTimer = nil
		stale := r.hostID == "" && r.state == StateJoined
		cb := r.RequestResync
		r.mu.Unlock()
		if stale {
			r.log.Warn().Msg("host left without host.changed, requesting resync")
			if cb != nil {
				cb()
			}
		}
	})
}

func (r *Reconciler) stopGraceLocked() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}

// Close releases the reconciler's timer. Idempotent.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopGraceLocked()
	r.state = StateClosed
}
