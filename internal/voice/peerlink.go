package voice

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrLinkClosed    = errors.New("peer link closed")
	ErrNoRemoteOffer = errors.New("no remote offer applied")
)

type LinkRole string

const (
	RoleInitiator LinkRole = "initiator"
	RoleResponder LinkRole = "responder"
)

type LinkState string

const (
	LinkIdle        LinkState = "idle"
	LinkNegotiating LinkState = "negotiating"
	LinkConnected   LinkState = "connected"
	LinkClosed      LinkState = "closed"
	LinkFailed      LinkState = "failed"
)

// PeerLink is one point-to-point media connection to one other voice
// participant. Candidates arriving before the remote description exists are
// buffered, never dropped; they flush the moment the description lands.
type PeerLink struct {
	remoteID string
	role     LinkRole
	log      zerolog.Logger

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(remoteID string, track *webrtc.TrackRemote)
	onFailed func(remoteID string)

	mu        sync.Mutex
	state     LinkState
	pc        *webrtc.PeerConnection
	pending   []webrtc.ICECandidateInit
	hasRemote bool
}

func newPeerLink(remoteID string, role LinkRole, log zerolog.Logger) *PeerLink {
	return &PeerLink{
		remoteID: remoteID,
		role:     role,
		state:    LinkIdle,
		log:      log.With().Str("module", "voice.link").Str("peer", remoteID).Logger(),
	}
}

func (pl *PeerLink) RemoteID() string { return pl.remoteID }
func (pl *PeerLink) Role() LinkRole   { return pl.role }

func (pl *PeerLink) State() LinkState {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

// start creates the underlying connection and attaches the local track.
// Idempotent: a link that already has a connection keeps it.
func (pl *PeerLink) start(cfg webrtc.Configuration, local webrtc.TrackLocal) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == LinkClosed || pl.state == LinkFailed {
		return ErrLinkClosed
	}
	if pl.pc != nil {
		return nil
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return err
	}
	if local != nil {
		if _, err := pc.AddTrack(local); err != nil {
			pc.Close()
			return err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && pl.onICE != nil {
			pl.onICE(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pl.log.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		if pl.onTrack != nil {
			pl.onTrack(pl.remoteID, track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		pl.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			pl.mu.Lock()
			if pl.state == LinkNegotiating {
				pl.state = LinkConnected
			}
			pl.mu.Unlock()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			pl.mu.Lock()
			already := pl.state == LinkClosed || pl.state == LinkFailed
			if !already {
				pl.state = LinkFailed
			}
			pl.mu.Unlock()
			if !already && pl.onFailed != nil {
				pl.onFailed(pl.remoteID)
			}
		}
	})

	pl.pc = pc
	pl.state = LinkNegotiating
	return nil
}

// CreateOffer builds the local offer for an initiator link.
func (pl *PeerLink) CreateOffer() (string, error) {
	pl.mu.Lock()
	pc := pl.pc
	pl.mu.Unlock()
	if pc == nil {
		return "", ErrLinkClosed
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// ApplyOffer applies the remote offer on a responder link, flushes any
// buffered candidates, and returns the local answer.
func (pl *PeerLink) ApplyOffer(sdp string) (string, error) {
	pl.mu.Lock()
	pc := pl.pc
	pl.mu.Unlock()
	if pc == nil {
		return "", ErrLinkClosed
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	pl.flushPending(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// ApplyAnswer applies the remote answer on an initiator link and flushes
// buffered candidates.
func (pl *PeerLink) ApplyAnswer(sdp string) error {
	pl.mu.Lock()
	pc := pl.pc
	pl.mu.Unlock()
	if pc == nil {
		return ErrLinkClosed
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	pl.flushPending(pc)
	return nil
}

// AddCandidate applies a relayed candidate, or buffers it if the link has
// no remote description yet (out-of-order delivery is routine).
func (pl *PeerLink) AddCandidate(ci webrtc.ICECandidateInit) error {
	pl.mu.Lock()
	if pl.state == LinkClosed || pl.state == LinkFailed {
		pl.mu.Unlock()
		return ErrLinkClosed
	}
	if pl.pc == nil || !pl.hasRemote {
		pl.pending = append(pl.pending, ci)
		pl.mu.Unlock()
		return nil
	}
	pc := pl.pc
	pl.mu.Unlock()
	return pc.AddICECandidate(ci)
}

func (pl *PeerLink) flushPending(pc *webrtc.PeerConnection) {
	pl.mu.Lock()
	pl.hasRemote = true
	pending := pl.pending
	pl.pending = nil
	pl.mu.Unlock()
	for _, ci := range pending {
		if err := pc.AddICECandidate(ci); err != nil {
			pl.log.Error().Err(err).Msg("buffered candidate rejected")
		}
	}
}

// Close releases the connection. Idempotent; a failed link stays failed.
func (pl *PeerLink) Close() {
	pl.mu.Lock()
	if pl.state == LinkClosed {
		pl.mu.Unlock()
		return
	}
	if pl.state != LinkFailed {
		pl.state = LinkClosed
	}
	pc := pl.pc
	pl.pc = nil
	pl.pending = nil
	pl.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			pl.log.Error().Err(err).Msg("close error")
		}
	}
}
