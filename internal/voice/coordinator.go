// Package voice orchestrates the full-mesh audio call: one PeerLink per
// other voice-active participant, negotiated purely over the room channel.
// Role assignment is deterministic from voice join order; the later joiner
// always initiates, so no glare-resolution handshake is needed.
package voice

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/squidx232/watchparty/internal/protocol"
)

// Sender queues a channel event.
type Sender func(t protocol.EventType, v any) error

// Coordinator owns the local microphone and every PeerLink. Membership of
// the mesh tracks the voice roster events; per-peer failures are silent at
// the room level.
type Coordinator struct {
	log    zerolog.Logger
	send   Sender
	selfID string
	rtcCfg webrtc.Configuration
	newMic MicrophoneFactory

	// OnRemoteTrack, if set, receives each peer's inbound audio track.
	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote)

	mu     sync.Mutex
	joined bool
	closed bool
	mic    MicrophoneSource
	roster map[string]protocol.VoiceParticipant
	links  map[string]*PeerLink
}

func NewCoordinator(log zerolog.Logger, send Sender, selfID string, stunServers []string, newMic MicrophoneFactory) *Coordinator {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &Coordinator{
		log:    log.With().Str("module", "voice").Logger(),
		send:   send,
		selfID: selfID,
		rtcCfg: cfg,
		newMic: newMic,
		roster: make(map[string]protocol.VoiceParticipant),
		links:  make(map[string]*PeerLink),
	}
}

func (c *Coordinator) InCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Roster returns the current voice participants.
func (c *Coordinator) Roster() []protocol.VoiceParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.VoiceParticipant, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	return out
}

// Links returns a snapshot of the active peer links, keyed by remote id.
func (c *Coordinator) Links() map[string]*PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*PeerLink, len(c.links))
	for id, l := range c.links {
		out[id] = l
	}
	return out
}

// JoinCall acquires the microphone and announces the local participant.
// The server answers with the roster; link setup happens there.
func (c *Coordinator) JoinCall() error {
	c.mu.Lock()
	if c.closed || c.joined {
		c.mu.Unlock()
		return nil
	}
	mic, err := c.newMic()
	if err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("microphone acquisition failed")
		return err
	}
	c.mic = mic
	c.joined = true
	c.mu.Unlock()

	return c.send(protocol.EvtVoiceJoin, nil)
}

// LeaveCall stops capture, closes every owned link, and announces the
// departure. Safe to call when not in the call.
func (c *Coordinator) LeaveCall() error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	c.teardownLocked()
	c.mu.Unlock()

	return c.send(protocol.EvtVoiceLeave, nil)
}

// SetMuted toggles the local track and notifies the room. Never triggers
// renegotiation.
func (c *Coordinator) SetMuted(muted bool) error {
	c.mu.Lock()
	if !c.joined || c.mic == nil {
		c.mu.Unlock()
		return nil
	}
	c.mic.SetMuted(muted)
	c.mu.Unlock()
	return c.send(protocol.EvtVoiceMute, protocol.VoiceMute{Muted: muted})
}

// initiates decides the negotiation role against one other participant:
// the later voice joiner initiates, the earlier responds, with the id as a
// stable tie-break. Both sides compute the same answer, which is the whole
// de-duplication mechanism.
func (c *Coordinator) initiates(self, other protocol.VoiceParticipant) bool {
	if self.JoinedAt != other.JoinedAt {
		return self.JoinedAt > other.JoinedAt
	}
	return self.ID > other.ID
}

// ApplyRoster ingests the roster answer to our own voice join. For every
// peer we are the later joiner of, open an initiator link and send the
// offer.
func (c *Coordinator) ApplyRoster(roster []protocol.VoiceParticipant) {
	c.mu.Lock()
	if c.closed || !c.joined {
		c.mu.Unlock()
		return
	}
	c.roster = make(map[string]protocol.VoiceParticipant, len(roster))
	for _, p := range roster {
		c.roster[p.ID] = p
	}
	// The roster replaces, it never merges: links to peers the server no
	// longer lists are dead and close now, not at ICE failure.
	var stale []*PeerLink
	for id, link := range c.links {
		if _, ok := c.roster[id]; !ok {
			stale = append(stale, link)
			delete(c.links, id)
		}
	}
	self, ok := c.roster[c.selfID]
	if !ok {
		c.mu.Unlock()
		for _, link := range stale {
			link.Close()
		}
		c.log.Warn().Msg("roster missing self")
		return
	}
	var initiate []protocol.VoiceParticipant
	for _, p := range roster {
		if p.ID == c.selfID {
			continue
		}
		if _, exists := c.links[p.ID]; exists {
			continue
		}
		if c.initiates(self, p) {
			initiate = append(initiate, p)
		} else {
			c.links[p.ID] = c.newLinkLocked(p.ID, RoleResponder)
		}
	}
	for _, p := range initiate {
		c.links[p.ID] = c.newLinkLocked(p.ID, RoleInitiator)
	}
	local := c.localTrackLocked()
	links := make([]*PeerLink, 0, len(initiate))
	for _, p := range initiate {
		links = append(links, c.links[p.ID])
	}
	c.mu.Unlock()

	for _, link := range stale {
		link.Close()
	}
	for _, link := range links {
		c.negotiate(link, local)
	}
}

func (c *Coordinator) negotiate(link *PeerLink, local webrtc.TrackLocal) {
	if err := link.start(c.rtcCfg, local); err != nil {
		c.log.Error().Err(err).Str("peer", link.RemoteID()).Msg("link start failed")
		c.dropLink(link.RemoteID())
		return
	}
	sdp, err := link.CreateOffer()
	if err != nil {
		c.log.Error().Err(err).Str("peer", link.RemoteID()).Msg("offer failed")
		c.dropLink(link.RemoteID())
		return
	}
	if err := c.send(protocol.EvtVoiceOffer, protocol.SessionSignal{Target: link.RemoteID(), SDP: sdp}); err != nil {
		c.log.Error().Err(err).Str("peer", link.RemoteID()).Msg("offer send failed")
	}
}

// ApplyVoiceJoined registers a newcomer. We were here first, so we respond:
// the link opens in responder role and waits for the newcomer's offer.
// Duplicate delivery of an already-known peer is a no-op.
func (c *Coordinator) ApplyVoiceJoined(p protocol.VoiceParticipant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.roster[p.ID] = p
	if !c.joined || p.ID == c.selfID {
		return
	}
	if _, exists := c.links[p.ID]; exists {
		return
	}
	c.links[p.ID] = c.newLinkLocked(p.ID, RoleResponder)
}

// ApplyOffer answers a remote offer. A missing link means the joined event
// has not arrived yet; create the responder link on the spot.
func (c *Coordinator) ApplyOffer(fromID, sdp string) {
	c.mu.Lock()
	if c.closed || !c.joined {
		c.mu.Unlock()
		return
	}
	link, ok := c.links[fromID]
	if !ok {
		link = c.newLinkLocked(fromID, RoleResponder)
		c.links[fromID] = link
	}
	local := c.localTrackLocked()
	c.mu.Unlock()

	if link.Role() != RoleResponder {
		// Our role rule says this peer should be answering us, not
		// offering. Stale signal from a dead negotiation; ignore it.
		c.log.Warn().Str("peer", fromID).Msg("offer on initiator link ignored")
		return
	}
	if err := link.start(c.rtcCfg, local); err != nil {
		c.log.Error().Err(err).Str("peer", fromID).Msg("link start failed")
		c.dropLink(fromID)
		return
	}
	answer, err := link.ApplyOffer(sdp)
	if err != nil {
		c.log.Error().Err(err).Str("peer", fromID).Msg("apply offer failed")
		c.dropLink(fromID)
		return
	}
	if err := c.send(protocol.EvtVoiceAnswer, protocol.SessionSignal{Target: fromID, SDP: answer}); err != nil {
		c.log.Error().Err(err).Str("peer", fromID).Msg("answer send failed")
	}
}

// ApplyAnswer completes a negotiation we initiated.
func (c *Coordinator) ApplyAnswer(fromID, sdp string) {
	c.mu.Lock()
	link, ok := c.links[fromID]
	closed := c.closed
	c.mu.Unlock()
	if closed || !ok {
		return
	}
	if err := link.ApplyAnswer(sdp); err != nil {
		c.log.Error().Err(err).Str("peer", fromID).Msg("apply answer failed")
		c.dropLink(fromID)
	}
}

// ApplyCandidate relays one ICE candidate into the right link, buffering
// when it outruns the offer.
func (c *Coordinator) ApplyCandidate(fromID string, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.closed || !c.joined {
		c.mu.Unlock()
		return
	}
	link, ok := c.links[fromID]
	if !ok {
		// Candidate beat both the joined event and the offer. Park it on a
		// fresh responder link.
		link = c.newLinkLocked(fromID, RoleResponder)
		c.links[fromID] = link
	}
	c.mu.Unlock()

	if err := link.AddCandidate(ci); err != nil {
		c.log.Error().Err(err).Str("peer", fromID).Msg("add candidate failed")
	}
}

// ApplyVoiceLeft removes the roster entry and closes our side of the link.
func (c *Coordinator) ApplyVoiceLeft(id string) {
	c.mu.Lock()
	delete(c.roster, id)
	link, ok := c.links[id]
	delete(c.links, id)
	c.mu.Unlock()
	if ok {
		link.Close()
	}
}

func (c *Coordinator) ApplyMuted(id string, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.roster[id]; ok {
		p.Muted = muted
		c.roster[id] = p
	}
}

// Close is the single teardown routine: microphone, every link, all state.
// Idempotent and safe at any suspension point; in-flight negotiation
// callbacks see closed and drop their results.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.joined = false
	c.teardownLocked()
	c.mu.Unlock()
}

func (c *Coordinator) teardownLocked() {
	if c.mic != nil {
		c.mic.Close()
		c.mic = nil
	}
	links := c.links
	c.links = make(map[string]*PeerLink)
	c.roster = make(map[string]protocol.VoiceParticipant)
	for _, l := range links {
		l.Close()
	}
}

func (c *Coordinator) localTrackLocked() webrtc.TrackLocal {
	if c.mic == nil {
		return nil
	}
	return c.mic.Track()
}

func (c *Coordinator) newLinkLocked(remoteID string, role LinkRole) *PeerLink {
	link := newPeerLink(remoteID, role, c.log)
	link.onICE = func(ci webrtc.ICECandidateInit) {
		sig := protocol.CandidateSignal{
			Target:        remoteID,
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		}
		if err := c.send(protocol.EvtVoiceCandidate, sig); err != nil {
			c.log.Error().Err(err).Str("peer", remoteID).Msg("candidate send failed")
		}
	}
	link.onTrack = func(id string, track *webrtc.TrackRemote) {
		if c.OnRemoteTrack != nil {
			c.OnRemoteTrack(id, track)
		}
	}
	link.onFailed = func(id string) {
		// Torn down, not retried. A fresh negotiation only happens on a
		// new voice join for this peer.
		c.log.Warn().Str("peer", id).Msg("link failed, tearing down")
		c.dropLink(id)
	}
	return link
}

func (c *Coordinator) dropLink(id string) {
	c.mu.Lock()
	link, ok := c.links[id]
	delete(c.links, id)
	c.mu.Unlock()
	if ok {
		link.Close()
	}
}
