package server

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidx232/watchparty/internal/protocol"
)

// fakeConn records every envelope a room pushes to one member.
type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (c *fakeConn) TrySend(data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ofType(t protocol.EventType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestFirstJoinerBecomesHost(t *testing.T) {
	r := NewRoom("movie night")
	a, b := &fakeConn{}, &fakeConn{}

	snapA, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	assert.Equal(t, "a", snapA.HostID)
	assert.Equal(t, "a", snapA.SelfID)

	snapB, err := r.Join("b", "bob", b)
	require.NoError(t, err)
	assert.Equal(t, "a", snapB.HostID)
	require.Len(t, snapB.Participants, 2)

	// Existing members saw the join broadcast.
	joins := a.ofType(protocol.EvtParticipantJoined)
	require.Len(t, joins, 1)
}

func TestNameConflictRejected(t *testing.T) {
	r := NewRoom("movie night")
	_, err := r.Join("a", "alice", &fakeConn{})
	require.NoError(t, err)

	_, err = r.Join("b", "alice", &fakeConn{})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestResumedJoinKeepsIdentityWithoutRebroadcast(t *testing.T) {
	r := NewRoom("movie night")
	a, b := &fakeConn{}, &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	_, err = r.Join("b", "bob", b)
	require.NoError(t, err)

	fresh := &fakeConn{}
	snap, err := r.Join("a", "alice", fresh)
	require.NoError(t, err)
	assert.Equal(t, "a", snap.SelfID)
	assert.Equal(t, "a", snap.HostID, "resume keeps the host role")
	assert.Empty(t, b.ofType(protocol.EvtParticipantJoined), "resume is not a new participant")
}

func TestStaleConnectionTeardownSparesResumedMember(t *testing.T) {
	r := NewRoom("movie night")
	old := &fakeConn{}
	_, err := r.Join("a", "alice", old)
	require.NoError(t, err)

	// Resume on a fresh connection; the pid now belongs to it.
	fresh := &fakeConn{}
	_, err = r.Join("a", "alice", fresh)
	require.NoError(t, err)

	// The abandoned socket finally errors out and tears down.
	r.Disconnect("a", old)

	assert.Equal(t, 1, r.MemberCount(), "the resumed member survives the stale teardown")
	assert.Equal(t, "a", r.HostID(), "no spurious host transfer")

	// Teardown from the owning connection removes the member.
	r.Disconnect("a", fresh)
	assert.Zero(t, r.MemberCount())
}

func TestJoinStampsAreStrictlyOrdered(t *testing.T) {
	r := NewRoom("movie night")
	var prev int64
	for _, id := range []string{"a", "b", "c", "d"} {
		snap, err := r.Join(id, "name-"+id, &fakeConn{})
		require.NoError(t, err)
		self := snap.Participants[len(snap.Participants)-1]
		for _, p := range snap.Participants {
			if p.ID == id {
				self = p
			}
		}
		assert.Greater(t, self.JoinedAt, prev, "same-millisecond joins must still order by arrival")
		prev = self.JoinedAt
	}
}

func TestHostLeaveTransfersToEarliestJoiner(t *testing.T) {
	r := NewRoom("movie night")
	b, c := &fakeConn{}, &fakeConn{}
	_, err := r.Join("a", "alice", &fakeConn{})
	require.NoError(t, err)
	_, err = r.Join("b", "bob", b)
	require.NoError(t, err)
	_, err = r.Join("c", "carol", c)
	require.NoError(t, err)

	r.Leave("a")

	assert.Equal(t, "b", r.HostID())
	for _, conn := range []*fakeConn{b, c} {
		changes := conn.ofType(protocol.EvtHostChanged)
		require.Len(t, changes, 1)
		var p protocol.HostChanged
		require.NoError(t, json.Unmarshal(changes[0].Data, &p))
		assert.Equal(t, "b", p.HostID)
	}
}

func TestGuestLeaveDoesNotChangeHost(t *testing.T) {
	r := NewRoom("movie night")
	a := &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	_, err = r.Join("b", "bob", &fakeConn{})
	require.NoError(t, err)

	r.Leave("b")

	assert.Equal(t, "a", r.HostID())
	assert.Empty(t, a.ofType(protocol.EvtHostChanged))
}

func TestPlaybackCommandRequiresHost(t *testing.T) {
	r := NewRoom("movie night")
	a := &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	_, err = r.Join("b", "bob", &fakeConn{})
	require.NoError(t, err)

	// The capability check sits server-side: a guest command is refused
	// even though nothing client-side stopped it from being sent.
	ok := r.ApplyPlayback("b", protocol.EvtPlaybackPlay, protocol.PlaybackCommand{Position: 10})
	assert.False(t, ok)
	assert.Empty(t, a.ofType(protocol.EvtPlaybackSync))

	ok = r.ApplyPlayback("a", protocol.EvtPlaybackPlay, protocol.PlaybackCommand{Position: 10, Rate: 1.0})
	assert.True(t, ok)
	syncs := a.ofType(protocol.EvtPlaybackSync)
	require.Len(t, syncs, 1)
	var st protocol.PlaybackState
	require.NoError(t, json.Unmarshal(syncs[0].Data, &st))
	assert.True(t, st.IsPlaying)
	assert.InDelta(t, 10.0, st.Position, 0.01)
	assert.NotZero(t, st.UpdatedAt)
}

func TestSeekKeepsPlayState(t *testing.T) {
	r := NewRoom("movie night")
	_, err := r.Join("a", "alice", &fakeConn{})
	require.NoError(t, err)

	require.True(t, r.ApplyPlayback("a", protocol.EvtPlaybackPlay, protocol.PlaybackCommand{Position: 5}))
	require.True(t, r.ApplyPlayback("a", protocol.EvtPlaybackSeek, protocol.PlaybackCommand{Position: 90}))

	snap := r.Snapshot("a")
	assert.True(t, snap.Playback.IsPlaying, "seek while playing stays playing")
	assert.InDelta(t, 90.0, snap.Playback.Position, 0.01)
}

func TestPlaybackUpdatedAtMonotone(t *testing.T) {
	r := NewRoom("movie night")
	_, err := r.Join("a", "alice", &fakeConn{})
	require.NoError(t, err)

	var last int64
	for i := 0; i < 5; i++ {
		require.True(t, r.ApplyPlayback("a", protocol.EvtPlaybackSeek, protocol.PlaybackCommand{Position: float64(i)}))
		st := r.Snapshot("a").Playback
		assert.GreaterOrEqual(t, st.UpdatedAt, last)
		last = st.UpdatedAt
	}
}

func TestMediaChangeResetsPlayback(t *testing.T) {
	r := NewRoom("movie night")
	a := &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	require.True(t, r.ApplyPlayback("a", protocol.EvtPlaybackPlay, protocol.PlaybackCommand{Position: 100}))

	require.True(t, r.ApplyMediaChange("a", protocol.MediaChange{URL: "http://example.com/b.mp4", Type: "video"}))

	snap := r.Snapshot("a")
	assert.False(t, snap.Playback.IsPlaying)
	assert.Zero(t, snap.Playback.Position)
	assert.Equal(t, "http://example.com/b.mp4", snap.Media.URL)

	changed := a.ofType(protocol.EvtMediaChanged)
	require.Len(t, changed, 1, "media identity and playback reset travel in one broadcast")
}

func TestChatAssignsIdsAndOrder(t *testing.T) {
	r := NewRoom("movie night")
	a, b := &fakeConn{}, &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	_, err = r.Join("b", "bob", b)
	require.NoError(t, err)

	r.AppendChat("a", "hi")
	r.AppendChat("b", "hello")
	r.AppendChat("a", "") // empty content is dropped

	for _, conn := range []*fakeConn{a, b} {
		msgs := conn.ofType(protocol.EvtChatMessage)
		require.Len(t, msgs, 2)
	}

	snap := r.Snapshot("a")
	require.Len(t, snap.ChatHistory, 2)
	assert.NotEmpty(t, snap.ChatHistory[0].ID)
	assert.Equal(t, "alice", snap.ChatHistory[0].SenderName)
	assert.Equal(t, "hi", snap.ChatHistory[0].Content)
	assert.NotEqual(t, snap.ChatHistory[0].ID, snap.ChatHistory[1].ID)
}

func TestVoiceJoinRosterAndBroadcast(t *testing.T) {
	r := NewRoom("movie night")
	a, b := &fakeConn{}, &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	_, err = r.Join("b", "bob", b)
	require.NoError(t, err)

	rosterA, ok := r.VoiceJoin("a")
	require.True(t, ok)
	require.Len(t, rosterA.Participants, 1)

	rosterB, ok := r.VoiceJoin("b")
	require.True(t, ok)
	require.Len(t, rosterB.Participants, 2)

	// Only the member already in the call hears about the newcomer.
	assert.Len(t, a.ofType(protocol.EvtVoiceJoined), 1)
	assert.Empty(t, b.ofType(protocol.EvtVoiceJoined))

	// Joining again does not rebroadcast.
	_, ok = r.VoiceJoin("b")
	require.True(t, ok)
	assert.Len(t, a.ofType(protocol.EvtVoiceJoined), 1)
}

func TestLeaveWhileInVoiceNotifiesRoster(t *testing.T) {
	r := NewRoom("movie night")
	a := &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	_, err = r.Join("b", "bob", &fakeConn{})
	require.NoError(t, err)
	_, ok := r.VoiceJoin("a")
	require.True(t, ok)
	_, ok = r.VoiceJoin("b")
	require.True(t, ok)

	r.Leave("b")

	assert.Len(t, a.ofType(protocol.EvtVoiceLeft), 1)
	assert.Len(t, a.ofType(protocol.EvtParticipantLeft), 1)
}

func TestRelayStampsSender(t *testing.T) {
	r := NewRoom("movie night")
	b := &fakeConn{}
	_, err := r.Join("a", "alice", &fakeConn{})
	require.NoError(t, err)
	_, err = r.Join("b", "bob", b)
	require.NoError(t, err)

	r.Relay("a", "b", protocol.EvtVoiceOffer, protocol.SessionSignal{From: "a", SDP: "sdp-blob"})

	offers := b.ofType(protocol.EvtVoiceOffer)
	require.Len(t, offers, 1)
	var sig protocol.SessionSignal
	require.NoError(t, json.Unmarshal(offers[0].Data, &sig))
	assert.Equal(t, "a", sig.From)
	assert.Equal(t, "sdp-blob", sig.SDP)
}

func TestCloseBroadcastsAndRejectsJoins(t *testing.T) {
	r := NewRoom("movie night")
	a, b := &fakeConn{}, &fakeConn{}
	_, err := r.Join("a", "alice", a)
	require.NoError(t, err)
	_, err = r.Join("b", "bob", b)
	require.NoError(t, err)

	r.Close("done")
	r.Close("again") // idempotent

	assert.Len(t, a.ofType(protocol.EvtRoomClosed), 1)
	assert.Len(t, b.ofType(protocol.EvtRoomClosed), 1)

	_, err = r.Join("c", "carol", &fakeConn{})
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestHubLifecycle(t *testing.T) {
	h := NewHub()
	room := h.Create("movie night")

	got, ok := h.Get(room.ID())
	require.True(t, ok)
	assert.Equal(t, room, got)
	assert.Len(t, h.List(), 1)

	require.True(t, h.CloseRoom(room.ID(), "done"))
	_, ok = h.Get(room.ID())
	assert.False(t, ok)
	assert.False(t, h.CloseRoom(room.ID(), "gone"))
}
