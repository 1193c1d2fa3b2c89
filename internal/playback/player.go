package playback

import (
	"sync"
	"time"
)

// SimulatedPlayer is a MediaController with no media behind it: position
// advances with the wall clock while playing. Used by the headless CLI and
// by tests; a real embedder supplies its own element instead.
type SimulatedPlayer struct {
	mu       sync.Mutex
	playing  bool
	rate     float64
	position float64
	lastTick time.Time
	now      func() time.Time
}

func NewSimulatedPlayer() *SimulatedPlayer {
	return &SimulatedPlayer{rate: 1.0, now: time.Now}
}

// SetClock replaces the wall clock, for tests.
func (p *SimulatedPlayer) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	p.lastTick = now()
}

// settleLocked folds elapsed play time into the stored position.
func (p *SimulatedPlayer) settleLocked() {
	now := p.now()
	if p.playing {
		p.position += now.Sub(p.lastTick).Seconds() * p.rate
	}
	p.lastTick = now
}

func (p *SimulatedPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	p.playing = true
	return nil
}

func (p *SimulatedPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	p.playing = false
	return nil
}

func (p *SimulatedPlayer) Seek(position float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	p.position = position
	return nil
}

func (p *SimulatedPlayer) SetRate(rate float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	if rate > 0 {
		p.rate = rate
	}
	return nil
}

func (p *SimulatedPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	return p.position
}

func (p *SimulatedPlayer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

func (p *SimulatedPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
