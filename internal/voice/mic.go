package voice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// MicrophoneSource is the local capture device. The coordinator owns it
// exclusively for the lifetime of the call; no other component reads it.
type MicrophoneSource interface {
	Track() webrtc.TrackLocal
	SetMuted(bool)
	Muted() bool
	Close()
}

// MicrophoneFactory acquires the device. Failure blocks entering the call
// and is surfaced to the user as recoverable; it never tears the room down.
type MicrophoneFactory func() (MicrophoneSource, error)

// SampleSource is a MicrophoneSource backed by a static Opus sample track.
// Capture hardware is outside the core; whatever reads the device pushes
// encoded samples through WriteSample. Muting drops samples locally, it
// never renegotiates.
type SampleSource struct {
	track *webrtc.TrackLocalStaticSample

	mu    sync.Mutex
	muted bool
}

func NewSampleSource(label string) (*SampleSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", label+"-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	return &SampleSource{track: track}, nil
}

func (s *SampleSource) Track() webrtc.TrackLocal { return s.track }

func (s *SampleSource) WriteSample(sample media.Sample) error {
	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	if muted {
		return nil
	}
	return s.track.WriteSample(sample)
}

func (s *SampleSource) SetMuted(m bool) {
	s.mu.Lock()
	s.muted = m
	s.mu.Unlock()
}

func (s *SampleSource) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *SampleSource) Close() {}
