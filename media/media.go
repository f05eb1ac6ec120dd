// Package media abstracts local device acquisition and stream handles so the
// call core never talks to capture hardware directly.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/callsig/model"
	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied  = errors.New("device access was denied")
	ErrDeviceUnavailable = errors.New("no matching capture device")
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a single audio or video track handle.
// SetEnabled flips the live/muted flag without renegotiation.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()

	// Local returns the sendable form of this track,
	// or nil for receive-only handles.
	Local() webrtc.TrackLocal
}

// Stream is an ordered set of tracks with shared lifetime.
type Stream interface {
	Tracks() []Track
	AudioTracks() []Track
	VideoTracks() []Track
	Close()
}

// Acquirer obtains local capture streams.
// Microphone is always requested; camera only for video calls.
type Acquirer interface {
	Acquire(ctx context.Context, kind model.CallKind) (Stream, error)
}

// TrackSet is the Stream implementation used throughout:
// capture fills it with local tracks, negotiation fills it with remote ones.
type TrackSet struct {
	mu     sync.RWMutex
	tracks []Track
}

func NewTrackSet(tracks ...Track) *TrackSet {
	return &TrackSet{tracks: tracks}
}

func (ts *TrackSet) Add(t Track) {
	ts.mu.Lock()
	ts.tracks = append(ts.tracks, t)
	ts.mu.Unlock()
}

func (ts *TrackSet) Tracks() []Track {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]Track, len(ts.tracks))
	copy(out, ts.tracks)
	return out
}

func (ts *TrackSet) AudioTracks() []Track { return ts.byKind(TrackAudio) }

func (ts *TrackSet) VideoTracks() []Track { return ts.byKind(TrackVideo) }

func (ts *TrackSet) byKind(k TrackKind) []Track {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	var out []Track
	for _, t := range ts.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

func (ts *TrackSet) Close() {
	for _, t := range ts.Tracks() {
		t.Stop()
	}
}
