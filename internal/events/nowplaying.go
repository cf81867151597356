package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/tphakala/aoa-go/internal/command"
)

// nullValue is what the device sends for a field it has no value for.
const nullValue = "null"

// NowPlayingSnapshot is a copy of the tracker state.
type NowPlayingSnapshot struct {
	Artist        string    `json:"artist"`
	Album         string    `json:"album"`
	Track         string    `json:"track"`
	Playing       bool      `json:"playing"`
	LastKind      string    `json:"last_kind,omitempty"`
	LastDirection string    `json:"last_direction,omitempty"`
	Navigations   uint64    `json:"navigations"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// NowPlaying tracks the latest metadata and playback state. A field whose
// value is "null" leaves the previous value in place.
type NowPlaying struct {
	mu    sync.RWMutex
	state NowPlayingSnapshot
	now   func() time.Time
}

func NewNowPlaying() *NowPlaying {
	return &NowPlaying{now: time.Now}
}

func (n *NowPlaying) OnNavigation(dir command.Direction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state.LastDirection = dir.String()
	n.state.Navigations++
	n.state.UpdatedAt = n.now()
}

func (n *NowPlaying) OnMetadata(artist, album, track string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	setUnlessNull(&n.state.Artist, artist)
	setUnlessNull(&n.state.Album, album)
	setUnlessNull(&n.state.Track, track)
	n.state.UpdatedAt = n.now()
}

func (n *NowPlaying) OnPlaybackState(kind command.PlaybackKind, playing string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state.LastKind = kind.String()
	if playing != nullValue {
		if b, err := strconv.ParseBool(playing); err == nil {
			n.state.Playing = b
		}
	}
	n.state.UpdatedAt = n.now()
}

// Snapshot returns a copy of the current state.
func (n *NowPlaying) Snapshot() NowPlayingSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func setUnlessNull(dst *string, v string) {
	if v != nullValue {
		*dst = v
	}
}
