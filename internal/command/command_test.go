package command

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/transport"
	"github.com/tphakala/aoa-go/internal/transport/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testLog = logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, nil)

// recorder is an EventSink remembering every call as an Event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnNavigation(dir Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := EventNextSlide
	if dir == DirectionPrev {
		t = EventPrevSlide
	}
	r.events = append(r.events, Event{Type: t})
}

func (r *recorder) OnMetadata(artist, album, track string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: EventMetadataUpdate, Artist: artist, Album: album, Track: track})
}

func (r *recorder) OnPlaybackState(kind PlaybackKind, playing string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: stateEvent(kind), Playing: playing})
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

const queenFrame = "com.android.music.metachanged/Queen/A Night at the Opera/Bohemian Rhapsody/true"

func TestDecodeMetadataBroadcast(t *testing.T) {
	t.Parallel()

	events, err := NewDecoder(DefaultFieldLength).Decode([]byte(queenFrame + "\x00"))
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Type: EventMetadataUpdate, Artist: "Queen", Album: "A Night at the Opera", Track: "Bohemian Rhapsody"},
		{Type: EventMetaChanged, Playing: "true"},
	}, events)
}

func TestDecodeBroadcastKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action string
		want   EventType
	}{
		{"com.android.music.playstatechanged", EventPlaystateChanged},
		{"com.android.music.metachanged", EventMetaChanged},
		{"com.android.music.queuechanged", EventQueueChanged},
		{"com.android.music.playbackcomplete", EventPlaybackComplete},
	}

	d := NewDecoder(DefaultFieldLength)
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			t.Parallel()
			events, err := d.Decode([]byte(tt.action + "/a/b/c/false"))
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, EventMetadataUpdate, events[0].Type)
			assert.Equal(t, tt.want, events[1].Type)
			assert.Equal(t, "false", events[1].Playing)
		})
	}
}

func TestDecodeMatchesOnPrefixOnly(t *testing.T) {
	t.Parallel()

	// only the first 23 bytes of the action are compared
	events, err := NewDecoder(DefaultFieldLength).Decode([]byte("com.android.music.metacXYZ/x/y/z/true"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventMetaChanged, events[1].Type)
}

func TestDecodeNavigation(t *testing.T) {
	t.Parallel()

	d := NewDecoder(DefaultFieldLength)

	events, err := d.Decode([]byte("next"))
	require.NoError(t, err)
	assert.Equal(t, []Event{{Type: EventNextSlide}}, events)

	events, err = d.Decode([]byte("prev\x00\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, []Event{{Type: EventPrevSlide}}, events)

	events, err = d.Decode([]byte("nextt"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeUnknownFrame(t *testing.T) {
	t.Parallel()

	for _, frame := range []string{"foo", "", "com.android.music", "org.example.something.else/a/b/c/d"} {
		events, err := NewDecoder(DefaultFieldLength).Decode([]byte(frame))
		require.NoError(t, err, "frame %q", frame)
		assert.Empty(t, events, "frame %q", frame)
	}
}

func TestDecodeMalformedBroadcast(t *testing.T) {
	t.Parallel()

	d := NewDecoder(DefaultFieldLength)

	_, err := d.Decode([]byte("com.android.music.metachanged"))
	require.ErrorIs(t, err, ErrProtocolViolation)

	_, err = d.Decode([]byte("com.android.music.metachanged/Queen/Album"))
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecodeBoundsFields(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 150)
	frame := "com.android.music.playstatechanged/" + long + "/album/track/falsetrue/extra"

	events, err := NewDecoder(DefaultFieldLength).Decode([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Len(t, events[0].Artist, DefaultFieldLength)
	assert.Equal(t, "album", events[0].Album)
	assert.Equal(t, "false", events[1].Playing)
}

func TestDecodeBoundsFieldsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 99 ASCII bytes followed by a two-byte rune straddling the limit.
	artist := strings.Repeat("a", DefaultFieldLength-1) + "é" + "b"
	// Three-byte runes: the limit of 100 falls inside the 34th rune.
	album := strings.Repeat("€", 40)
	frame := "com.android.music.metachanged/" + artist + "/" + album + "/Track/true"

	events, err := NewDecoder(DefaultFieldLength).Decode([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, strings.Repeat("a", DefaultFieldLength-1), events[0].Artist)
	assert.Equal(t, strings.Repeat("€", 33), events[0].Album)
	assert.True(t, utf8.ValidString(events[0].Artist))
	assert.True(t, utf8.ValidString(events[0].Album))
}

func TestBoundedKeepsInvalidBytesBounded(t *testing.T) {
	t.Parallel()

	// A run of stray continuation bytes backs off at most three bytes.
	field := append([]byte("ab"), 0x80, 0x80, 0x80, 0x80, 0x80)
	assert.Equal(t, "ab\x80", bounded(field, 6))
	assert.Equal(t, "short", bounded([]byte("short"), 10))
}

func TestDecodeKeepsEmptyFields(t *testing.T) {
	t.Parallel()

	events, err := NewDecoder(DefaultFieldLength).Decode([]byte("com.android.music.queuechanged/null//Track/"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "null", events[0].Artist)
	assert.Empty(t, events[0].Album)
	assert.Equal(t, "Track", events[0].Track)
	assert.Empty(t, events[1].Playing)
}

func TestPlaybackKindAction(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "com.android.music.queuechanged", KindQueueChanged.Action())
	assert.Equal(t, "playback_complete", KindPlaybackComplete.String())
	assert.Empty(t, PlaybackKind(9).Action())
}

// scriptedBulk returns each frame once, then cancels and times out.
func scriptedBulk(cancel context.CancelFunc, frames ...[]byte) mock.BulkFunc {
	var mu sync.Mutex
	return func(ep uint8, data []byte, timeout time.Duration) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(frames) == 0 {
			cancel()
			return 0, transport.NewError("bulk-in", transport.CodeTimeout, nil)
		}
		n := copy(data, frames[0])
		frames = frames[1:]
		return n, nil
	}
}

func testConfig() Config {
	return Config{
		Endpoint:    0x81,
		FrameSize:   DefaultFrameSize,
		FieldLength: DefaultFieldLength,
		ReadTimeout: 10 * time.Millisecond,
		Interval:    100 * time.Microsecond,
	}
}

func TestLoopDispatchesEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	dev := mock.NewDevice(0x18d1, 0x2d01)
	dev.BulkFunc = scriptedBulk(cancel,
		[]byte("next\x00"),
		[]byte("foo\x00"),
		[]byte(queenFrame+"\x00"),
		[]byte("prev"),
	)

	rec := &recorder{}
	loop := NewLoop(dev, rec, testConfig(), WithLogger(testLog))
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []Event{
		{Type: EventNextSlide},
		{Type: EventMetadataUpdate, Artist: "Queen", Album: "A Night at the Opera", Track: "Bohemian Rhapsody"},
		{Type: EventMetaChanged, Playing: "true"},
		{Type: EventPrevSlide},
	}, rec.Events())

	stats := loop.Stats()
	assert.Equal(t, uint64(4), stats.Frames)
	assert.Equal(t, uint64(4), stats.Events)
	assert.Zero(t, stats.Violations)
}

func TestLoopDropsOversizeFrames(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	cfg := testConfig()
	cfg.FrameSize = 16

	dev := mock.NewDevice(0x18d1, 0x2d00)
	dev.BulkFunc = scriptedBulk(cancel,
		[]byte(strings.Repeat("n", 16)),
		[]byte("next"),
	)

	rec := &recorder{}
	loop := NewLoop(dev, rec, cfg, WithLogger(testLog))
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []Event{{Type: EventNextSlide}}, rec.Events())
	assert.Equal(t, uint64(1), loop.Stats().Violations)
}

func TestLoopContinuesAfterMalformedBroadcast(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	dev := mock.NewDevice(0x18d1, 0x2d00)
	dev.BulkFunc = scriptedBulk(cancel,
		[]byte("com.android.music.metachanged/only/two"),
		[]byte("next"),
	)

	rec := &recorder{}
	loop := NewLoop(dev, rec, testConfig(), WithLogger(testLog))
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []Event{{Type: EventNextSlide}}, rec.Events())
	assert.Equal(t, uint64(1), loop.Stats().Violations)
}

func TestLoopTerminatesOnBulkFailure(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice(0x18d1, 0x2d00)
	dev.BulkFunc = func(uint8, []byte, time.Duration) (int, error) {
		return 0, transport.NewError("bulk-in", transport.CodeNoDevice, nil)
	}

	err := NewLoop(dev, &recorder{}, testConfig(), WithLogger(testLog)).Run(t.Context())
	require.Error(t, err)
	assert.True(t, transport.IsCode(err, transport.CodeNoDevice))
}

func TestLoopTerminatesOnEventFailure(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice(0x18d1, 0x2d00)
	dev.BulkFunc = func(uint8, []byte, time.Duration) (int, error) {
		t.Error("no read after the event service failed")
		return 0, nil
	}
	dev.FailEvents(transport.NewError("handle-events", transport.CodeIO, nil))

	err := NewLoop(dev, &recorder{}, testConfig(), WithLogger(testLog)).Run(t.Context())
	assert.True(t, transport.IsCode(err, transport.CodeIO))
}

func TestLoopTimeoutsAreNotErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	// the default bulk function sleeps for the timeout and reports CodeTimeout
	dev := mock.NewDevice(0x18d1, 0x2d00)
	rec := &recorder{}
	require.NoError(t, NewLoop(dev, rec, testConfig(), WithLogger(testLog)).Run(ctx))
	assert.Empty(t, rec.Events())
}
