package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/aoa-go/internal/command"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is an EventSink that remembers calls.
type recorder struct {
	calls []string
}

func (r *recorder) OnNavigation(dir command.Direction) {
	r.calls = append(r.calls, "nav:"+dir.String())
}

func (r *recorder) OnMetadata(artist, album, track string) {
	r.calls = append(r.calls, "meta:"+artist+"|"+album+"|"+track)
}

func (r *recorder) OnPlaybackState(kind command.PlaybackKind, playing string) {
	r.calls = append(r.calls, "state:"+kind.String()+"|"+playing)
}

func TestMultiFansOutInOrder(t *testing.T) {
	t.Parallel()

	a, b := &recorder{}, &recorder{}
	m := NewMulti(a, nil, b)
	require.Len(t, m, 2)

	m.OnNavigation(command.DirectionPrev)
	m.OnMetadata("Queen", "Innuendo", "Innuendo")
	m.OnPlaybackState(command.KindPlaystateChanged, "true")

	want := []string{"nav:prev", "meta:Queen|Innuendo|Innuendo", "state:playstate_changed|true"}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
}

func TestNowPlayingIgnoresNullFields(t *testing.T) {
	t.Parallel()

	n := NewNowPlaying()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	n.OnMetadata("Queen", "Innuendo", "The Show Must Go On")
	n.OnMetadata("null", "null", "Bijou")
	n.OnPlaybackState(command.KindMetaChanged, "true")
	n.OnPlaybackState(command.KindQueueChanged, "null")
	n.OnNavigation(command.DirectionNext)
	n.OnNavigation(command.DirectionNext)

	s := n.Snapshot()
	assert.Equal(t, "Queen", s.Artist)
	assert.Equal(t, "Innuendo", s.Album)
	assert.Equal(t, "Bijou", s.Track)
	assert.True(t, s.Playing)
	assert.Equal(t, "queue_changed", s.LastKind)
	assert.Equal(t, "next", s.LastDirection)
	assert.Equal(t, uint64(2), s.Navigations)
	assert.Equal(t, fixed, s.UpdatedAt)

	n.OnPlaybackState(command.KindPlaybackComplete, "false")
	assert.False(t, n.Snapshot().Playing)

	// not a boolean, previous value stays
	n.OnPlaybackState(command.KindPlaystateChanged, "maybe")
	assert.False(t, n.Snapshot().Playing)
}

func TestNowPlayingConcurrentAccess(t *testing.T) {
	t.Parallel()

	n := NewNowPlaying()
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				n.OnMetadata("a", "b", "c")
				_ = n.Snapshot()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, "c", n.Snapshot().Track)
}

// fakePublisher records publishes. If gate is set each Publish waits for
// a value on it.
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	published []outbound
	gate      chan struct{}
	started   chan struct{}
	err       error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{connected: true, started: make(chan struct{}, 16)}
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload string) error {
	f.started <- struct{}{}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, outbound{topic: topic, payload: payload})
	return f.err
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) messages() []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbound(nil), f.published...)
}

func newTestMetrics(t *testing.T) *metrics.MQTTMetrics {
	t.Helper()
	m, err := metrics.NewMQTTMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func dropped(m *metrics.MQTTMetrics, reason string) float64 {
	return testutil.ToFloat64(m.MessagesDropped.WithLabelValues(reason))
}

func TestPublisherRequiresClientAndTopic(t *testing.T) {
	t.Parallel()

	_, err := NewMQTTPublisher(nil, PublisherConfig{Topic: "aoa"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = NewMQTTPublisher(newFakePublisher(), PublisherConfig{})
	require.Error(t, err)
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	fake := newFakePublisher()
	p, err := NewMQTTPublisher(fake, PublisherConfig{Topic: "car/aoa/", QueueSize: 8})
	require.NoError(t, err)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	p.OnNavigation(command.DirectionNext)
	p.OnMetadata("Queen", "Innuendo", "Bijou")
	p.OnPlaybackState(command.KindPlaystateChanged, "true")
	p.Close()

	msgs := fake.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "car/aoa/navigation", msgs[0].topic)
	assert.Equal(t, "car/aoa/metadata", msgs[1].topic)
	assert.Equal(t, "car/aoa/state", msgs[2].topic)

	var nav navigationMessage
	require.NoError(t, json.Unmarshal([]byte(msgs[0].payload), &nav))
	assert.Equal(t, "next", nav.Direction)
	assert.True(t, fixed.Equal(nav.Timestamp))

	var meta metadataMessage
	require.NoError(t, json.Unmarshal([]byte(msgs[1].payload), &meta))
	assert.Equal(t, metadataMessage{Artist: "Queen", Album: "Innuendo", Track: "Bijou", Timestamp: meta.Timestamp}, meta)

	var state stateMessage
	require.NoError(t, json.Unmarshal([]byte(msgs[2].payload), &state))
	assert.Equal(t, "playstate_changed", state.Kind)
	assert.Equal(t, "com.android.music.playstatechanged", state.Action)
	assert.Equal(t, "true", state.Playing)
}

func TestPublisherSuppressesDuplicates(t *testing.T) {
	t.Parallel()

	fake := newFakePublisher()
	m := newTestMetrics(t)
	p, err := NewMQTTPublisher(fake, PublisherConfig{Topic: "aoa", DedupTTL: time.Minute, QueueSize: 8}, WithMetrics(m))
	require.NoError(t, err)

	p.OnMetadata("Queen", "Innuendo", "Bijou")
	p.OnMetadata("Queen", "Innuendo", "Bijou")
	p.OnMetadata("Queen", "Innuendo", "Innuendo")
	p.OnPlaybackState(command.KindPlaystateChanged, "true")
	p.OnPlaybackState(command.KindPlaystateChanged, "true")
	// navigation is never de-duplicated
	p.OnNavigation(command.DirectionNext)
	p.OnNavigation(command.DirectionNext)
	p.Close()

	assert.Len(t, fake.messages(), 5)
	assert.InDelta(t, 2, dropped(m, dropDuplicate), 0)
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	fake := newFakePublisher()
	fake.gate = make(chan struct{})
	m := newTestMetrics(t)
	p, err := NewMQTTPublisher(fake, PublisherConfig{Topic: "aoa", QueueSize: 1}, WithMetrics(m))
	require.NoError(t, err)

	p.OnNavigation(command.DirectionNext)
	<-fake.started // worker is now blocked in Publish

	p.OnNavigation(command.DirectionPrev) // queued
	p.OnNavigation(command.DirectionNext) // dropped
	assert.InDelta(t, 1, dropped(m, dropQueueFull), 0)

	close(fake.gate)
	p.Close()
	assert.Len(t, fake.messages(), 2)

	p.OnNavigation(command.DirectionNext)
	assert.InDelta(t, 1, dropped(m, dropClosed), 0)
}

func TestPublisherDropsWhileDisconnected(t *testing.T) {
	t.Parallel()

	fake := newFakePublisher()
	fake.connected = false
	m := newTestMetrics(t)
	p, err := NewMQTTPublisher(fake, PublisherConfig{Topic: "aoa", QueueSize: 4}, WithMetrics(m))
	require.NoError(t, err)

	p.OnNavigation(command.DirectionNext)
	p.OnMetadata("a", "b", "c")
	p.Close()

	assert.Empty(t, fake.messages())
	assert.InDelta(t, 2, dropped(m, dropDisconnected), 0)
}

func TestPublisherKeepsGoingAfterPublishError(t *testing.T) {
	t.Parallel()

	fake := newFakePublisher()
	fake.err = errors.NewStd("broker said no")
	p, err := NewMQTTPublisher(fake, PublisherConfig{Topic: "aoa", QueueSize: 4})
	require.NoError(t, err)

	p.OnNavigation(command.DirectionNext)
	p.OnNavigation(command.DirectionPrev)
	p.Close()
	p.Close()

	assert.Len(t, fake.messages(), 2)
}
