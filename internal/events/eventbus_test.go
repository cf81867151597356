package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/aoa-go/internal/command"
	"github.com/tphakala/aoa-go/internal/errors"
)

// gatedSink blocks every call until gate is closed.
type gatedSink struct {
	recorder
	gate    chan struct{}
	entered chan struct{}
}

func newGatedSink() *gatedSink {
	return &gatedSink{gate: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (g *gatedSink) OnNavigation(dir command.Direction) {
	g.entered <- struct{}{}
	<-g.gate
	g.recorder.OnNavigation(dir)
}

type panicSink struct{}

func (panicSink) OnNavigation(command.Direction)               { panic("boom") }
func (panicSink) OnMetadata(string, string, string)            { panic("boom") }
func (panicSink) OnPlaybackState(command.PlaybackKind, string) { panic("boom") }

func TestEventBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(0)
	a, b := &recorder{}, &recorder{}
	require.NoError(t, eb.RegisterConsumer("a", a))
	require.NoError(t, eb.RegisterConsumer("b", b))

	eb.OnNavigation(command.DirectionNext)
	eb.OnMetadata("Queen", "Innuendo", "Bijou")
	eb.OnPlaybackState(command.KindPlaybackComplete, "false")
	eb.OnNavigation(command.DirectionPrev)

	require.NoError(t, eb.Shutdown(time.Second))

	want := []string{"nav:next", "meta:Queen|Innuendo|Bijou", "state:playback_complete|false", "nav:prev"}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
	assert.Equal(t, EventBusStats{EventsReceived: 4, EventsProcessed: 4}, eb.GetStats())
}

func TestEventBusRejectsDuplicateConsumer(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(4)
	defer func() { require.NoError(t, eb.Shutdown(time.Second)) }()

	require.NoError(t, eb.RegisterConsumer("log", &recorder{}))
	err := eb.RegisterConsumer("log", &recorder{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	require.Error(t, eb.RegisterConsumer("nil", nil))
}

func TestEventBusDropsWhenFull(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(1)
	sink := newGatedSink()
	require.NoError(t, eb.RegisterConsumer("slow", sink))

	// the worker holds the first event inside the sink
	assert.True(t, eb.TryPublish(command.Event{Type: command.EventNextSlide}))
	<-sink.entered

	assert.True(t, eb.TryPublish(command.Event{Type: command.EventPrevSlide}))
	assert.False(t, eb.TryPublish(command.Event{Type: command.EventNextSlide}))

	close(sink.gate)
	require.NoError(t, eb.Shutdown(time.Second))

	assert.Equal(t, []string{"nav:next", "nav:prev"}, sink.calls)
	stats := eb.GetStats()
	assert.Equal(t, uint64(2), stats.EventsReceived)
	assert.Equal(t, uint64(1), stats.EventsDropped)
}

func TestEventBusSurvivesPanickingConsumer(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(4)
	after := &recorder{}
	require.NoError(t, eb.RegisterConsumer("panic", panicSink{}))
	require.NoError(t, eb.RegisterConsumer("after", after))

	eb.OnMetadata("a", "b", "c")
	require.NoError(t, eb.Shutdown(time.Second))

	assert.Equal(t, []string{"meta:a|b|c"}, after.calls)
	assert.Equal(t, uint64(1), eb.GetStats().ConsumerErrors)
}

func TestEventBusShutdown(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(4)
	require.NoError(t, eb.Shutdown(time.Second))
	require.NoError(t, eb.Shutdown(time.Second))

	assert.False(t, eb.TryPublish(command.Event{Type: command.EventNextSlide}))
	assert.Equal(t, uint64(1), eb.GetStats().EventsDropped)
}

func TestEventBusShutdownTimeout(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(4)
	sink := newGatedSink()
	require.NoError(t, eb.RegisterConsumer("slow", sink))
	eb.OnNavigation(command.DirectionNext)
	<-sink.entered

	err := eb.Shutdown(10 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))

	close(sink.gate)
	require.NoError(t, eb.Shutdown(time.Second))
}
