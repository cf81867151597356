package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/aoa-go/internal/command"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
)

// DefaultBufferSize is the number of events an EventBus queues before it
// starts dropping.
const DefaultBufferSize = 256

// EventBusStats contains runtime statistics for monitoring
type EventBusStats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64 // consumer panics
}

type consumer struct {
	name string
	sink command.EventSink
}

// EventBus decouples the command reader from slow sinks. Publishing never
// blocks; a single worker delivers events to every consumer in publish
// order. An EventBus is itself a command.EventSink.
type EventBus struct {
	eventChan chan command.Event

	mu        sync.RWMutex
	closed    bool
	consumers []consumer

	wg   sync.WaitGroup
	done chan struct{}

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64

	log logger.Logger
}

// NewEventBus starts an event bus with room for bufferSize queued events.
// A non-positive size uses DefaultBufferSize.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	eb := &EventBus{
		eventChan: make(chan command.Event, bufferSize),
		done:      make(chan struct{}),
		log:       GetLogger(),
	}
	eb.wg.Go(eb.worker)

	eb.log.Debug("event bus started", logger.Int("buffer_size", bufferSize))
	return eb
}

// RegisterConsumer adds sink under a unique name.
func (eb *EventBus) RegisterConsumer(name string, sink command.EventSink) error {
	if sink == nil {
		return errors.Newf("consumer %s has no sink", name).
			Category(errors.CategoryValidation).
			Build()
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, existing := range eb.consumers {
		if existing.name == name {
			return errors.Newf("consumer %s already registered", name).
				Category(errors.CategoryValidation).
				Build()
		}
	}
	eb.consumers = append(eb.consumers, consumer{name: name, sink: sink})

	eb.log.Debug("registered event consumer", logger.String("consumer", name))
	return nil
}

// TryPublish queues e without blocking. It reports false if the bus is
// shut down or its buffer is full.
func (eb *EventBus) TryPublish(e command.Event) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		eb.dropped.Add(1)
		return false
	}

	select {
	case eb.eventChan <- e:
		eb.received.Add(1)
		return true
	default:
		eb.dropped.Add(1)
		eb.log.Debug("event dropped due to full buffer", logger.String("event", e.Type.String()))
		return false
	}
}

func (eb *EventBus) OnNavigation(dir command.Direction) {
	t := command.EventNextSlide
	if dir == command.DirectionPrev {
		t = command.EventPrevSlide
	}
	eb.TryPublish(command.Event{Type: t})
}

func (eb *EventBus) OnMetadata(artist, album, track string) {
	eb.TryPublish(command.Event{Type: command.EventMetadataUpdate, Artist: artist, Album: album, Track: track})
}

func (eb *EventBus) OnPlaybackState(kind command.PlaybackKind, playing string) {
	eb.TryPublish(command.Event{Type: command.EventPlaystateChanged + command.EventType(kind), Playing: playing})
}

func (eb *EventBus) worker() {
	defer close(eb.done)
	for e := range eb.eventChan {
		eb.processEvent(e)
	}
}

// processEvent sends the event to all registered consumers
func (eb *EventBus) processEvent(e command.Event) {
	eb.mu.RLock()
	consumers := make([]consumer, len(eb.consumers))
	copy(consumers, eb.consumers)
	eb.mu.RUnlock()

	for _, c := range consumers {
		// Process in a recovery wrapper to prevent panics
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.panics.Add(1)
					eb.log.Error("consumer panicked",
						logger.String("consumer", c.name),
						logger.String("event", e.Type.String()),
						logger.String("panic", fmt.Sprint(r)))
				}
			}()
			e.Dispatch(c.sink)
		}()
	}
	eb.processed.Add(1)
}

// Shutdown stops accepting events and waits up to timeout for the queued
// ones to be delivered. It is safe to call more than once.
func (eb *EventBus) Shutdown(timeout time.Duration) error {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventChan)
	}
	eb.mu.Unlock()

	select {
	case <-eb.done:
		eb.wg.Wait()
		eb.log.Debug("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		eb.log.Warn("event bus shutdown timeout exceeded", logger.Duration("timeout", timeout))
		return errors.Newf("event bus shutdown timeout exceeded").
			Category(errors.CategoryTimeout).
			Context("pending", len(eb.eventChan)).
			Build()
	}
}

// GetStats returns current event bus statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsReceived:  eb.received.Load(),
		EventsProcessed: eb.processed.Load(),
		EventsDropped:   eb.dropped.Load(),
		ConsumerErrors:  eb.panics.Load(),
	}
}
