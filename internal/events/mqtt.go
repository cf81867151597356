package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tphakala/aoa-go/internal/command"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
)

// Topic suffixes appended to the configured base topic.
const (
	TopicNavigation = "navigation"
	TopicMetadata   = "metadata"
	TopicState      = "state"
)

// Reasons recorded when an event is not published.
const (
	dropDuplicate    = "duplicate"
	dropQueueFull    = "queue_full"
	dropDisconnected = "disconnected"
	dropClosed       = "closed"
)

// Publisher is the part of the MQTT client the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload string) error
	IsConnected() bool
}

// PublisherConfig configures an MQTTPublisher.
type PublisherConfig struct {
	Topic     string        // base topic, without trailing slash
	DedupTTL  time.Duration // identical metadata and state within this window is dropped; 0 disables
	QueueSize int
}

type navigationMessage struct {
	Direction string    `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}

type metadataMessage struct {
	Artist    string    `json:"artist"`
	Album     string    `json:"album"`
	Track     string    `json:"track"`
	Timestamp time.Time `json:"timestamp"`
}

type stateMessage struct {
	Kind      string    `json:"kind"`
	Action    string    `json:"action"`
	Playing   string    `json:"playing"`
	Timestamp time.Time `json:"timestamp"`
}

type outbound struct {
	topic   string
	payload string
}

// PublisherOption configures optional MQTTPublisher dependencies.
type PublisherOption func(*MQTTPublisher)

// WithMetrics records publish and drop counts.
func WithMetrics(m *metrics.MQTTMetrics) PublisherOption {
	return func(p *MQTTPublisher) { p.metrics = m }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) PublisherOption {
	return func(p *MQTTPublisher) { p.log = l }
}

// MQTTPublisher publishes events as JSON. Event callbacks never block: the
// message is queued for a background worker and dropped if the queue is full.
type MQTTPublisher struct {
	client  Publisher
	cfg     PublisherConfig
	metrics *metrics.MQTTMetrics
	log     logger.Logger
	dedup   *cache.Cache
	now     func() time.Time

	mu     sync.RWMutex
	queue  chan outbound
	closed bool
	wg     sync.WaitGroup

	failLog rate.Sometimes
}

// NewMQTTPublisher starts the publish worker. Call Close to stop it.
func NewMQTTPublisher(client Publisher, cfg PublisherConfig, opts ...PublisherOption) (*MQTTPublisher, error) {
	if client == nil {
		return nil, errors.Newf("mqtt publisher requires a client").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Topic == "" {
		return nil, errors.Newf("mqtt publisher requires a base topic").
			Category(errors.CategoryValidation).
			Build()
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	cfg.QueueSize = max(cfg.QueueSize, 1)

	p := &MQTTPublisher{
		client:  client,
		cfg:     cfg,
		log:     GetLogger(),
		now:     time.Now,
		queue:   make(chan outbound, cfg.QueueSize),
		failLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.DedupTTL > 0 {
		// expired entries are purged by the worker, no janitor goroutine
		p.dedup = cache.New(cfg.DedupTTL, 0)
	}

	p.wg.Go(p.worker)
	return p, nil
}

func (p *MQTTPublisher) OnNavigation(dir command.Direction) {
	p.enqueue(TopicNavigation, "", navigationMessage{
		Direction: dir.String(),
		Timestamp: p.now(),
	})
}

func (p *MQTTPublisher) OnMetadata(artist, album, track string) {
	key := strings.Join([]string{TopicMetadata, artist, album, track}, "\x00")
	p.enqueue(TopicMetadata, key, metadataMessage{
		Artist:    artist,
		Album:     album,
		Track:     track,
		Timestamp: p.now(),
	})
}

func (p *MQTTPublisher) OnPlaybackState(kind command.PlaybackKind, playing string) {
	key := strings.Join([]string{TopicState, kind.String(), playing}, "\x00")
	p.enqueue(TopicState, key, stateMessage{
		Kind:      kind.String(),
		Action:    kind.Action(),
		Playing:   playing,
		Timestamp: p.now(),
	})
}

// enqueue queues msg for publishing. A non-empty dedupKey suppresses the
// message if the same key was queued within the TTL.
func (p *MQTTPublisher) enqueue(suffix, dedupKey string, msg any) {
	if dedupKey != "" && p.dedup != nil {
		if err := p.dedup.Add(dedupKey, struct{}{}, cache.DefaultExpiration); err != nil {
			p.metrics.IncrementMessagesDropped(dropDuplicate)
			return
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to encode event", logger.String("topic", suffix), logger.Error(err))
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.IncrementMessagesDropped(dropClosed)
		return
	}
	select {
	case p.queue <- outbound{topic: p.cfg.Topic + "/" + suffix, payload: string(payload)}:
	default:
		p.metrics.IncrementMessagesDropped(dropQueueFull)
		p.log.Debug("event queue full, dropping event", logger.String("topic", suffix))
	}
}

func (p *MQTTPublisher) worker() {
	var purge <-chan time.Time
	if p.dedup != nil {
		ticker := time.NewTicker(p.cfg.DedupTTL)
		defer ticker.Stop()
		purge = ticker.C
	}

	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				return
			}
			p.publish(msg)
		case <-purge:
			p.dedup.DeleteExpired()
		}
	}
}

func (p *MQTTPublisher) publish(msg outbound) {
	if !p.client.IsConnected() {
		p.metrics.IncrementMessagesDropped(dropDisconnected)
		return
	}
	if err := p.client.Publish(context.Background(), msg.topic, msg.payload); err != nil {
		p.failLog.Do(func() {
			p.log.Warn("failed to publish event",
				logger.String("topic", msg.topic),
				logger.Error(err))
		})
	}
}

// Close stops accepting events, publishes what is already queued and
// waits for the worker to exit.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
