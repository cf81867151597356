// Package command decodes the accessory's bulk command channel: navigation
// tokens and music player broadcasts carrying track metadata.
package command

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/tphakala/aoa-go/internal/errors"
)

// ErrProtocolViolation is returned for frames that cannot be decoded.
var ErrProtocolViolation = errors.NewStd("command channel protocol violation")

// Wire format constants.
const (
	DefaultFrameSize     = 500
	DefaultFieldLength   = 100
	PlayingFieldLength   = 5
	eventPrefixMatchSize = 23
)

// Direction is a navigation request from the device.
type Direction int

const (
	DirectionNext Direction = iota
	DirectionPrev
)

func (d Direction) String() string {
	if d == DirectionPrev {
		return "prev"
	}
	return "next"
}

// PlaybackKind names the music player broadcast that carried a state update.
type PlaybackKind int

const (
	KindPlaystateChanged PlaybackKind = iota
	KindMetaChanged
	KindQueueChanged
	KindPlaybackComplete
)

// broadcasts lists the recognised actions in match order.
var broadcasts = [...]struct {
	action string
	kind   PlaybackKind
}{
	{"com.android.music.playstatechanged", KindPlaystateChanged},
	{"com.android.music.metachanged", KindMetaChanged},
	{"com.android.music.queuechanged", KindQueueChanged},
	{"com.android.music.playbackcomplete", KindPlaybackComplete},
}

func (k PlaybackKind) String() string {
	switch k {
	case KindPlaystateChanged:
		return "playstate_changed"
	case KindMetaChanged:
		return "meta_changed"
	case KindQueueChanged:
		return "queue_changed"
	case KindPlaybackComplete:
		return "playback_complete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action returns the Android broadcast action for the kind.
func (k PlaybackKind) Action() string {
	for _, b := range broadcasts {
		if b.kind == k {
			return b.action
		}
	}
	return ""
}

// EventType tags an Event.
type EventType int

const (
	EventNextSlide EventType = iota
	EventPrevSlide
	EventMetadataUpdate
	EventPlaystateChanged
	EventMetaChanged
	EventQueueChanged
	EventPlaybackComplete
)

func (t EventType) String() string {
	switch t {
	case EventNextSlide:
		return "next_slide"
	case EventPrevSlide:
		return "prev_slide"
	case EventMetadataUpdate:
		return "metadata_update"
	case EventPlaystateChanged:
		return "playstate_changed"
	case EventMetaChanged:
		return "meta_changed"
	case EventQueueChanged:
		return "queue_changed"
	case EventPlaybackComplete:
		return "playback_complete"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one decoded command. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType
	Artist  string
	Album   string
	Track   string
	Playing string
}

func stateEvent(k PlaybackKind) EventType {
	return EventPlaystateChanged + EventType(k)
}

// EventSink receives decoded events. Calls are made from the decoder
// goroutine and must not block for long.
type EventSink interface {
	OnNavigation(dir Direction)
	OnMetadata(artist, album, track string)
	OnPlaybackState(kind PlaybackKind, playing string)
}

// Dispatch delivers e to sink.
func (e Event) Dispatch(sink EventSink) {
	switch e.Type {
	case EventNextSlide:
		sink.OnNavigation(DirectionNext)
	case EventPrevSlide:
		sink.OnNavigation(DirectionPrev)
	case EventMetadataUpdate:
		sink.OnMetadata(e.Artist, e.Album, e.Track)
	case EventPlaystateChanged, EventMetaChanged, EventQueueChanged, EventPlaybackComplete:
		sink.OnPlaybackState(PlaybackKind(e.Type-EventPlaystateChanged), e.Playing)
	}
}

// Decoder turns frames into events.
type Decoder struct {
	fieldLength int
}

// NewDecoder returns a decoder truncating metadata fields to fieldLength bytes.
func NewDecoder(fieldLength int) *Decoder {
	if fieldLength <= 0 {
		fieldLength = DefaultFieldLength
	}
	return &Decoder{fieldLength: fieldLength}
}

// Decode classifies one frame. Text after the first NUL is ignored. An
// unrecognised frame yields no events and no error.
func (d *Decoder) Decode(frame []byte) ([]Event, error) {
	if i := bytes.IndexByte(frame, 0); i >= 0 {
		frame = frame[:i]
	}

	switch string(frame) {
	case "next":
		return []Event{{Type: EventNextSlide}}, nil
	case "prev":
		return []Event{{Type: EventPrevSlide}}, nil
	}

	if len(frame) < eventPrefixMatchSize {
		return nil, nil
	}
	head := string(frame[:eventPrefixMatchSize])
	for _, b := range broadcasts {
		if head != b.action[:eventPrefixMatchSize] {
			continue
		}
		return d.decodeBroadcast(frame, b.kind)
	}
	return nil, nil
}

func (d *Decoder) decodeBroadcast(frame []byte, kind PlaybackKind) ([]Event, error) {
	slash := bytes.IndexByte(frame, '/')
	if slash < 0 {
		return nil, errors.Newf("%w: %s frame without fields", ErrProtocolViolation, kind).
			Category(errors.CategoryCommand).
			Context("frame_size", len(frame)).
			Build()
	}

	fields := bytes.SplitN(frame[slash+1:], []byte{'/'}, 4)
	if len(fields) < 4 {
		return nil, errors.Newf("%w: %s frame has %d of 4 fields", ErrProtocolViolation, kind, len(fields)).
			Category(errors.CategoryCommand).
			Context("frame_size", len(frame)).
			Context("fields", len(fields)).
			Build()
	}

	return []Event{
		{
			Type:   EventMetadataUpdate,
			Artist: bounded(fields[0], d.fieldLength),
			Album:  bounded(fields[1], d.fieldLength),
			Track:  bounded(fields[2], d.fieldLength),
		},
		{
			Type:    stateEvent(kind),
			Playing: bounded(fields[3], PlayingFieldLength),
		},
	}, nil
}

// bounded truncates field to at most limit bytes without splitting a UTF-8
// sequence.
func bounded(field []byte, limit int) string {
	if len(field) <= limit {
		return string(field)
	}
	cut := limit
	for i := 0; i < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(field[cut]); i++ {
		cut--
	}
	return string(field[:cut])
}
