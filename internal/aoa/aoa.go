// Package aoa implements the Android Open Accessory handshake: it queries the
// accessory protocol version, sends the host identity, optionally requests
// audio, starts accessory mode and reconnects to the re-enumerated device.
package aoa

import (
	"fmt"

	"github.com/tphakala/aoa-go/internal/errors"
)

// GoogleVendorID is the vendor ID every device uses once it has switched to
// accessory mode.
const GoogleVendorID uint16 = 0x18d1

// Accessory control requests.
const (
	RequestGetProtocol  uint8 = 51
	RequestSendString   uint8 = 52
	RequestStart        uint8 = 53
	RequestAudioSupport uint8 = 58
)

// AudioModePCM16Stereo44100 is the only audio format the protocol defines.
const AudioModePCM16Stereo44100 uint16 = 1

// StringIndex selects which identity string a send-string request carries.
type StringIndex uint16

const (
	IndexManufacturer StringIndex = iota
	IndexModel
	IndexDescription
	IndexVersion
	IndexURI
	IndexSerial
)

var (
	ErrDeviceNotFound         = errors.NewStd("accessory device not found")
	ErrUnsupportedDevice      = errors.NewStd("device does not support the accessory protocol")
	ErrIdentitySendFailed     = errors.NewStd("sending accessory identity failed")
	ErrAudioNegotiationFailed = errors.NewStd("accessory audio negotiation failed")
	ErrStartFailed            = errors.NewStd("starting accessory mode failed")
)

// Mode is the accessory configuration a device reports through its product
// ID after re-enumeration.
type Mode uint16

const (
	ModeAccessory         Mode = 0x2d00
	ModeAccessoryADB      Mode = 0x2d01
	ModeAudio             Mode = 0x2d02
	ModeAudioADB          Mode = 0x2d03
	ModeAccessoryAudio    Mode = 0x2d04
	ModeAccessoryADBAudio Mode = 0x2d05
)

// ModeFromProductID maps a post-switch product ID to its mode.
func ModeFromProductID(productID uint16) (Mode, bool) {
	m := Mode(productID)
	if m < ModeAccessory || m > ModeAccessoryADBAudio {
		return 0, false
	}
	return m, true
}

// IsAccessory reports whether vendorID/productID already identify a device
// in accessory mode.
func IsAccessory(vendorID, productID uint16) bool {
	_, ok := ModeFromProductID(productID)
	return ok && vendorID == GoogleVendorID
}

// HasAudio reports whether the mode carries the isochronous audio interface.
func (m Mode) HasAudio() bool {
	return m >= ModeAudio && m <= ModeAccessoryADBAudio
}

// HasAccessory reports whether the mode carries the bulk accessory interface.
func (m Mode) HasAccessory() bool {
	switch m {
	case ModeAccessory, ModeAccessoryADB, ModeAccessoryAudio, ModeAccessoryADBAudio:
		return true
	default:
		return false
	}
}

// HasADB reports whether adb stays available alongside the accessory.
func (m Mode) HasADB() bool {
	switch m {
	case ModeAccessoryADB, ModeAudioADB, ModeAccessoryADBAudio:
		return true
	default:
		return false
	}
}

func (m Mode) String() string {
	switch m {
	case ModeAccessory:
		return "accessory"
	case ModeAccessoryADB:
		return "accessory_adb"
	case ModeAudio:
		return "audio"
	case ModeAudioADB:
		return "audio_adb"
	case ModeAccessoryAudio:
		return "accessory_audio"
	case ModeAccessoryADBAudio:
		return "accessory_adb_audio"
	default:
		return fmt.Sprintf("mode(0x%04x)", uint16(m))
	}
}

// ProtocolVersion is the accessory protocol version reported by the device.
type ProtocolVersion int

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
)

// Valid reports whether the version is one the host can negotiate.
func (v ProtocolVersion) Valid() bool {
	return v == ProtocolV1 || v == ProtocolV2
}

// SupportsAudio reports whether the version defines the audio request.
func (v ProtocolVersion) SupportsAudio() bool {
	return v >= ProtocolV2
}

// Identity is the set of strings the host announces to the device. Every
// field must be non-empty.
type Identity struct {
	Manufacturer string
	Model        string
	Description  string
	Version      string
	URI          string
	Serial       string
}

// fields returns the identity strings in send-string index order.
func (id Identity) fields() [6]string {
	return [6]string{id.Manufacturer, id.Model, id.Description, id.Version, id.URI, id.Serial}
}

// Validate returns an error naming the first empty field.
func (id Identity) Validate() error {
	names := [6]string{"manufacturer", "model", "description", "version", "uri", "serial"}
	for i, v := range id.fields() {
		if v == "" {
			return errors.Newf("identity %s must not be empty", names[i]).
				Category(errors.CategoryValidation).
				Context("field", names[i]).
				Build()
		}
	}
	return nil
}

// identityPayload encodes one identity string for the wire. Strings are NUL
// terminated; legacy mode omits the terminator on the manufacturer only.
func identityPayload(index StringIndex, value string, legacyManufacturer bool) []byte {
	if legacyManufacturer && index == IndexManufacturer {
		return []byte(value)
	}
	payload := make([]byte, len(value)+1)
	copy(payload, value)
	return payload
}
