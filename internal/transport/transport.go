// Package transport is the synchronous USB layer shared by the accessory
// handshake, the audio pipeline and the command channel.
//
// Backends register themselves by name (see Register) and are selected at
// runtime from configuration. Every failure is reported as an *Error carrying
// one Code from a closed taxonomy.
package transport

import (
	"fmt"
	"time"
)

// Request types for vendor control transfers addressed to the device.
const (
	RequestTypeVendorIn  uint8 = 0xC0 // device-to-host | vendor | device
	RequestTypeVendorOut uint8 = 0x40 // host-to-device | vendor | device
)

// EndpointDirIn is set on the address of every IN endpoint.
const EndpointDirIn uint8 = 0x80

// PacketStatus is the completion status of one isochronous sub-packet.
type PacketStatus int

const (
	StatusCompleted PacketStatus = iota
	StatusError
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusOverflow
)

// String returns a short name for the status.
func (s PacketStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusTimedOut:
		return "timed-out"
	case StatusCancelled:
		return "cancelled"
	case StatusStall:
		return "stall"
	case StatusNoDevice:
		return "no-device"
	case StatusOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsoPacket is one sub-packet of a completed isochronous transfer. Data holds
// exactly Length bytes and is only valid for the duration of the handler call.
type IsoPacket struct {
	Status PacketStatus
	Length int
	Data   []byte
}

// IsoHandler processes one completed isochronous transfer. The transfer is
// resubmitted after the handler returns unless the stream has been stopped.
type IsoHandler func(packets []IsoPacket)

// IsoStream is a running, self-resubmitting isochronous transfer.
type IsoStream interface {
	// Stop cancels the in-flight transfer and prevents resubmission.
	Stop() error
	// Done is closed once the stream has stopped for any reason.
	Done() <-chan struct{}
	// Err returns the error that ended the stream, or nil after Stop.
	Err() error
}

// Device is an open USB device handle.
type Device interface {
	VendorID() uint16
	ProductID() uint16

	ClaimInterface(iface uint8) error
	ReleaseInterface(iface uint8) error
	SetAltSetting(iface, alt uint8) error
	// MaxPacketSize returns the wMaxPacketSize of endpoint ep on the given
	// interface alternate setting of the active configuration.
	MaxPacketSize(iface, alt, ep uint8) (int, error)

	Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	Bulk(ep uint8, data []byte, timeout time.Duration) (int, error)
	StartIsochronous(ep uint8, packets, packetSize int, handler IsoHandler) (IsoStream, error)

	// HandleEvents services pending transport events. It returns an error
	// once asynchronous processing has failed, for example after the device
	// disappeared.
	HandleEvents() error

	Close() error
}

// Opener opens devices by vendor and product ID.
type Opener interface {
	Open(vendorID, productID uint16) (Device, error)
	Close() error
}
