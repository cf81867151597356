// Package mock provides scriptable in-memory transport devices for tests.
package mock

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/aoa-go/internal/transport"
)

// ControlCall records one control transfer.
type ControlCall struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte // copy of the OUT payload, nil for IN transfers
	Timeout     time.Duration
}

// ControlFunc answers a control transfer. For IN transfers it fills data.
type ControlFunc func(call ControlCall, data []byte) (int, error)

// BulkFunc answers a bulk transfer.
type BulkFunc func(ep uint8, data []byte, timeout time.Duration) (int, error)

// Device is an in-memory transport.Device. Exported fields configure its
// behaviour and must be set before use.
type Device struct {
	VID, PID uint16

	ControlFunc  ControlFunc
	BulkFunc     BulkFunc
	ClaimErrs    map[uint8]error
	AltErr       error
	MaxPacket    int
	MaxPacketErr error
	IsoErr       error

	mu          sync.Mutex
	controls    []ControlCall
	claimed     map[uint8]bool
	released    []uint8
	altSettings map[uint8]uint8
	eventsErr   error
	closed      bool
	iso         *IsoStream
}

var _ transport.Device = (*Device)(nil)

// NewDevice returns a device that accepts every request.
func NewDevice(vid, pid uint16) *Device {
	return &Device{VID: vid, PID: pid, MaxPacket: 192}
}

func (d *Device) VendorID() uint16  { return d.VID }
func (d *Device) ProductID() uint16 { return d.PID }

func (d *Device) ClaimInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ClaimErrs[iface]; err != nil {
		return err
	}
	if d.claimed == nil {
		d.claimed = make(map[uint8]bool)
	}
	d.claimed[iface] = true
	return nil
}

func (d *Device) ReleaseInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, iface)
	d.released = append(d.released, iface)
	return nil
}

func (d *Device) SetAltSetting(iface, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AltErr != nil {
		return d.AltErr
	}
	if !d.claimed[iface] {
		return transport.NewError("set-alt-setting", transport.CodeNotFound,
			fmt.Errorf("interface %d not claimed", iface))
	}
	if d.altSettings == nil {
		d.altSettings = make(map[uint8]uint8)
	}
	d.altSettings[iface] = alt
	return nil
}

func (d *Device) MaxPacketSize(_, _, _ uint8) (int, error) {
	return d.MaxPacket, d.MaxPacketErr
}

func (d *Device) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	call := ControlCall{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Timeout:     timeout,
	}
	if requestType&transport.EndpointDirIn == 0 && data != nil {
		call.Data = slices.Clone(data)
	}

	d.mu.Lock()
	d.controls = append(d.controls, call)
	fn := d.ControlFunc
	d.mu.Unlock()

	if fn == nil {
		return len(data), nil
	}
	return fn(call, data)
}

func (d *Device) Bulk(ep uint8, data []byte, timeout time.Duration) (int, error) {
	if d.BulkFunc == nil {
		time.Sleep(timeout)
		return 0, transport.NewError("bulk-in", transport.CodeTimeout, nil)
	}
	return d.BulkFunc(ep, data, timeout)
}

func (d *Device) StartIsochronous(ep uint8, packets, packetSize int, handler transport.IsoHandler) (transport.IsoStream, error) {
	if d.IsoErr != nil {
		return nil, d.IsoErr
	}
	s := &IsoStream{
		Endpoint:   ep,
		Packets:    packets,
		PacketSize: packetSize,
		handler:    handler,
		done:       make(chan struct{}),
	}
	d.mu.Lock()
	d.iso = s
	d.mu.Unlock()
	return s, nil
}

// FailEvents makes subsequent HandleEvents calls return err.
func (d *Device) FailEvents(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventsErr = err
}

func (d *Device) HandleEvents() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eventsErr
}

func (d *Device) Close() error {
	d.mu.Lock()
	iso := d.iso
	d.closed = true
	d.mu.Unlock()
	if iso != nil {
		_ = iso.Stop()
	}
	return nil
}

// Controls returns the recorded control transfers in order.
func (d *Device) Controls() []ControlCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.controls)
}

// Claimed reports whether iface is currently claimed.
func (d *Device) Claimed(iface uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed[iface]
}

// Released returns the interfaces released so far, in order.
func (d *Device) Released() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.released)
}

// AltSetting returns the alternate setting selected for iface.
func (d *Device) AltSetting(iface uint8) (uint8, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	alt, ok := d.altSettings[iface]
	return alt, ok
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Iso returns the most recently started isochronous stream.
func (d *Device) Iso() *IsoStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iso
}

// IsoStream is a manually driven isochronous stream.
type IsoStream struct {
	Endpoint   uint8
	Packets    int
	PacketSize int

	handler transport.IsoHandler

	mu      sync.Mutex
	stopped bool
	err     error
	done    chan struct{}
}

// Deliver invokes the handler with one completed transfer, as the transport
// would. It returns false once the stream has been stopped.
func (s *IsoStream) Deliver(packets []transport.IsoPacket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.handler(packets)
	return true
}

func (s *IsoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	return nil
}

// Fail ends the stream with err, as a device detach would.
func (s *IsoStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		s.err = err
		close(s.done)
	}
}

func (s *IsoStream) Done() <-chan struct{} { return s.done }

func (s *IsoStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stopped reports whether Stop has been called.
func (s *IsoStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Opener hands out registered devices by vendor and product ID.
type Opener struct {
	mu      sync.Mutex
	devices map[[2]uint16][]*Device
	opens   [][2]uint16
}

var _ transport.Opener = (*Opener)(nil)

// NewOpener returns an Opener serving the given devices. A device may be
// added more than once to be opened repeatedly.
func NewOpener(devices ...*Device) *Opener {
	o := &Opener{devices: make(map[[2]uint16][]*Device)}
	for _, d := range devices {
		o.Add(d)
	}
	return o
}

// Add queues d to be returned by the next Open of its IDs.
func (o *Opener) Add(d *Device) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := [2]uint16{d.VID, d.PID}
	o.devices[key] = append(o.devices[key], d)
}

func (o *Opener) Open(vendorID, productID uint16) (transport.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := [2]uint16{vendorID, productID}
	o.opens = append(o.opens, key)
	queue := o.devices[key]
	if len(queue) == 0 {
		return nil, transport.NewError("open", transport.CodeNotFound,
			fmt.Errorf("no device 0x%04x:0x%04x", vendorID, productID))
	}
	d := queue[0]
	o.devices[key] = queue[1:]
	return d, nil
}

func (o *Opener) Close() error { return nil }

// Opens returns the vendor/product pairs passed to Open, in order.
func (o *Opener) Opens() [][2]uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.opens)
}

// Packets builds n completed packets of size bytes each, filled with
// consecutive byte values starting at seed.
func Packets(n, size int, seed byte) []transport.IsoPacket {
	out := make([]transport.IsoPacket, n)
	v := seed
	for i := range out {
		data := make([]byte, size)
		for j := range data {
			data[j] = v
			v++
		}
		out[i] = transport.IsoPacket{Status: transport.StatusCompleted, Length: size, Data: data}
	}
	return out
}
