//go:build linux

package usbfs

import (
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	usb "github.com/kevmo314/go-usb"
	"golang.org/x/sys/unix"

	"github.com/tphakala/aoa-go/internal/transport"
)

// Name is the backend name used in configuration.
const Name = "usbfs"

func init() {
	transport.Register(Name, func() (transport.Opener, error) { return opener{}, nil })
}

type opener struct{}

func (opener) Open(vendorID, productID uint16) (transport.Device, error) {
	h, err := usb.OpenDevice(vendorID, productID)
	if err != nil {
		if stderrors.Is(err, usb.ErrDeviceNotFound) {
			return nil, transport.NewError("open", transport.CodeNotFound, err)
		}
		return nil, wrap("open", err)
	}
	return &device{h: h, vid: vendorID, pid: productID}, nil
}

func (opener) Close() error { return nil }

type device struct {
	h   *usb.DeviceHandle
	vid uint16
	pid uint16

	mu      sync.Mutex
	streams []*isoStream
}

func (d *device) VendorID() uint16  { return d.vid }
func (d *device) ProductID() uint16 { return d.pid }

func (d *device) ClaimInterface(iface uint8) error {
	return wrap("claim-interface", d.h.ClaimInterface(iface))
}

func (d *device) ReleaseInterface(iface uint8) error {
	return wrap("release-interface", d.h.ReleaseInterface(iface))
}

func (d *device) SetAltSetting(iface, alt uint8) error {
	return wrap("set-alt-setting", d.h.SetInterfaceAltSetting(iface, alt))
}

func (d *device) MaxPacketSize(iface, alt, ep uint8) (int, error) {
	cfg, err := d.h.GetConfigDescriptorByValue(0)
	if err != nil {
		return 0, wrap("config-descriptor", err)
	}
	setting := cfg.GetInterfaceAltSetting(iface, alt)
	if setting == nil {
		return 0, transport.NewError("config-descriptor", transport.CodeNotFound,
			fmt.Errorf("interface %d alt setting %d not present", iface, alt))
	}
	for i := range setting.Endpoints {
		if setting.Endpoints[i].EndpointAddr == ep {
			// bits 11-12 encode additional transactions per microframe
			raw := setting.Endpoints[i].MaxPacketSize
			return int(raw&0x7ff) * (1 + int(raw>>11&0x3)), nil
		}
	}
	return 0, transport.NewError("config-descriptor", transport.CodeNotFound,
		fmt.Errorf("endpoint 0x%02x not present on interface %d alt setting %d", ep, iface, alt))
}

func (d *device) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	n, err := d.h.ControlTransfer(requestType, request, value, index, data, timeout)
	if err != nil {
		return n, wrap("control", err)
	}
	return n, nil
}

func (d *device) Bulk(ep uint8, data []byte, timeout time.Duration) (int, error) {
	op := "bulk-out"
	if ep&transport.EndpointDirIn != 0 {
		op = "bulk-in"
	}
	n, err := d.h.BulkTransfer(ep, data, timeout)
	if err != nil {
		return n, wrap(op, err)
	}
	return n, nil
}

func (d *device) StartIsochronous(ep uint8, packets, packetSize int, handler transport.IsoHandler) (transport.IsoStream, error) {
	if packets <= 0 || packetSize <= 0 || handler == nil {
		return nil, transport.NewError("iso-submit", transport.CodeInvalidParam,
			fmt.Errorf("packets=%d packetSize=%d", packets, packetSize))
	}
	s := &isoStream{
		h:          d.h,
		ep:         ep,
		numPackets: packets,
		packetSize: packetSize,
		handler:    handler,
		scratch:    make([]transport.IsoPacket, packets),
		done:       make(chan struct{}),
	}
	if err := s.submit(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// HandleEvents reports a failure once any isochronous stream has died. The
// library reaps completions on its own goroutines.
func (d *device) HandleEvents() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.streams {
		if err := s.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()
	for _, s := range streams {
		_ = s.Stop()
	}
	return wrap("close", d.h.Close())
}

// isoStream keeps exactly one isochronous transfer in flight, submitting a
// fresh one after each completion.
type isoStream struct {
	h          *usb.DeviceHandle
	ep         uint8
	numPackets int
	packetSize int
	handler    transport.IsoHandler
	scratch    []transport.IsoPacket

	mu       sync.Mutex
	current  *usb.IsochronousTransfer
	stopped  atomic.Bool
	err      atomic.Pointer[transport.Error]
	done     chan struct{}
	doneOnce sync.Once
}

func (s *isoStream) submit() error {
	t, err := s.h.NewIsochronousTransfer(s.ep, s.numPackets, s.packetSize)
	if err != nil {
		return wrap("iso-submit", err)
	}
	t.SetCallback(s.complete)

	s.mu.Lock()
	s.current = t
	s.mu.Unlock()

	if err := t.Submit(); err != nil {
		return wrap("iso-submit", err)
	}
	return nil
}

func (s *isoStream) complete(t *usb.IsochronousTransfer) {
	if s.stopped.Load() {
		s.finish(nil)
		return
	}

	if status := t.GetStatus(); status != 0 && packetStatus(status) == transport.StatusNoDevice {
		s.finish(transport.NewError("iso-reap", transport.CodeNoDevice, unix.Errno(-status)))
		return
	}

	buf := t.GetBuffer()
	for i, p := range t.GetPackets() {
		off := i * s.packetSize
		n := min(int(p.ActualLength), s.packetSize, max(len(buf)-off, 0))
		s.scratch[i] = transport.IsoPacket{
			Status: packetStatus(p.Status),
			Length: n,
			Data:   buf[off : off+n],
		}
	}
	s.handler(s.scratch[:len(t.GetPackets())])

	if s.stopped.Load() {
		s.finish(nil)
		return
	}
	if err := s.submit(); err != nil {
		s.finish(err)
	}
}

func (s *isoStream) finish(err error) {
	s.doneOnce.Do(func() {
		var te *transport.Error
		if stderrors.As(err, &te) {
			s.err.Store(te)
		}
		close(s.done)
	})
}

func (s *isoStream) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		s.finish(nil)
		return nil
	}
	if err := t.Cancel(); err != nil {
		// the handle is gone, so nothing is left in flight
		s.finish(nil)
		return wrap("iso-cancel", err)
	}
	return nil
}

func (s *isoStream) Done() <-chan struct{} { return s.done }

func (s *isoStream) Err() error {
	if te := s.err.Load(); te != nil {
		return te
	}
	return nil
}

// packetStatus maps a usbfs per-packet status (a negated errno) onto the
// transport status set.
func packetStatus(status int32) transport.PacketStatus {
	if status == 0 {
		return transport.StatusCompleted
	}
	switch unix.Errno(-status) {
	case unix.ENODEV, unix.ESHUTDOWN:
		return transport.StatusNoDevice
	case unix.ENOENT, unix.ECONNRESET:
		return transport.StatusCancelled
	case unix.ETIMEDOUT:
		return transport.StatusTimedOut
	case unix.EPIPE:
		return transport.StatusStall
	case unix.EOVERFLOW:
		return transport.StatusOverflow
	default:
		return transport.StatusError
	}
}

var sentinelCodes = []struct {
	err  error
	code transport.Code
}{
	{usb.ErrDeviceNotFound, transport.CodeNoDevice},
	{usb.ErrPermissionDenied, transport.CodeAccess},
	{usb.ErrDeviceBusy, transport.CodeBusy},
	{usb.ErrInvalidParameter, transport.CodeInvalidParam},
	{usb.ErrIO, transport.CodeIO},
	{usb.ErrNoDevice, transport.CodeNoDevice},
	{usb.ErrNotFound, transport.CodeNotFound},
	{usb.ErrBusy, transport.CodeBusy},
	{usb.ErrTimeout, transport.CodeTimeout},
	{usb.ErrOverflow, transport.CodeOverflow},
	{usb.ErrPipe, transport.CodePipe},
	{usb.ErrInterrupted, transport.CodeInterrupted},
	{usb.ErrNoMem, transport.CodeNoMem},
	{usb.ErrNotSupported, transport.CodeNotSupported},
	{usb.ErrOther, transport.CodeOther},
}

// wrap converts a library error into a *transport.Error. nil stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *transport.Error
	if stderrors.As(err, &te) {
		return err
	}
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return transport.NewError(op, transport.CodeFromErrno(errno), err)
	}
	for _, sc := range sentinelCodes {
		if stderrors.Is(err, sc.err) {
			return transport.NewError(op, sc.code, err)
		}
	}
	return transport.NewError(op, transport.CodeOther, err)
}
