//go:build cgo && libusb

package libusb

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/tphakala/aoa-go/internal/transport"
)

// Name is the backend name used in configuration.
const Name = "libusb"

// isoRetryInterval is the pause after a failed isochronous read.
const isoRetryInterval = 5 * time.Millisecond

func init() {
	transport.Register(Name, func() (transport.Opener, error) {
		return &opener{ctx: gousb.NewContext()}, nil
	})
}

type opener struct {
	ctx *gousb.Context
}

func (o *opener) Open(vendorID, productID uint16) (transport.Device, error) {
	dev, err := o.ctx.OpenDeviceWithVIDPID(gousb.ID(vendorID), gousb.ID(productID))
	if err != nil {
		return nil, wrap("open", err)
	}
	if dev == nil {
		return nil, transport.NewError("open", transport.CodeNotFound,
			fmt.Errorf("no device 0x%04x:0x%04x", vendorID, productID))
	}
	// failure here only means the platform cannot detach kernel drivers
	_ = dev.SetAutoDetach(true)

	return &device{
		dev:        dev,
		vid:        vendorID,
		pid:        productID,
		interfaces: make(map[uint8]*gousb.Interface),
	}, nil
}

func (o *opener) Close() error {
	return wrap("close-context", o.ctx.Close())
}

type device struct {
	dev *gousb.Device
	vid uint16
	pid uint16

	mu         sync.Mutex
	cfg        *gousb.Config
	interfaces map[uint8]*gousb.Interface
	streams    []*isoStream
}

func (d *device) VendorID() uint16  { return d.vid }
func (d *device) ProductID() uint16 { return d.pid }

// config claims the active configuration on first use. Callers hold d.mu.
func (d *device) config() (*gousb.Config, error) {
	if d.cfg != nil {
		return d.cfg, nil
	}
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, wrap("active-config", err)
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return nil, wrap("claim-config", err)
	}
	d.cfg = cfg
	return cfg, nil
}

func (d *device) claim(iface, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := d.config()
	if err != nil {
		return err
	}
	if existing, ok := d.interfaces[iface]; ok {
		if existing.Setting.Alternate == int(alt) {
			return nil
		}
		existing.Close()
		delete(d.interfaces, iface)
	}
	intf, err := cfg.Interface(int(iface), int(alt))
	if err != nil {
		return wrap("claim-interface", err)
	}
	d.interfaces[iface] = intf
	return nil
}

func (d *device) ClaimInterface(iface uint8) error {
	return d.claim(iface, 0)
}

func (d *device) SetAltSetting(iface, alt uint8) error {
	if err := d.claim(iface, alt); err != nil {
		var te *transport.Error
		if stderrors.As(err, &te) {
			te.Op = "set-alt-setting"
		}
		return err
	}
	return nil
}

func (d *device) ReleaseInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if intf, ok := d.interfaces[iface]; ok {
		intf.Close()
		delete(d.interfaces, iface)
	}
	return nil
}

func (d *device) MaxPacketSize(iface, alt, ep uint8) (int, error) {
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return 0, wrap("active-config", err)
	}
	cfgDesc, ok := d.dev.Desc.Configs[num]
	if !ok {
		return 0, transport.NewError("config-descriptor", transport.CodeNotFound,
			fmt.Errorf("configuration %d not present", num))
	}
	for _, ifDesc := range cfgDesc.Interfaces {
		if ifDesc.Number != int(iface) {
			continue
		}
		for _, setting := range ifDesc.AltSettings {
			if setting.Alternate != int(alt) {
				continue
			}
			if epDesc, ok := setting.Endpoints[gousb.EndpointAddress(ep)]; ok {
				return epDesc.MaxPacketSize, nil
			}
		}
	}
	return 0, transport.NewError("config-descriptor", transport.CodeNotFound,
		fmt.Errorf("endpoint 0x%02x not present on interface %d alt setting %d", ep, iface, alt))
}

func (d *device) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	d.dev.ControlTimeout = timeout
	n, err := d.dev.Control(requestType, request, value, index, data)
	if err != nil {
		return n, wrap("control", err)
	}
	return n, nil
}

// inEndpoint finds the claimed interface carrying endpoint address ep.
func (d *device) inEndpoint(ep uint8) (*gousb.InEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, intf := range d.interfaces {
		if _, ok := intf.Setting.Endpoints[gousb.EndpointAddress(ep)]; ok {
			in, err := intf.InEndpoint(int(ep & 0x0f))
			if err != nil {
				return nil, wrap("open-endpoint", err)
			}
			return in, nil
		}
	}
	return nil, transport.NewError("open-endpoint", transport.CodeNotFound,
		fmt.Errorf("endpoint 0x%02x is not on a claimed interface", ep))
}

func (d *device) outEndpoint(ep uint8) (*gousb.OutEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, intf := range d.interfaces {
		if _, ok := intf.Setting.Endpoints[gousb.EndpointAddress(ep)]; ok {
			out, err := intf.OutEndpoint(int(ep & 0x0f))
			if err != nil {
				return nil, wrap("open-endpoint", err)
			}
			return out, nil
		}
	}
	return nil, transport.NewError("open-endpoint", transport.CodeNotFound,
		fmt.Errorf("endpoint 0x%02x is not on a claimed interface", ep))
}

func (d *device) Bulk(ep uint8, data []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if ep&transport.EndpointDirIn != 0 {
		in, err := d.inEndpoint(ep)
		if err != nil {
			return 0, err
		}
		n, err := in.ReadContext(ctx, data)
		if err != nil {
			return n, wrap("bulk-in", err)
		}
		return n, nil
	}

	out, err := d.outEndpoint(ep)
	if err != nil {
		return 0, err
	}
	n, err := out.WriteContext(ctx, data)
	if err != nil {
		return n, wrap("bulk-out", err)
	}
	return n, nil
}

// StartIsochronous reads the endpoint continuously. libusb reassembles the
// sub-packets of each transfer, so every read is delivered as one packet and
// per-sub-packet status is not available. A failed read still delivers the
// bytes received before the failure.
func (d *device) StartIsochronous(ep uint8, packets, packetSize int, handler transport.IsoHandler) (transport.IsoStream, error) {
	if packets <= 0 || packetSize <= 0 || handler == nil {
		return nil, transport.NewError("iso-submit", transport.CodeInvalidParam,
			fmt.Errorf("packets=%d packetSize=%d", packets, packetSize))
	}
	in, err := d.inEndpoint(ep)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &isoStream{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, in, make([]byte, packets*packetSize), handler)

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

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
		<-s.Done()
	}

	d.mu.Lock()
	for num, intf := range d.interfaces {
		intf.Close()
		delete(d.interfaces, num)
	}
	var cfgErr error
	if d.cfg != nil {
		cfgErr = d.cfg.Close()
		d.cfg = nil
	}
	d.mu.Unlock()

	return wrap("close", stderrors.Join(cfgErr, d.dev.Close()))
}

type isoStream struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *isoStream) run(ctx context.Context, in *gousb.InEndpoint, buf []byte, handler transport.IsoHandler) {
	defer close(s.done)
	if err := transport.ReadIsochronous(ctx, in.ReadContext, buf, packetStatus, isoRetryInterval, handler); err != nil {
		s.mu.Lock()
		s.err = wrap("iso-reap", err)
		s.mu.Unlock()
	}
}

func (s *isoStream) Stop() error {
	s.cancel()
	return nil
}

func (s *isoStream) Done() <-chan struct{} { return s.done }

func (s *isoStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func packetStatus(err error) transport.PacketStatus {
	var ts gousb.TransferStatus
	if stderrors.As(err, &ts) {
		switch ts {
		case gousb.TransferCompleted:
			return transport.StatusCompleted
		case gousb.TransferTimedOut:
			return transport.StatusTimedOut
		case gousb.TransferCancelled:
			return transport.StatusCancelled
		case gousb.TransferStall:
			return transport.StatusStall
		case gousb.TransferNoDevice:
			return transport.StatusNoDevice
		case gousb.TransferOverflow:
			return transport.StatusOverflow
		default:
			return transport.StatusError
		}
	}
	if errorCode(err) == transport.CodeNoDevice {
		return transport.StatusNoDevice
	}
	return transport.StatusError
}

var libusbCodes = map[gousb.Error]transport.Code{
	gousb.ErrorIO:           transport.CodeIO,
	gousb.ErrorInvalidParam: transport.CodeInvalidParam,
	gousb.ErrorAccess:       transport.CodeAccess,
	gousb.ErrorNoDevice:     transport.CodeNoDevice,
	gousb.ErrorNotFound:     transport.CodeNotFound,
	gousb.ErrorBusy:         transport.CodeBusy,
	gousb.ErrorTimeout:      transport.CodeTimeout,
	gousb.ErrorOverflow:     transport.CodeOverflow,
	gousb.ErrorPipe:         transport.CodePipe,
	gousb.ErrorInterrupted:  transport.CodeInterrupted,
	gousb.ErrorNoMem:        transport.CodeNoMem,
	gousb.ErrorNotSupported: transport.CodeNotSupported,
	gousb.ErrorOther:        transport.CodeOther,
}

func errorCode(err error) transport.Code {
	var le gousb.Error
	if stderrors.As(err, &le) {
		if code, ok := libusbCodes[le]; ok {
			return code
		}
	}
	var ts gousb.TransferStatus
	if stderrors.As(err, &ts) {
		switch ts {
		case gousb.TransferTimedOut:
			return transport.CodeTimeout
		case gousb.TransferNoDevice:
			return transport.CodeNoDevice
		case gousb.TransferOverflow:
			return transport.CodeOverflow
		case gousb.TransferStall:
			return transport.CodePipe
		case gousb.TransferCancelled:
			return transport.CodeInterrupted
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return transport.CodeTimeout
	}
	return transport.CodeOther
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *transport.Error
	if stderrors.As(err, &te) {
		return err
	}
	return transport.NewError(op, errorCode(err), err)
}
