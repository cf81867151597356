package transport

import (
	"context"
	"time"
)

// ReadFunc performs one blocking read of a whole isochronous transfer.
type ReadFunc func(ctx context.Context, buf []byte) (int, error)

// ReadIsochronous feeds handler from a backend that can only read whole
// transfers. Each read is reported as one completed packet. A failed read
// delivers the bytes it did receive as a completed packet followed by a
// packet carrying the failure status, then waits retry before reading again.
//
// It returns nil once ctx ends and the read error once status maps it to
// StatusNoDevice.
func ReadIsochronous(ctx context.Context, read ReadFunc, buf []byte, status func(error) PacketStatus, retry time.Duration, handler IsoHandler) error {
	packets := make([]IsoPacket, 0, 2)
	for {
		n, err := read(ctx, buf)
		if ctx.Err() != nil {
			return nil
		}

		packets = packets[:0]
		if err == nil || n > 0 {
			packets = append(packets, IsoPacket{Status: StatusCompleted, Length: n, Data: buf[:n]})
		}
		if err == nil {
			handler(packets)
			continue
		}

		st := status(err)
		if st == StatusNoDevice {
			if len(packets) > 0 {
				handler(packets)
			}
			return err
		}
		handler(append(packets, IsoPacket{Status: st}))

		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
