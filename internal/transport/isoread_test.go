package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errCRC     = stderrors.New("crc mismatch")
	errGone    = stderrors.New("device gone")
	testStatus = func(err error) PacketStatus {
		if stderrors.Is(err, errGone) {
			return StatusNoDevice
		}
		return StatusError
	}
)

type readStep struct {
	n   int
	err error
}

// scriptedReads replays steps, filling each read with its step number. Once
// the script runs out reads block until ctx ends.
func scriptedReads(steps ...readStep) ReadFunc {
	i := 0
	return func(ctx context.Context, buf []byte) (int, error) {
		if i >= len(steps) {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		s := steps[i]
		i++
		copy(buf, bytes.Repeat([]byte{byte(i)}, s.n))
		return s.n, s.err
	}
}

type recordedPacket struct {
	status PacketStatus
	data   []byte
}

func recordTransfers(into *[][]recordedPacket) IsoHandler {
	return func(packets []IsoPacket) {
		transfer := make([]recordedPacket, 0, len(packets))
		for _, p := range packets {
			transfer = append(transfer, recordedPacket{status: p.Status, data: bytes.Clone(p.Data[:p.Length])})
		}
		*into = append(*into, transfer)
	}
}

func TestReadIsochronousKeepsBytesOfFailedRead(t *testing.T) {
	t.Parallel()

	var got [][]recordedPacket
	read := scriptedReads(
		readStep{n: 4},
		readStep{n: 3, err: errCRC},
		readStep{err: errCRC},
		readStep{n: 2, err: errGone},
	)

	err := ReadIsochronous(t.Context(), read, make([]byte, 16), testStatus, time.Millisecond, recordTransfers(&got))
	require.ErrorIs(t, err, errGone)

	assert.Equal(t, [][]recordedPacket{
		{{status: StatusCompleted, data: []byte{1, 1, 1, 1}}},
		{{status: StatusCompleted, data: []byte{2, 2, 2}}, {status: StatusError}},
		{{status: StatusError}},
		{{status: StatusCompleted, data: []byte{4, 4}}},
	}, got)
}

func TestReadIsochronousWaitsBetweenFailedReads(t *testing.T) {
	t.Parallel()

	const retry = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var reads []time.Time
	read := func(_ context.Context, _ []byte) (int, error) {
		reads = append(reads, time.Now())
		if len(reads) == 3 {
			cancel()
		}
		return 0, errCRC
	}

	err := ReadIsochronous(ctx, read, make([]byte, 8), testStatus, retry, func([]IsoPacket) {})
	require.NoError(t, err)
	require.Len(t, reads, 3)
	for i := 1; i < len(reads); i++ {
		assert.GreaterOrEqual(t, reads[i].Sub(reads[i-1]), retry)
	}
}

func TestReadIsochronousStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- ReadIsochronous(ctx, scriptedReads(readStep{n: 1}), make([]byte, 8), testStatus, time.Millisecond, func([]IsoPacket) {})
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop after cancel")
	}
}
