package stream

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/ringbuf"
	"github.com/tphakala/aoa-go/internal/testutil"
	"github.com/tphakala/aoa-go/internal/transport"
	"github.com/tphakala/aoa-go/internal/transport/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testLog = logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, nil)

// recordingSink collects everything written to it.
type recordingSink struct {
	mu     sync.Mutex
	data   bytes.Buffer
	chunks [][]byte
	err    error
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.chunks = append(s.chunks, bytes.Clone(p))
	s.data.Write(p)
	return len(p), nil
}

func (s *recordingSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.data.Bytes())
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Len()
}

func newHandles(t *testing.T, capacity int) (*ringbuf.Buffer, *ringbuf.Producer, *ringbuf.Consumer) {
	t.Helper()
	buf, err := ringbuf.New(capacity)
	require.NoError(t, err)
	w, err := buf.Producer()
	require.NoError(t, err)
	r, err := buf.Consumer()
	require.NoError(t, err)
	return buf, w, r
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}

func TestProducerDropsFailedPackets(t *testing.T) {
	t.Parallel()

	const size = 192
	buf, w, _ := newHandles(t, 400*size)
	p := NewProducer(t.Context(), buf, w, time.Millisecond, nil, testLog)

	packets := mock.Packets(400, size, 0)
	for _, i := range []int{3, 77, 150, 151, 399} {
		packets[i].Status = transport.StatusError
	}
	p.HandleTransfer(packets)

	assert.Equal(t, 395*size, buf.Available())
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Transfers)
	assert.Equal(t, uint64(395), stats.Packets)
	assert.Equal(t, uint64(5), stats.DroppedPackets)
	assert.Equal(t, uint64(395*size), stats.Bytes)

	// the pipeline keeps accepting transfers after failures
	p.HandleTransfer(mock.Packets(1, size, 0))
	assert.Equal(t, 396*size, buf.Available())
}

func TestProducerSkipsPacketsOfOtherStatuses(t *testing.T) {
	t.Parallel()

	buf, w, r := newHandles(t, 64)
	p := NewProducer(t.Context(), buf, w, time.Millisecond, nil, testLog)

	p.HandleTransfer([]transport.IsoPacket{
		{Status: transport.StatusCompleted, Length: 3, Data: []byte("abc")},
		{Status: transport.StatusOverflow, Length: 3, Data: []byte("xxx")},
		{Status: transport.StatusCompleted, Length: 0, Data: nil},
		{Status: transport.StatusCompleted, Length: 2, Data: []byte("de")},
	})

	out := make([]byte, 8)
	n := r.Read(out)
	assert.Equal(t, "abcde", string(out[:n]))
}

func TestProducerAbandonsWritesWhenStopped(t *testing.T) {
	t.Parallel()

	buf, w, _ := newHandles(t, 100)
	ctx, cancel := context.WithCancel(t.Context())
	p := NewProducer(ctx, buf, w, time.Millisecond, nil, testLog)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.HandleTransfer(mock.Packets(2, 96, 0))
	}()

	require.Eventually(t, func() bool { return buf.Free() == 0 }, time.Second, time.Millisecond)
	cancel()

	testutil.WaitForChannel(t, done, testutil.ShortTestTimeout, "producer did not give up after cancellation")
	assert.Equal(t, 100, buf.Available())
}

func TestDrainerPreloadThenData(t *testing.T) {
	t.Parallel()

	_, w, r := newHandles(t, 8192)
	d := NewDrainer(r, DrainConfig{
		WorkingSize:     1024,
		MinTransfer:     512,
		PollInterval:    time.Millisecond,
		Preload:         true,
		PreloadInterval: time.Millisecond,
	}, nil, testLog)

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.Len() >= 2*1024 }, time.Second, time.Millisecond)
	assert.Equal(t, make([]byte, sink.Len()), sink.Bytes(), "only silence before data arrives")

	data := pattern(2048, 1)
	require.Equal(t, len(data), w.Write(data))

	require.Eventually(t, func() bool {
		return d.Stats().Bytes == d.Stats().PreloadChunks*1024+2048
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	preload := int(d.Stats().PreloadChunks)
	out := sink.Bytes()
	require.Len(t, out, preload*1024+2048)
	assert.Equal(t, make([]byte, preload*1024), out[:preload*1024])
	assert.Equal(t, data, out[preload*1024:])
}

func TestDrainerWaitsForMinimumTransfer(t *testing.T) {
	t.Parallel()

	_, w, r := newHandles(t, 4096)
	d := NewDrainer(r, DrainConfig{WorkingSize: 1024, MinTransfer: 512, PollInterval: time.Millisecond}, nil, testLog)

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, sink) }()

	w.Write(pattern(511, 0))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sink.Len(), "below the minimum transfer nothing is forwarded")

	w.Write(pattern(1, 0))
	require.Eventually(t, func() bool { return sink.Len() == 512 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestDrainerClampsChunksToWorkingSize(t *testing.T) {
	t.Parallel()

	_, w, r := newHandles(t, 4096)
	d := NewDrainer(r, DrainConfig{WorkingSize: 1000, MinTransfer: 100, PollInterval: time.Millisecond}, nil, testLog)

	data := pattern(3000, 7)
	require.Equal(t, 3000, w.Write(data))

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.Len() == 3000 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, c := range sink.chunks {
		assert.LessOrEqual(t, len(c), 1000)
	}
	assert.Equal(t, data, sink.data.Bytes())
}

func TestDrainerSinkErrorTerminates(t *testing.T) {
	t.Parallel()

	_, w, r := newHandles(t, 4096)
	d := NewDrainer(r, DrainConfig{WorkingSize: 256, MinTransfer: 256, PollInterval: time.Millisecond}, nil, testLog)
	w.Write(pattern(256, 0))

	sinkErr := stderrors.New("device unplugged")
	err := d.Run(t.Context(), &recordingSink{err: sinkErr})
	require.ErrorIs(t, err, ErrSink)
	assert.ErrorIs(t, err, sinkErr)
}

// blockingSink blocks every Write until Interrupt is called.
type blockingSink struct {
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Write(p []byte) (int, error) {
	<-s.release
	return 0, io.ErrClosedPipe
}

func (s *blockingSink) Interrupt() {
	s.once.Do(func() { close(s.release) })
}

func TestDrainerInterruptsBlockedSinkOnCancel(t *testing.T) {
	t.Parallel()

	_, w, r := newHandles(t, 4096)
	d := NewDrainer(r, DrainConfig{WorkingSize: 256, MinTransfer: 256, PollInterval: time.Millisecond}, nil, testLog)
	w.Write(pattern(1024, 0))

	ctx, cancel := context.WithCancel(t.Context())
	sink := &blockingSink{release: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, sink) }()

	cancel()
	err := testutil.WaitForValue(t, done, testutil.DefaultTestTimeout, "drainer stayed blocked in the sink")
	assert.NoError(t, err)
}

func TestDrainerPreloadSinkError(t *testing.T) {
	t.Parallel()

	_, _, r := newHandles(t, 4096)
	d := NewDrainer(r, DrainConfig{WorkingSize: 256, MinTransfer: 256, Preload: true}, nil, testLog)

	err := d.Run(t.Context(), &recordingSink{err: io.ErrClosedPipe})
	require.ErrorIs(t, err, ErrSink)
}

func TestProducerToSinkPreservesOrder(t *testing.T) {
	t.Parallel()

	const (
		transfers = 200
		packets   = 10
		size      = 192
	)
	buf, w, r := newHandles(t, 4096)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	p := NewProducer(ctx, buf, w, time.Millisecond, nil, testLog)
	d := NewDrainer(r, DrainConfig{WorkingSize: 1000, MinTransfer: 1, PollInterval: time.Millisecond}, nil, testLog)

	var expected bytes.Buffer
	batches := make([][]transport.IsoPacket, transfers)
	for i := range batches {
		batches[i] = mock.Packets(packets, size, byte(i*packets*size))
		for _, pkt := range batches[i] {
			expected.Write(pkt.Data)
		}
	}

	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, sink) }()

	for _, batch := range batches {
		p.HandleTransfer(batch)
	}

	require.Eventually(t, func() bool { return sink.Len() == expected.Len() }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, expected.Bytes(), sink.Bytes())
}

func testConfig() Config {
	return Config{
		Interface:     2,
		AltSetting:    1,
		Endpoint:      0x83,
		Packets:       400,
		RetryInterval: time.Millisecond,
		Drain: DrainConfig{
			WorkingSize:  4096,
			MinTransfer:  192,
			PollInterval: time.Millisecond,
		},
	}
}

func TestPipelineStreamsIsochronousData(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice(0x18d1, 0x2d05)
	require.NoError(t, dev.ClaimInterface(2))

	buf, err := ringbuf.New(400 * 192)
	require.NoError(t, err)
	p, err := NewPipeline(dev, buf, testConfig(), WithLogger(testLog))
	require.NoError(t, err)

	require.NoError(t, p.Start(t.Context()))
	alt, ok := dev.AltSetting(2)
	require.True(t, ok)
	assert.Equal(t, uint8(1), alt)
	assert.Equal(t, 192, p.PacketSize())

	iso := dev.Iso()
	require.NotNil(t, iso)
	assert.Equal(t, uint8(0x83), iso.Endpoint)
	assert.Equal(t, 400, iso.Packets)
	assert.Equal(t, 192, iso.PacketSize)

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, sink) }()

	packets := mock.Packets(10, 192, 0)
	require.True(t, iso.Deliver(packets))
	require.Eventually(t, func() bool { return sink.Len() == 1920 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	require.NoError(t, p.Stop())
	assert.True(t, iso.Stopped())
	assert.False(t, iso.Deliver(packets))

	stats := p.Stats()
	assert.Equal(t, uint64(10), stats.Producer.Packets)
	assert.Equal(t, uint64(1920), stats.Drainer.Bytes)
}

func TestPipelineRunEndsWhenStreamFails(t *testing.T) {
	t.Parallel()

	dev := mock.NewDevice(0x18d1, 0x2d02)
	require.NoError(t, dev.ClaimInterface(2))
	buf, err := ringbuf.New(4096)
	require.NoError(t, err)

	p, err := NewPipeline(dev, buf, testConfig(), WithLogger(testLog))
	require.NoError(t, err)
	require.NoError(t, p.Start(t.Context()))

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(t.Context(), &recordingSink{}) }()

	detach := transport.NewError("iso", transport.CodeNoDevice, nil)
	dev.Iso().Fail(detach)

	err = testutil.WaitForValue(t, errCh, testutil.ShortTestTimeout, "Run did not return after the stream failed")
	require.Error(t, err)
	assert.True(t, transport.IsCode(err, transport.CodeNoDevice))
	require.NoError(t, p.Stop())
}

func TestPipelineStartErrors(t *testing.T) {
	t.Parallel()

	t.Run("alt setting", func(t *testing.T) {
		t.Parallel()
		dev := mock.NewDevice(0x18d1, 0x2d02)
		buf, err := ringbuf.New(4096)
		require.NoError(t, err)
		p, err := NewPipeline(dev, buf, testConfig(), WithLogger(testLog))
		require.NoError(t, err)

		// interface 2 was never claimed
		err = p.Start(t.Context())
		require.Error(t, err)
		assert.True(t, transport.IsCode(err, transport.CodeNotFound))
		assert.Nil(t, dev.Iso())
	})

	t.Run("isochronous submit", func(t *testing.T) {
		t.Parallel()
		dev := mock.NewDevice(0x18d1, 0x2d02)
		require.NoError(t, dev.ClaimInterface(2))
		dev.IsoErr = transport.NewError("iso-submit", transport.CodeNoMem, nil)
		buf, err := ringbuf.New(4096)
		require.NoError(t, err)
		p, err := NewPipeline(dev, buf, testConfig(), WithLogger(testLog))
		require.NoError(t, err)

		err = p.Start(t.Context())
		assert.True(t, transport.IsCode(err, transport.CodeNoMem))
		require.NoError(t, p.Stop())
	})

	t.Run("run before start", func(t *testing.T) {
		t.Parallel()
		dev := mock.NewDevice(0x18d1, 0x2d02)
		buf, err := ringbuf.New(4096)
		require.NoError(t, err)
		p, err := NewPipeline(dev, buf, testConfig(), WithLogger(testLog))
		require.NoError(t, err)
		assert.Error(t, p.Run(t.Context(), &recordingSink{}))
	})
}

func TestNewPipelineRequiresFreshBuffer(t *testing.T) {
	t.Parallel()

	buf, err := ringbuf.New(64)
	require.NoError(t, err)
	_, err = buf.Producer()
	require.NoError(t, err)

	_, err = NewPipeline(mock.NewDevice(0x18d1, 0x2d02), buf, testConfig())
	require.ErrorIs(t, err, ringbuf.ErrHandleTaken)
}
