// Package ringbuf provides the fixed-capacity byte buffer that decouples the
// isochronous receive callback from the audio drain loop.
//
// A Buffer hands out exactly one Producer and one Consumer. Writes and reads
// never block inside the buffer; callers layer their own waiting on top using
// Producer.Wait and Consumer.Wait, which wake early when the other side makes
// progress.
package ringbuf

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/aoa-go/internal/errors"
)

// MaxCapacity bounds a single buffer allocation.
const MaxCapacity = 64 << 20

var (
	// ErrAllocationFailed is returned when the buffer storage cannot be reserved.
	ErrAllocationFailed = errors.NewStd("ring buffer allocation failed")
	// ErrHandleTaken is returned when a producer or consumer handle is requested twice.
	ErrHandleTaken = errors.NewStd("ring buffer handle already taken")
)

// Buffer is a fixed-capacity FIFO byte store shared by one producer and one consumer.
type Buffer struct {
	rb       *ringbuffer.RingBuffer
	capacity int

	dataReady  chan struct{} // signalled after a write
	spaceReady chan struct{} // signalled after a read

	producerTaken atomic.Bool
	consumerTaken atomic.Bool

	written atomic.Uint64
	read    atomic.Uint64
}

// New allocates a buffer of the given capacity in bytes.
func New(capacity int) (buf *Buffer, err error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, errors.Newf("%w: capacity %d outside 1..%d", ErrAllocationFailed, capacity, MaxCapacity).
			Category(errors.CategoryBuffer).
			Context("capacity", capacity).
			Build()
	}

	// make panics rather than returning an error when memory is exhausted
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = errors.Newf("%w: %v", ErrAllocationFailed, r).
				Category(errors.CategorySystem).
				Context("capacity", capacity).
				Build()
		}
	}()

	rb := ringbuffer.New(capacity)
	if rb == nil {
		return nil, errors.Newf("%w: capacity %d", ErrAllocationFailed, capacity).
			Category(errors.CategoryBuffer).
			Build()
	}

	return &Buffer{
		rb:         rb,
		capacity:   capacity,
		dataReady:  make(chan struct{}, 1),
		spaceReady: make(chan struct{}, 1),
	}, nil
}

// Capacity returns the fixed capacity in bytes.
func (b *Buffer) Capacity() int { return b.capacity }

// Available returns the number of unread bytes.
func (b *Buffer) Available() int { return b.rb.Length() }

// Free returns the number of bytes that can be written without overflow.
func (b *Buffer) Free() int { return b.rb.Free() }

// Fill returns the fraction of the capacity currently holding unread data.
func (b *Buffer) Fill() float64 {
	return float64(b.rb.Length()) / float64(b.capacity)
}

// Stats returns the total bytes written and read over the buffer's lifetime.
func (b *Buffer) Stats() (written, read uint64) {
	return b.written.Load(), b.read.Load()
}

// Producer returns the write handle. It can be taken once.
func (b *Buffer) Producer() (*Producer, error) {
	if !b.producerTaken.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("producer: %w", ErrHandleTaken)
	}
	return &Producer{b: b}, nil
}

// Consumer returns the read handle. It can be taken once.
func (b *Buffer) Consumer() (*Consumer, error) {
	if !b.consumerTaken.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("consumer: %w", ErrHandleTaken)
	}
	return &Consumer{b: b}, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wait blocks until ch is signalled, the interval elapses or ctx is done.
func wait(ctx context.Context, ch chan struct{}, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	}
}

// Producer is the single write handle of a Buffer.
type Producer struct {
	b *Buffer
}

// Write copies as many bytes of data as currently fit and returns the count.
// A short count means the buffer is full; the caller retries the remainder.
func (p *Producer) Write(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := min(len(data), p.b.rb.Free())
	if n == 0 {
		return 0
	}
	// the consumer only ever frees space, so n bytes are guaranteed to fit
	written, _ := p.b.rb.Write(data[:n])
	if written > 0 {
		p.b.written.Add(uint64(written))
		signal(p.b.dataReady)
	}
	return written
}

// Free returns the number of bytes that can be written without overflow.
func (p *Producer) Free() int { return p.b.rb.Free() }

// Wait blocks until the consumer frees space, interval elapses or ctx is done.
func (p *Producer) Wait(ctx context.Context, interval time.Duration) error {
	return wait(ctx, p.b.spaceReady, interval)
}

// Consumer is the single read handle of a Buffer.
type Consumer struct {
	b *Buffer
}

// Read copies up to len(dst) unread bytes into dst and returns the count,
// which is zero when the buffer is empty.
func (c *Consumer) Read(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	n := min(len(dst), c.b.rb.Length())
	if n == 0 {
		return 0
	}
	read, _ := c.b.rb.Read(dst[:n])
	if read > 0 {
		c.b.read.Add(uint64(read))
		signal(c.b.spaceReady)
	}
	return read
}

// Available returns the number of unread bytes.
func (c *Consumer) Available() int { return c.b.rb.Length() }

// Wait blocks until the producer writes, interval elapses or ctx is done.
func (c *Consumer) Wait(ctx context.Context, interval time.Duration) error {
	return wait(ctx, c.b.dataReady, interval)
}
