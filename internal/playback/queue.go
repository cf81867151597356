package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
)

// pcmQueue sits between Write, called from the drain loop, and the device
// callback, called from the audio thread.
type pcmQueue struct {
	rb      *ringbuffer.RingBuffer
	poll    time.Duration
	closed  atomic.Bool
	stopped atomic.Bool

	done     chan struct{}
	doneOnce sync.Once

	underruns atomic.Uint64
	silence   atomic.Uint64 // bytes of silence inserted on underrun
}

func newPCMQueue(size int, poll time.Duration) *pcmQueue {
	if size <= 0 {
		size = 64 << 10
	}
	return &pcmQueue{rb: ringbuffer.New(size), poll: poll, done: make(chan struct{})}
}

// write queues all of p, waiting while the queue is full. A waiting write
// returns as soon as the queue is closed or the device stops.
func (q *pcmQueue) write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if err := q.err(); err != nil {
			return total, err
		}
		n := min(len(p)-total, q.rb.Free())
		if n == 0 {
			q.wait()
			continue
		}
		written, _ := q.rb.Write(p[total : total+n])
		total += written
	}
	return total, nil
}

func (q *pcmQueue) wait() {
	t := time.NewTimer(q.poll)
	defer t.Stop()
	select {
	case <-q.done:
	case <-t.C:
	}
}

func (q *pcmQueue) err() error {
	switch {
	case q.stopped.Load():
		return ErrDeviceStopped
	case q.closed.Load():
		return ErrClosed
	}
	return nil
}

// fill copies queued PCM into out and zero-fills whatever is missing.
func (q *pcmQueue) fill(out []byte) {
	n := min(len(out), q.rb.Length())
	read := 0
	if n > 0 {
		read, _ = q.rb.Read(out[:n])
	}
	if read < len(out) {
		clear(out[read:])
		q.underruns.Add(1)
		q.silence.Add(uint64(len(out) - read))
	}
}

// fail marks the queue as feeding a device that is no longer running.
// It is a no-op after close.
func (q *pcmQueue) fail() bool {
	if q.closed.Load() {
		return false
	}
	q.stopped.Store(true)
	q.doneOnce.Do(func() { close(q.done) })
	return true
}

func (q *pcmQueue) close() {
	q.closed.Store(true)
	q.doneOnce.Do(func() { close(q.done) })
}
