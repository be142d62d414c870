package httpstore

import (
	"io"
	"sync"
	"time"
)

// readTracker measures read parallelism. wall grows only while at least one
// read is in flight; sequential is the sum of every read's own duration, so
// sequential/wall approximates the average number of concurrent reads.
type readTracker struct {
	mu          sync.Mutex
	active      int
	activeSince time.Time
	wall        time.Duration
	sequential  time.Duration
	bytes       int64
}

type readSnapshot struct {
	wall       time.Duration
	sequential time.Duration
	bytes      int64
}

func (t *readTracker) begin() time.Time {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		t.activeSince = now
	}
	t.active++
	return now
}

func (t *readTracker) end(start time.Time, n int64) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	t.sequential += now.Sub(start)
	t.bytes += n
	if t.active == 0 {
		t.wall += now.Sub(t.activeSince)
	}
}

func (t *readTracker) snapshot() readSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := readSnapshot{wall: t.wall, sequential: t.sequential, bytes: t.bytes}
	if t.active > 0 {
		s.wall += time.Since(t.activeSince)
	}
	return s
}

// trackedBody reports its bytes and lifetime to the tracker on Close.
type trackedBody struct {
	io.Reader
	closer  io.Closer
	tracker *readTracker
	start   time.Time
	n       int64
	once    sync.Once
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *trackedBody) Close() error {
	err := b.closer.Close()
	b.once.Do(func() { b.tracker.end(b.start, b.n) })
	return err
}
