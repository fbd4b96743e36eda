package render

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultFrameInterval approximates one display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameSource runs a callback at the next animation frame. The returned
// function cancels the request if it has not fired yet.
type FrameSource interface {
	RequestFrame(fn func()) (cancel func())
}

// ClockFrames fires frames on a fixed interval of the given clock.
type ClockFrames struct {
	clock    clock.Clock
	interval time.Duration
}

// NewClockFrames fires frames every interval on c; zero means DefaultFrameInterval.
func NewClockFrames(c clock.Clock, interval time.Duration) *ClockFrames {
	if c == nil {
		c = clock.New()
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &ClockFrames{clock: c, interval: interval}
}

func (f *ClockFrames) RequestFrame(fn func()) func() {
	t := f.clock.AfterFunc(f.interval, fn)
	return func() { t.Stop() }
}

// ManualFrames queues frame callbacks until the host calls Tick.
type ManualFrames struct {
	mu      sync.Mutex
	seq     uint64
	pending map[uint64]func()
	order   []uint64
}

// NewManualFrames returns a frame source driven by Tick.
func NewManualFrames() *ManualFrames {
	return &ManualFrames{pending: make(map[uint64]func())}
}

func (f *ManualFrames) RequestFrame(fn func()) func() {
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.pending[id] = fn
	f.order = append(f.order, id)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
	}
}

// Tick runs every callback requested before the call and reports how many ran.
// Callbacks requested while ticking wait for the next Tick.
func (f *ManualFrames) Tick() int {
	f.mu.Lock()
	order := f.order
	f.order = nil
	var due []func()
	for _, id := range order {
		if fn, ok := f.pending[id]; ok {
			due = append(due, fn)
			delete(f.pending, id)
		}
	}
	f.mu.Unlock()

	for _, fn := range due {
		fn()
	}
	return len(due)
}

// Pending reports the number of outstanding frame requests.
func (f *ManualFrames) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
