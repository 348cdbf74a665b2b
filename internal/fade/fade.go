// Package fade runs timed linear interpolation between universe
// snapshots. At most one fade is in flight per engine; starting a new
// one cancels the previous fade at its current position.
package fade

import (
	"math"
	"sync"
	"time"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/universe"
)

// DefaultInterval matches the transmitter's frame period so a fade
// produces at most one value per channel per serial frame.
const DefaultInterval = 25 * time.Millisecond

// Handle tracks one fadeTo call. Done is closed when the fade
// completes or is cancelled; there is no rollback either way.
type Handle struct {
	done chan struct{}
	once sync.Once
	stop chan struct{}
	stp  sync.Once
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{}), stop: make(chan struct{})}
}

// Done reports completion (or cancellation) of the fade.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) complete() { h.once.Do(func() { close(h.done) }) }

func (h *Handle) halt() { h.stp.Do(func() { close(h.stop) }) }

// Engine interpolates the universe towards a target snapshot on a
// fixed tick.
type Engine struct {
	log      logger.Logger
	uni      *universe.Universe
	interval time.Duration

	mu      sync.Mutex
	current *Handle
}

func New(log logger.Logger, uni *universe.Universe) *Engine {
	return NewWithInterval(log, uni, DefaultInterval)
}

func NewWithInterval(log logger.Logger, uni *universe.Universe, interval time.Duration) *Engine {
	return &Engine{log: log, uni: uni, interval: interval}
}

// FadeTo starts a linear fade from the current raw state to target.
// A non-positive duration applies the target immediately. Any fade
// already in flight is cancelled first and its handle resolved.
func (e *Engine) FadeTo(target dmx.Snapshot, duration time.Duration) *Handle {
	e.mu.Lock()
	e.cancelLocked()

	h := newHandle()
	if duration <= 0 {
		e.mu.Unlock()
		e.uni.ApplySnapshot(target)
		h.complete()
		return h
	}

	e.current = h
	start := e.uni.GetRaw()
	e.mu.Unlock()

	go e.run(h, start, target, duration)
	return h
}

// FadeToBlackout fades every channel to zero.
func (e *Engine) FadeToBlackout(duration time.Duration) *Handle {
	return e.FadeTo(dmx.Snapshot{}, duration)
}

// Cancel stops the in-flight fade, if any, leaving the universe at
// whatever frame was applied last.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelLocked()
	e.mu.Unlock()
}

// Active reports whether a fade is currently running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

func (e *Engine) cancelLocked() {
	if e.current == nil {
		return
	}
	e.current.halt()
	e.current.complete()
	e.current = nil
}

func (e *Engine) run(h *Handle, start, target dmx.Snapshot, duration time.Duration) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	began := time.Now()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			progress := float64(time.Since(began)) / float64(duration)
			if progress >= 1 {
				progress = 1
			}
			e.uni.ApplySnapshot(interpolate(start, target, progress))
			if progress == 1 {
				e.finish(h)
				return
			}
		}
	}
}

func (e *Engine) finish(h *Handle) {
	e.mu.Lock()
	if e.current == h {
		e.current = nil
	}
	e.mu.Unlock()
	h.complete()
}

func interpolate(start, target dmx.Snapshot, progress float64) dmx.Snapshot {
	if progress >= 1 {
		return target
	}
	var out dmx.Snapshot
	for i := range out {
		v := float64(start[i]) + (float64(target[i])-float64(start[i]))*progress
		out[i] = uint8(math.Min(255, math.Max(0, math.Round(v))))
	}
	return out
}
