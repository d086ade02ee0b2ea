// Package worker implements the worker-process side of the session: the
// command dispatch loop, the frame cadence engine that paces core
// execution, and the frame/audio publishers.
package worker

import (
	"fmt"
	"sync"
	"time"
)

// faultThreshold is the number of consecutive frame faults after which
// the engine gives up and reports the crash as fatal.
const faultThreshold = 5

// Engine paces core execution at the core's reported frame rate. One
// goroutine drives Tick; SetSpeed, SetPaused and Stop may be called
// from the dispatch goroutine at any time.
type Engine struct {
	mu sync.Mutex

	step    func() error           // run one core frame and publish its output
	onError func(err error, fatal bool)

	now func() time.Time

	interval   time.Duration // base frame interval at 1x speed
	multiplier float64
	lastTick   time.Time
	started    bool
	paused     bool
	stopped    bool
	faults     int
}

// NewEngine builds an engine for the given frame rate. A core that
// reports 0 fps is paced at 60. step runs one emulated frame; onError
// receives frame faults, with fatal set once the engine stops.
func NewEngine(fps float64, step func() error, onError func(err error, fatal bool)) *Engine {
	if fps <= 0 {
		fps = 60
	}
	return &Engine{
		step:       step,
		onError:    onError,
		now:        time.Now,
		interval:   time.Duration(float64(time.Second) / fps),
		multiplier: 1,
	}
}

// SetSpeed scales the frame interval. 2 runs twice as fast, 0.5 at
// half speed. Non-positive multipliers are ignored.
func (e *Engine) SetSpeed(multiplier float64) {
	if multiplier <= 0 {
		return
	}
	e.mu.Lock()
	e.multiplier = multiplier
	e.mu.Unlock()
}

// SetPaused suspends or resumes frame stepping. The tick loop keeps
// running while paused so a resume takes effect on the next tick.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()
}

// Stop permanently stops the engine. Subsequent ticks do nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

// Stopped reports whether the engine has stopped, either via Stop or
// after hitting the fault threshold.
func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Tick runs at most one frame if the frame interval has elapsed.
// Returns false once the engine has stopped so the caller's loop can
// exit. Ticks that arrive late advance the schedule by a whole number
// of intervals, so a slow tick is absorbed instead of compounding into
// drift.
func (e *Engine) Tick() bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}

	now := e.now()
	if !e.started {
		e.started = true
		e.lastTick = now
		e.mu.Unlock()
		return true
	}

	interval := time.Duration(float64(e.interval) / e.multiplier)
	if interval <= 0 {
		interval = time.Millisecond
	}
	elapsed := now.Sub(e.lastTick)
	if elapsed < interval {
		e.mu.Unlock()
		return true
	}
	e.lastTick = e.lastTick.Add(elapsed - elapsed%interval)

	if e.paused {
		e.mu.Unlock()
		return true
	}
	step := e.step
	e.mu.Unlock()

	err := step()

	e.mu.Lock()
	if err == nil {
		e.faults = 0
		e.mu.Unlock()
		return true
	}
	e.faults++
	fatal := e.faults >= faultThreshold
	if fatal {
		e.stopped = true
	}
	onError := e.onError
	e.mu.Unlock()

	if onError != nil {
		if fatal {
			onError(fmt.Errorf("emulation crashed: %v", err), true)
		} else {
			onError(err, false)
		}
	}
	return !fatal
}

// Loop drives Tick until done closes or the engine stops. The poll
// period is well under any real frame interval, so pacing accuracy
// comes from Tick's own schedule, not from the ticker.
func (e *Engine) Loop(done <-chan struct{}) {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if !e.Tick() {
				return
			}
		}
	}
}
