package controller

import (
	"log"
	"sync"
	"time"

	"github.com/user-none/eblitproc/protocol"
)

// CloseState tracks where a window is in its close handshake.
type CloseState int

const (
	// Running: no close requested.
	Running CloseState = iota
	// ClosePending: close requested, waiting for the presenter's
	// transition to finish.
	ClosePending
	// Closed: presenter acknowledged; the window may go away.
	Closed
	// ForceClosed: the grace timer fired before the acknowledgement.
	ForceClosed
)

// Presenter is the presentation layer's hook into the close handshake.
// BeginClose starts whatever transition the UI wants (fade, last-frame
// freeze) and calls done when finished. done is safe to call from any
// goroutine, at most once.
type Presenter interface {
	BeginClose(done func())
}

// closeSession is the slice of Session the handshake needs.
type closeSession interface {
	Pause()
	SaveSRAM() error
	SaveState(slot int) error
}

// CloseHandshake coordinates an orderly window close: stop emulation,
// persist saves, let the presenter finish its transition, then allow
// the close — or force it after the grace period.
type CloseHandshake struct {
	session   closeSession
	presenter Presenter
	grace     time.Duration
	onClosed  func(forced bool)

	mu    sync.Mutex
	state CloseState
	timer *time.Timer
}

// NewCloseHandshake wires a handshake for one window. onClosed fires
// exactly once, from Ack or from the grace timer, with forced telling
// the two apart.
func NewCloseHandshake(session closeSession, presenter Presenter, grace time.Duration, onClosed func(forced bool)) *CloseHandshake {
	if grace <= 0 {
		grace = DefaultCloseGrace
	}
	return &CloseHandshake{
		session:   session,
		presenter: presenter,
		grace:     grace,
		onClosed:  onClosed,
	}
}

// State returns the current handshake state.
func (h *CloseHandshake) State() CloseState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RequestClose reacts to the user closing the window. Returns true
// when the window may close immediately (the handshake already ran);
// otherwise the handshake starts and the caller must keep the window
// open until onClosed fires.
func (h *CloseHandshake) RequestClose() bool {
	h.mu.Lock()
	switch h.state {
	case Closed, ForceClosed:
		h.mu.Unlock()
		return true
	case ClosePending:
		h.mu.Unlock()
		return false
	}
	h.state = ClosePending
	h.mu.Unlock()

	// Stop frames, then persist. Failures are logged and the close
	// continues; a stuck close is worse than a missed autosave.
	h.session.Pause()
	if err := h.session.SaveSRAM(); err != nil {
		log.Printf("close: save battery RAM: %v", err)
	}
	if err := h.session.SaveState(protocol.AutosaveSlot); err != nil {
		log.Printf("close: autosave: %v", err)
	}

	// The grace period covers only the presenter's transition, so the
	// timer is armed after persistence; a slow save must not eat the
	// window and force the close mid-write.
	h.mu.Lock()
	if h.state == ClosePending {
		h.timer = time.AfterFunc(h.grace, h.forceClose)
	}
	h.mu.Unlock()

	h.presenter.BeginClose(h.Ack)
	return false
}

// Ack is the presenter's signal that its close transition finished.
func (h *CloseHandshake) Ack() {
	h.finish(Closed, false)
}

func (h *CloseHandshake) forceClose() {
	log.Printf("close: presenter did not acknowledge within %v, forcing", h.grace)
	h.finish(ForceClosed, true)
}

func (h *CloseHandshake) finish(state CloseState, forced bool) {
	h.mu.Lock()
	if h.state != ClosePending {
		h.mu.Unlock()
		return
	}
	h.state = state
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()

	if h.onClosed != nil {
		h.onClosed(forced)
	}
}
