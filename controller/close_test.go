package controller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user-none/eblitproc/protocol"
)

type fakeCloseSession struct {
	mu         sync.Mutex
	paused     bool
	sramSaved  bool
	savedSlots []int
	sramErr    error
	saveDelay  time.Duration
}

func (f *fakeCloseSession) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeCloseSession) SaveSRAM() error {
	time.Sleep(f.saveDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sramErr != nil {
		return f.sramErr
	}
	f.sramSaved = true
	return nil
}

func (f *fakeCloseSession) SaveState(slot int) error {
	f.mu.Lock()
	f.savedSlots = append(f.savedSlots, slot)
	f.mu.Unlock()
	return nil
}

type fakePresenter struct {
	mu   sync.Mutex
	done func()
}

func (p *fakePresenter) BeginClose(done func()) {
	p.mu.Lock()
	p.done = done
	p.mu.Unlock()
}

func (p *fakePresenter) ack() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		done()
	}
}

func TestCloseHandshake(t *testing.T) {
	session := &fakeCloseSession{}
	presenter := &fakePresenter{}
	closed := make(chan bool, 1)

	h := NewCloseHandshake(session, presenter, time.Second, func(forced bool) {
		closed <- forced
	})

	if h.State() != Running {
		t.Fatalf("expected Running, got %v", h.State())
	}
	if h.RequestClose() {
		t.Fatal("expected first RequestClose to defer the close")
	}
	if h.State() != ClosePending {
		t.Fatalf("expected ClosePending, got %v", h.State())
	}

	// Emulation stopped and saves persisted before the transition.
	session.mu.Lock()
	if !session.paused {
		t.Fatal("expected session paused")
	}
	if !session.sramSaved {
		t.Fatal("expected battery RAM saved")
	}
	if len(session.savedSlots) != 1 || session.savedSlots[0] != protocol.AutosaveSlot {
		t.Fatalf("expected autosave slot written, got %v", session.savedSlots)
	}
	session.mu.Unlock()

	presenter.ack()

	select {
	case forced := <-closed:
		if forced {
			t.Fatal("expected a clean close, not a forced one")
		}
	case <-time.After(time.Second):
		t.Fatal("expected onClosed after ack")
	}
	if h.State() != Closed {
		t.Fatalf("expected Closed, got %v", h.State())
	}
	if !h.RequestClose() {
		t.Fatal("expected immediate close after handshake")
	}
}

func TestCloseHandshakeForcedAfterGrace(t *testing.T) {
	session := &fakeCloseSession{}
	presenter := &fakePresenter{}
	closed := make(chan bool, 1)

	h := NewCloseHandshake(session, presenter, 50*time.Millisecond, func(forced bool) {
		closed <- forced
	})
	h.RequestClose()

	select {
	case forced := <-closed:
		if !forced {
			t.Fatal("expected a forced close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the grace timer to force the close")
	}
	if h.State() != ForceClosed {
		t.Fatalf("expected ForceClosed, got %v", h.State())
	}

	// A late ack from the presenter must not fire onClosed again.
	presenter.ack()
	select {
	case <-closed:
		t.Fatal("expected onClosed exactly once")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCloseHandshakeGraceExcludesPersistence pins the timer ordering:
// the grace period covers the presenter's transition only, so a save
// that outlives it must not force the close before the presenter has
// even been signaled.
func TestCloseHandshakeGraceExcludesPersistence(t *testing.T) {
	session := &fakeCloseSession{saveDelay: 150 * time.Millisecond}
	presenter := &fakePresenter{}
	closed := make(chan bool, 1)

	h := NewCloseHandshake(session, presenter, 100*time.Millisecond, func(forced bool) {
		closed <- forced
	})
	h.RequestClose()

	// Persistence took longer than the whole grace period, yet the
	// presenter must have been reached with the handshake still open.
	presenter.mu.Lock()
	signaled := presenter.done != nil
	presenter.mu.Unlock()
	if !signaled {
		t.Fatal("expected presenter signaled after the slow save")
	}
	select {
	case forced := <-closed:
		t.Fatalf("expected no close before the presenter acted (forced=%v)", forced)
	default:
	}

	presenter.ack()
	select {
	case forced := <-closed:
		if forced {
			t.Fatal("expected a clean close, not a forced one")
		}
	case <-time.After(time.Second):
		t.Fatal("expected onClosed after ack")
	}
}

func TestCloseHandshakeContinuesOnSaveFailure(t *testing.T) {
	session := &fakeCloseSession{sramErr: errors.New("disk full")}
	presenter := &fakePresenter{}
	closed := make(chan bool, 1)

	h := NewCloseHandshake(session, presenter, time.Second, func(forced bool) {
		closed <- forced
	})
	h.RequestClose()
	presenter.ack()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected the close to continue past a failed save")
	}
}

func TestCloseHandshakeSecondRequestWhilePending(t *testing.T) {
	session := &fakeCloseSession{}
	presenter := &fakePresenter{}
	h := NewCloseHandshake(session, presenter, time.Second, func(bool) {})

	h.RequestClose()
	if h.RequestClose() {
		t.Fatal("expected close still deferred while pending")
	}
	session.mu.Lock()
	saves := len(session.savedSlots)
	session.mu.Unlock()
	if saves != 1 {
		t.Fatalf("expected persistence to run once, got %d autosaves", saves)
	}
}
