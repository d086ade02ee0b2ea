// Package controller embeds a worker-hosted emulator core in a
// frontend process: it spawns the worker, speaks the control channel,
// correlates requests with responses, consumes the shared-memory
// transport, and detects the worker dying out from under it.
package controller

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user-none/eblitproc/core"
	"github.com/user-none/eblitproc/protocol"
	"github.com/user-none/eblitproc/shm"
)

// Default timeouts; overridable through Config.
const (
	DefaultInitTimeout     = 10 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultCloseGrace      = 2 * time.Second
)

// ErrTerminated rejects requests that were in flight when the session
// ended, and requests issued against a dead session.
var ErrTerminated = errors.New("worker session terminated")

// ErrTimeout rejects requests whose response never arrived within the
// configured budget.
var ErrTimeout = errors.New("timed out")

// Config controls how worker sessions are spawned. The zero value of
// every field except WorkerPath gets a sensible default.
type Config struct {
	// WorkerPath is the worker executable; WorkerArgs are passed through.
	WorkerPath string
	WorkerArgs []string

	InitTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	CloseGrace      time.Duration

	// DisableSharedMemory forces the event-carried frame transport.
	DisableSharedMemory bool

	// ShmDir is where region files are created; empty means the system
	// temp directory.
	ShmDir string
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	return c
}

// Handlers receive the worker's event stream. Unset handlers drop
// their events. Handlers are called from the session's reader
// goroutine and must not block.
type Handlers struct {
	// OnFrame receives frames on the event-carried fallback transport.
	// With shared memory active, frames are pulled via PollFrame instead.
	OnFrame func(frame *core.VideoFrame)

	// OnAudio receives samples on the fallback transport.
	OnAudio func(samples []int16)

	OnError        func(message string, fatal bool)
	OnSpeedChanged func(multiplier float64)
	OnLog          func(level, message string)
}

type pendingRequest struct {
	action string
	done   chan error
	timer  *time.Timer
}

// Session drives one worker process at a time. All methods are safe
// for concurrent use. A Session is reusable: Init tears down any
// previous worker before spawning the next.
type Session struct {
	cfg      Config
	handlers Handlers

	// Injectable for tests.
	spawn func(cfg Config) (workerProcess, error)
	newID func() string

	mu           sync.Mutex
	proc         workerProcess
	enc          *protocol.Encoder
	pending      map[string]*pendingRequest
	running      bool
	shuttingDown bool
	exitReported bool
	transport    *shm.Transport
	lastSeq      uint32

	// Init-phase signalling, owned by the reader goroutine.
	readyCh chan core.AVInfo
	fatalCh chan string
}

// NewSession builds a session. No worker runs until Init.
func NewSession(cfg Config, handlers Handlers) *Session {
	return &Session{
		cfg:      cfg.withDefaults(),
		handlers: handlers,
		spawn:    spawnExecWorker,
		newID:    uuid.NewString,
		pending:  make(map[string]*pendingRequest),
	}
}

// Init spawns the worker, loads the core and content, and waits for
// the worker's ready signal. Any previous worker is torn down first.
// On success the returned AVInfo carries the negotiated geometry and
// timing.
func (s *Session) Init(params protocol.InitParams) (core.AVInfo, error) {
	s.terminate(true)

	proc, err := s.spawn(s.cfg)
	if err != nil {
		return core.AVInfo{}, fmt.Errorf("spawn worker: %w", err)
	}
	if err := proc.Start(); err != nil {
		return core.AVInfo{}, fmt.Errorf("start worker: %w", err)
	}

	readyCh := make(chan core.AVInfo, 1)
	fatalCh := make(chan string, 1)

	s.mu.Lock()
	s.proc = proc
	s.enc = protocol.NewEncoder(proc.Stdin())
	s.readyCh = readyCh
	s.fatalCh = fatalCh
	s.shuttingDown = false
	s.exitReported = false
	s.lastSeq = 0
	s.mu.Unlock()

	go s.readEvents(proc.Stdout())
	go s.watchExit(proc)

	cmd := &protocol.Command{Action: protocol.ActionInit, Init: &params}
	if err := s.send(cmd); err != nil {
		s.terminate(true)
		return core.AVInfo{}, fmt.Errorf("send init: %w", err)
	}

	select {
	case av := <-readyCh:
		s.mu.Lock()
		s.running = true
		s.readyCh = nil
		s.fatalCh = nil
		s.mu.Unlock()
		s.setupTransport(av)
		return av, nil
	case msg := <-fatalCh:
		s.terminate(true)
		return core.AVInfo{}, fmt.Errorf("init failed: %s", msg)
	case <-time.After(s.cfg.InitTimeout):
		s.terminate(true)
		return core.AVInfo{}, fmt.Errorf("init %w after %v", ErrTimeout, s.cfg.InitTimeout)
	}
}

// setupTransport creates the shared-memory region and tells the worker
// to attach. Failure is not an error: the event-carried fallback keeps
// working.
func (s *Session) setupTransport(av core.AVInfo) {
	if s.cfg.DisableSharedMemory {
		return
	}
	t, err := shm.Create(s.cfg.ShmDir, av.Geometry)
	if err != nil {
		if !errors.Is(err, shm.ErrUnavailable) {
			s.logEvent(protocol.LogWarn, fmt.Sprintf("shared memory setup: %v", err))
		}
		return
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	s.send(&protocol.Command{
		Action: protocol.ActionAttachTransport,
		Transport: &protocol.TransportParams{
			Path:      t.Path(),
			MaxWidth:  t.MaxWidth(),
			MaxHeight: t.MaxHeight(),
		},
	})
}

// IsRunning reports whether a worker is live.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ---------------------------------------------------------------------------
// Fire-and-forget commands
// ---------------------------------------------------------------------------

// Input forwards one button transition. Fire-and-forget: stale input
// is worse than lost input, so there is no response and errors are
// dropped.
func (s *Session) Input(port, id int, pressed bool) {
	s.send(&protocol.Command{Action: protocol.ActionInput, Port: port, ID: id, Pressed: pressed})
}

// Pause suspends frame stepping.
func (s *Session) Pause() {
	s.send(&protocol.Command{Action: protocol.ActionPause})
}

// Resume resumes frame stepping.
func (s *Session) Resume() {
	s.send(&protocol.Command{Action: protocol.ActionResume})
}

// Reset soft-resets the running game.
func (s *Session) Reset() {
	s.send(&protocol.Command{Action: protocol.ActionReset})
}

// SetSpeed requests a speed change; the worker confirms through the
// speedChanged event.
func (s *Session) SetSpeed(multiplier float64) {
	s.send(&protocol.Command{Action: protocol.ActionSetSpeed, Multiplier: multiplier})
}

// ---------------------------------------------------------------------------
// Request/response commands
// ---------------------------------------------------------------------------

// SaveState writes the core state to a numbered slot, or the autosave
// slot for protocol.AutosaveSlot.
func (s *Session) SaveState(slot int) error {
	return s.request("saveState", &protocol.Command{Action: protocol.ActionSaveState, Slot: slot}, s.cfg.RequestTimeout)
}

// LoadState restores the core state from a slot. A never-written slot
// fails with the worker's error message.
func (s *Session) LoadState(slot int) error {
	return s.request("loadState", &protocol.Command{Action: protocol.ActionLoadState, Slot: slot}, s.cfg.RequestTimeout)
}

// SaveSRAM persists battery-backed save RAM immediately.
func (s *Session) SaveSRAM() error {
	return s.request("saveSram", &protocol.Command{Action: protocol.ActionSaveSRAM}, s.cfg.RequestTimeout)
}

// Screenshot writes a PNG of the most recent frame. An empty path
// lets the worker pick a timestamped file in the state directory.
func (s *Session) Screenshot(path string) error {
	return s.request("screenshot", &protocol.Command{Action: protocol.ActionScreenshot, Path: path}, s.cfg.RequestTimeout)
}

// Shutdown asks the worker to persist and exit, then unconditionally
// kills the process and clears session state. A worker that never
// answers is killed all the same, so a timed-out handshake still
// counts as a successful shutdown; only a worker-reported failure
// comes back as an error.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.shuttingDown = true
	s.mu.Unlock()

	err := s.request("shutdown", &protocol.Command{Action: protocol.ActionShutdown}, s.cfg.ShutdownTimeout)
	s.terminate(false)
	if errors.Is(err, ErrTimeout) {
		return nil
	}
	return err
}

// PrepareForQuit marks the session as shutting down so a subsequent
// worker exit is not reported as a crash. Synchronous; call it before
// starting application teardown.
func (s *Session) PrepareForQuit() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
}

// request sends a correlated command and blocks for its response,
// timeout, or session teardown.
func (s *Session) request(action string, cmd *protocol.Command, timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", action, ErrTerminated)
	}
	id := s.newID()
	pr := &pendingRequest{action: action, done: make(chan error, 1)}
	pr.timer = time.AfterFunc(timeout, func() {
		s.fail(id, fmt.Errorf("%s %w after %v", action, ErrTimeout, timeout))
	})
	s.pending[id] = pr
	enc := s.enc
	s.mu.Unlock()

	cmd.RequestID = id
	if err := enc.WriteCommand(cmd); err != nil {
		s.fail(id, fmt.Errorf("%s: write command: %w", action, err))
	}
	return <-pr.done
}

// fail completes a pending request with an error. No-op when the
// request already completed.
func (s *Session) fail(id string, err error) {
	s.mu.Lock()
	pr, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		pr.timer.Stop()
	}
	s.mu.Unlock()
	if ok {
		pr.done <- err
	}
}

// resolve completes a pending request from a response event.
func (s *Session) resolve(ev *protocol.Event) {
	s.mu.Lock()
	pr, ok := s.pending[ev.RequestID]
	if ok {
		delete(s.pending, ev.RequestID)
		pr.timer.Stop()
	}
	s.mu.Unlock()
	if !ok {
		// Late response after timeout eviction; drop it.
		return
	}
	if ev.Success {
		pr.done <- nil
		return
	}
	msg := ev.Error
	if msg == "" {
		msg = "request failed"
	}
	pr.done <- errors.New(msg)
}

// send writes a command if a worker pipe exists. Errors are dropped;
// a dead pipe surfaces through the exit watcher.
func (s *Session) send(cmd *protocol.Command) error {
	s.mu.Lock()
	enc := s.enc
	s.mu.Unlock()
	if enc == nil {
		return ErrTerminated
	}
	return enc.WriteCommand(cmd)
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

func (s *Session) readEvents(r io.Reader) {
	dec := protocol.NewDecoder(r)
	for {
		ev, err := dec.ReadEvent()
		if err != nil {
			return
		}
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventReady:
		s.mu.Lock()
		ch := s.readyCh
		s.mu.Unlock()
		if ch != nil && ev.AVInfo != nil {
			select {
			case ch <- *ev.AVInfo:
			default:
			}
		}
	case protocol.EventResponse:
		s.resolve(ev)
	case protocol.EventError:
		s.mu.Lock()
		initCh := s.fatalCh
		s.mu.Unlock()
		if ev.Fatal && initCh != nil {
			select {
			case initCh <- ev.Message:
			default:
			}
			return
		}
		if s.handlers.OnError != nil {
			s.handlers.OnError(ev.Message, ev.Fatal)
		}
	case protocol.EventVideoFrame:
		if s.handlers.OnFrame != nil && ev.Frame != nil {
			s.handlers.OnFrame(ev.Frame)
		}
	case protocol.EventAudioSamples:
		if s.handlers.OnAudio != nil && len(ev.Samples) > 0 {
			s.handlers.OnAudio(ev.Samples)
		}
	case protocol.EventSpeedChanged:
		if s.handlers.OnSpeedChanged != nil {
			s.handlers.OnSpeedChanged(ev.Multiplier)
		}
	case protocol.EventLog:
		s.logEvent(ev.Level, ev.Message)
	}
}

func (s *Session) logEvent(level, message string) {
	if s.handlers.OnLog != nil {
		s.handlers.OnLog(level, message)
		return
	}
	log.Printf("worker [%s] %s", level, message)
}

// ---------------------------------------------------------------------------
// Transport consumption
// ---------------------------------------------------------------------------

// PollFrame returns the newest unseen frame from the shared-memory
// transport, or nil when there is none (or the fallback transport is
// active). Call once per presentation tick.
func (s *Session) PollFrame() *core.VideoFrame {
	s.mu.Lock()
	t := s.transport
	last := s.lastSeq
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	f, seq := t.ConsumeFrame(last)
	s.mu.Lock()
	s.lastSeq = seq
	s.mu.Unlock()
	return f
}

// PollAudio drains up to len(dst) samples from the shared-memory audio
// ring, returning the number copied.
func (s *Session) PollAudio(dst []int16) int {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.ConsumeAudio(dst)
}

// AudioSampleRate returns the worker-published sample rate, or 0 when
// no shared-memory transport is attached.
func (s *Session) AudioSampleRate() int {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.AudioSampleRate()
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// watchExit reports a worker that died while it was supposed to be
// running. Exactly one fatal event per unexpected exit.
func (s *Session) watchExit(proc workerProcess) {
	code := proc.Wait()

	s.mu.Lock()
	if s.proc != proc {
		// A newer Init replaced this worker already.
		s.mu.Unlock()
		return
	}
	unexpected := s.running && !s.shuttingDown && !s.exitReported
	if unexpected {
		s.exitReported = true
	}
	s.running = false
	s.proc = nil
	s.enc = nil
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	s.rejectAllPending()

	if unexpected && s.handlers.OnError != nil {
		s.handlers.OnError(fmt.Sprintf("worker exited unexpectedly (code %d)", code), true)
	}
}

func (s *Session) rejectAllPending() {
	s.mu.Lock()
	evicted := make([]*pendingRequest, 0, len(s.pending))
	for id, pr := range s.pending {
		delete(s.pending, id)
		pr.timer.Stop()
		evicted = append(evicted, pr)
	}
	s.mu.Unlock()
	for _, pr := range evicted {
		pr.done <- fmt.Errorf("%s: %w", pr.action, ErrTerminated)
	}
}

// terminate force-kills the worker and clears session state. With
// suppressFatal the exit is never reported as a crash (Init teardown
// and explicit shutdown paths).
func (s *Session) terminate(suppressFatal bool) {
	s.mu.Lock()
	proc := s.proc
	t := s.transport
	if suppressFatal {
		s.shuttingDown = true
	}
	s.proc = nil
	s.enc = nil
	s.transport = nil
	s.running = false
	s.readyCh = nil
	s.fatalCh = nil
	s.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	if t != nil {
		t.Close()
	}
	s.rejectAllPending()
}
