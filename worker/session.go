package worker

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/user-none/eblitproc/core"
	"github.com/user-none/eblitproc/protocol"
	"github.com/user-none/eblitproc/shm"
	"github.com/user-none/eblitproc/statestore"
)

// Session is one worker process lifetime: it reads commands from the
// control channel, drives the core through the cadence engine, and
// publishes frames and audio back to the controller.
type Session struct {
	binding core.CoreBinding
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	fs      afero.Fs
	logger  *log.Logger

	// mu guards the binding and everything the engine goroutine and the
	// dispatch goroutine both touch.
	mu         sync.Mutex
	store      *statestore.Store
	engine     *Engine
	engineDone chan struct{}
	transport  *shm.Transport
	lastFrame  *core.VideoFrame

	lastOverflowWarn time.Time
}

// New builds a session over the given control channel pipes. logw
// receives mirrored log output (stderr in the real worker).
func New(binding core.CoreBinding, in io.Reader, out io.Writer, logw io.Writer) *Session {
	return &Session{
		binding: binding,
		enc:     protocol.NewEncoder(out),
		dec:     protocol.NewDecoder(in),
		fs:      afero.NewOsFs(),
		logger:  log.New(logw, "worker: ", log.LstdFlags),
	}
}

// Run serves commands until shutdown, a closed control channel, or a
// failed init. The returned error is nil for a clean exit.
func (s *Session) Run() error {
	defer s.teardown()
	for {
		cmd, err := s.dec.ReadCommand()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read control channel: %w", err)
		}
		done, err := s.dispatch(cmd)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Session) dispatch(cmd *protocol.Command) (done bool, fatal error) {
	switch cmd.Action {
	case protocol.ActionInit:
		if err := s.handleInit(cmd.Init); err != nil {
			s.sendError(err.Error(), true)
			return false, err
		}
	case protocol.ActionAttachTransport:
		s.handleAttachTransport(cmd.Transport)
	case protocol.ActionInput:
		s.handleInput(cmd.Port, cmd.ID, cmd.Pressed)
	case protocol.ActionPause:
		s.setPaused(true)
	case protocol.ActionResume:
		s.setPaused(false)
	case protocol.ActionReset:
		s.handleReset()
	case protocol.ActionSetSpeed:
		s.handleSetSpeed(cmd.Multiplier)
	case protocol.ActionSaveState:
		s.respond(cmd.RequestID, s.handleSaveState(cmd.Slot))
	case protocol.ActionLoadState:
		s.respond(cmd.RequestID, s.handleLoadState(cmd.Slot))
	case protocol.ActionSaveSRAM:
		s.respond(cmd.RequestID, s.handleSaveSRAM())
	case protocol.ActionScreenshot:
		s.respond(cmd.RequestID, s.handleScreenshot(cmd.Path))
	case protocol.ActionShutdown:
		s.handleShutdown(cmd.RequestID)
		return true, nil
	default:
		err := fmt.Errorf("unknown action %q", cmd.Action)
		if cmd.RequestID != "" {
			s.respond(cmd.RequestID, err)
		} else {
			s.logf(protocol.LogWarn, "%v", err)
		}
	}
	return false, nil
}

func (s *Session) handleInit(p *protocol.InitParams) error {
	if p == nil {
		return fmt.Errorf("init: missing parameters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.binding.LoadCore(p.CorePath); err != nil {
		return fmt.Errorf("load core: %w", err)
	}
	s.binding.SetSystemDirectory(p.SystemDir)
	s.binding.SetSaveDirectory(p.SaveDir)
	if err := s.binding.LoadGame(p.ContentPath); err != nil {
		s.binding.Destroy()
		return fmt.Errorf("load game: %w", err)
	}

	s.store = statestore.New(s.fs, p.StateDir, p.BatterySaveDir, p.ContentPath)

	// Restore battery RAM from a previous run before the core steps.
	if sram, err := s.store.LoadSRAM(); err != nil {
		s.logf(protocol.LogWarn, "restore battery save: %v", err)
	} else if sram != nil {
		s.binding.SetMemoryData(core.MemorySaveRAM, sram)
	}

	av, ok := s.binding.AVInfo()
	if !ok {
		s.binding.Destroy()
		return fmt.Errorf("core reported no AV info")
	}

	if err := s.enc.WriteEvent(&protocol.Event{Type: protocol.EventReady, AVInfo: &av}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	s.engine = NewEngine(av.Timing.FPS, s.step, s.onEngineError)
	s.engineDone = make(chan struct{})
	go s.engine.Loop(s.engineDone)
	return nil
}

func (s *Session) handleAttachTransport(p *protocol.TransportParams) {
	if p == nil {
		s.logf(protocol.LogWarn, "attachTransport: missing parameters")
		return
	}
	t, err := shm.Attach(p.Path, p.MaxWidth, p.MaxHeight)
	if err != nil {
		// Not fatal: frames keep flowing over the control channel.
		s.logf(protocol.LogWarn, "attach shared memory: %v", err)
		return
	}

	s.mu.Lock()
	s.transport = t
	if av, ok := s.binding.AVInfo(); ok {
		t.SetAudioSampleRate(int(av.Timing.SampleRate))
	}
	s.mu.Unlock()
	s.logf(protocol.LogDebug, "attached shared memory transport %s", p.Path)
}

func (s *Session) handleInput(port, id int, pressed bool) {
	var value int16
	if pressed {
		value = 1
	}
	s.mu.Lock()
	s.binding.SetInputState(port, id, value)
	s.mu.Unlock()
}

func (s *Session) setPaused(paused bool) {
	s.mu.Lock()
	if s.engine != nil {
		s.engine.SetPaused(paused)
	}
	s.mu.Unlock()
}

func (s *Session) handleReset() {
	s.mu.Lock()
	s.binding.Reset()
	s.mu.Unlock()
}

func (s *Session) handleSetSpeed(multiplier float64) {
	if multiplier <= 0 {
		s.logf(protocol.LogWarn, "setSpeed: ignoring multiplier %v", multiplier)
		return
	}
	s.mu.Lock()
	if s.engine != nil {
		s.engine.SetSpeed(multiplier)
	}
	s.mu.Unlock()
	s.enc.WriteEvent(&protocol.Event{Type: protocol.EventSpeedChanged, Multiplier: multiplier})
}

func (s *Session) handleSaveState(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return fmt.Errorf("no game loaded")
	}
	data, err := s.binding.SerializeState()
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	return s.store.SaveState(slot, data)
}

func (s *Session) handleLoadState(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return fmt.Errorf("no game loaded")
	}
	data, err := s.store.LoadState(slot)
	if err != nil {
		return err
	}
	return s.binding.UnserializeState(data)
}

func (s *Session) handleSaveSRAM() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return fmt.Errorf("no game loaded")
	}
	return s.store.SaveSRAM(s.binding.MemoryData(core.MemorySaveRAM))
}

func (s *Session) handleScreenshot(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return fmt.Errorf("no game loaded")
	}
	_, err := s.store.WriteScreenshot(path, s.lastFrame)
	return err
}

// handleShutdown persists battery RAM and the autosave slot, then
// acknowledges. The caller ends the dispatch loop and the process
// exits 0.
func (s *Session) handleShutdown(requestID string) {
	s.mu.Lock()
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.store != nil && s.binding.IsLoaded() {
		if err := s.store.SaveSRAM(s.binding.MemoryData(core.MemorySaveRAM)); err != nil {
			s.logger.Printf("shutdown: save battery RAM: %v", err)
		}
		if data, err := s.binding.SerializeState(); err == nil {
			if err := s.store.SaveState(statestore.AutosaveSlot, data); err != nil {
				s.logger.Printf("shutdown: autosave: %v", err)
			}
		} else {
			s.logger.Printf("shutdown: serialize autosave: %v", err)
		}
	}
	s.mu.Unlock()

	s.respond(requestID, nil)
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.engineDone != nil {
		close(s.engineDone)
		s.engineDone = nil
	}
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.binding.Destroy()
	s.mu.Unlock()
}

// step runs one core frame and publishes its output. Called from the
// engine goroutine.
func (s *Session) step() error {
	s.mu.Lock()
	err := s.binding.Run()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	frame := s.binding.VideoFrame()
	samples := s.binding.AudioBuffer()
	if frame != nil {
		s.lastFrame = frame
	}
	t := s.transport
	s.mu.Unlock()

	if frame != nil {
		if t != nil {
			t.PublishFrame(frame)
		} else {
			s.enc.WriteEvent(&protocol.Event{Type: protocol.EventVideoFrame, Frame: frame})
		}
	}
	if len(samples) > 0 {
		if t != nil {
			if dropped := t.PublishAudio(samples); dropped > 0 {
				s.warnAudioOverflow(dropped)
			}
		} else {
			s.enc.WriteEvent(&protocol.Event{Type: protocol.EventAudioSamples, Samples: samples})
		}
	}
	return nil
}

// warnAudioOverflow logs dropped samples at most once per second; a
// stalled consumer would otherwise flood the channel at frame rate.
func (s *Session) warnAudioOverflow(dropped int) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastOverflowWarn) < time.Second {
		s.mu.Unlock()
		return
	}
	s.lastOverflowWarn = now
	s.mu.Unlock()
	s.logf(protocol.LogWarn, "audio ring overflow: dropped %d samples", dropped)
}

func (s *Session) onEngineError(err error, fatal bool) {
	s.sendError(err.Error(), fatal)
}

func (s *Session) sendError(message string, fatal bool) {
	s.logger.Printf("error (fatal=%v): %s", fatal, message)
	s.enc.WriteEvent(&protocol.Event{Type: protocol.EventError, Message: message, Fatal: fatal})
}

// respond sends the response event for a request. A missing request id
// means the controller sent a malformed command; log instead.
func (s *Session) respond(requestID string, err error) {
	if requestID == "" {
		if err != nil {
			s.logf(protocol.LogWarn, "unrequested command failed: %v", err)
		}
		return
	}
	ev := &protocol.Event{Type: protocol.EventResponse, RequestID: requestID, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	s.enc.WriteEvent(ev)
}

// logf mirrors a log record to the local logger and forwards it to the
// controller as a log event.
func (s *Session) logf(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("[%s] %s", level, msg)
	s.enc.WriteEvent(&protocol.Event{Type: protocol.EventLog, Level: level, Message: msg})
}
