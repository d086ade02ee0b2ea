package worker

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/user-none/eblitproc/core"
	"github.com/user-none/eblitproc/protocol"
)

// fakeBinding is a scripted CoreBinding standing in for a native core.
type fakeBinding struct {
	mu sync.Mutex

	loadCoreErr error
	loadGameErr error
	av          core.AVInfo

	coreLoaded bool
	gameLoaded bool
	destroyed  bool
	resets     int
	runs       int

	frame *core.VideoFrame
	audio []int16

	state        []byte
	restored     []byte
	serializeErr error
	sram         []byte
	input        map[[2]int]int16
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{
		av: core.AVInfo{
			Geometry: core.Geometry{BaseWidth: 4, BaseHeight: 4, MaxWidth: 8, MaxHeight: 8},
			Timing:   core.Timing{FPS: 60, SampleRate: 44100},
		},
		state: []byte("state-data"),
		input: make(map[[2]int]int16),
	}
}

func (b *fakeBinding) LoadCore(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadCoreErr != nil {
		return b.loadCoreErr
	}
	b.coreLoaded = true
	return nil
}

func (b *fakeBinding) LoadGame(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadGameErr != nil {
		return b.loadGameErr
	}
	b.gameLoaded = true
	return nil
}

func (b *fakeBinding) UnloadGame() {
	b.mu.Lock()
	b.gameLoaded = false
	b.mu.Unlock()
}

func (b *fakeBinding) Run() error {
	b.mu.Lock()
	b.runs++
	b.mu.Unlock()
	return nil
}

func (b *fakeBinding) Reset() {
	b.mu.Lock()
	b.resets++
	b.mu.Unlock()
}

func (b *fakeBinding) SystemInfo() (core.SystemInfo, bool) {
	return core.SystemInfo{LibraryName: "fake"}, b.coreLoaded
}

func (b *fakeBinding) AVInfo() (core.AVInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.av, b.gameLoaded
}

func (b *fakeBinding) VideoFrame() *core.VideoFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame
}

func (b *fakeBinding) AudioBuffer() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio
}

func (b *fakeBinding) SetInputState(port, id int, value int16) {
	b.mu.Lock()
	b.input[[2]int{port, id}] = value
	b.mu.Unlock()
}

func (b *fakeBinding) SerializeState() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.serializeErr != nil {
		return nil, b.serializeErr
	}
	return b.state, nil
}

func (b *fakeBinding) UnserializeState(data []byte) error {
	b.mu.Lock()
	b.restored = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

func (b *fakeBinding) SerializeSize() int { return len(b.state) }

func (b *fakeBinding) MemoryData(region int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if region == core.MemorySaveRAM {
		return b.sram
	}
	return nil
}

func (b *fakeBinding) SetMemoryData(region int, data []byte) {
	b.mu.Lock()
	if region == core.MemorySaveRAM {
		b.sram = append([]byte(nil), data...)
	}
	b.mu.Unlock()
}

func (b *fakeBinding) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.coreLoaded = false
	b.gameLoaded = false
	b.mu.Unlock()
}

func (b *fakeBinding) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coreLoaded && b.gameLoaded
}

func (b *fakeBinding) SetSystemDirectory(path string) {}
func (b *fakeBinding) SetSaveDirectory(path string)   {}

// testHarness runs a session over in-memory pipes.
type testHarness struct {
	session *Session
	cmds    *protocol.Encoder
	events  *protocol.Decoder
	cmdW    *io.PipeWriter
	done    chan error
}

func startSession(t *testing.T, b core.CoreBinding) *testHarness {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()

	s := New(b, cmdR, evW, io.Discard)
	s.fs = afero.NewMemMapFs()

	h := &testHarness{
		session: s,
		cmds:    protocol.NewEncoder(cmdW),
		events:  protocol.NewDecoder(evR),
		cmdW:    cmdW,
		done:    make(chan error, 1),
	}
	go func() {
		h.done <- s.Run()
		close(h.done)
		evW.Close()
	}()
	t.Cleanup(func() {
		cmdW.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not exit")
		}
	})
	return h
}

// waitEvent reads events until one of the wanted type arrives.
func (h *testHarness) waitEvent(t *testing.T, typ string) *protocol.Event {
	t.Helper()
	for {
		ev, err := h.events.ReadEvent()
		if err != nil {
			t.Fatalf("event stream ended waiting for %q: %v", typ, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

// waitResponse reads events until the response for the given request
// arrives, skipping frames and logs.
func (h *testHarness) waitResponse(t *testing.T, requestID string) *protocol.Event {
	t.Helper()
	for {
		ev := h.waitEvent(t, protocol.EventResponse)
		if ev.RequestID == requestID {
			return ev
		}
	}
}

func initParams() *protocol.InitParams {
	return &protocol.InitParams{
		CorePath:       "/cores/fake.so",
		ContentPath:    "/roms/game.gb",
		SystemDir:      "/system",
		SaveDir:        "/save",
		BatterySaveDir: "/battery",
		StateDir:       "/states",
	}
}

func (h *testHarness) initSession(t *testing.T) *protocol.Event {
	t.Helper()
	if err := h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionInit, Init: initParams()}); err != nil {
		t.Fatalf("write init: %v", err)
	}
	return h.waitEvent(t, protocol.EventReady)
}

func TestSessionInitReady(t *testing.T) {
	b := newFakeBinding()
	h := startSession(t, b)

	ev := h.initSession(t)
	if ev.AVInfo == nil {
		t.Fatal("expected AV info on ready event")
	}
	if ev.AVInfo.Timing.FPS != 60 {
		t.Fatalf("expected 60 fps, got %v", ev.AVInfo.Timing.FPS)
	}
	if !b.IsLoaded() {
		t.Fatal("expected core and game loaded")
	}
}

func TestSessionInitFailure(t *testing.T) {
	b := newFakeBinding()
	b.loadCoreErr = errors.New("not a shared library")
	h := startSession(t, b)

	if err := h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionInit, Init: initParams()}); err != nil {
		t.Fatalf("write init: %v", err)
	}
	ev := h.waitEvent(t, protocol.EventError)
	if !ev.Fatal {
		t.Fatal("expected fatal error event")
	}
	if !strings.Contains(ev.Message, "not a shared library") {
		t.Fatalf("expected load error in message, got %q", ev.Message)
	}

	// Init failure ends the worker with an error exit.
	if err := <-h.done; err == nil {
		t.Fatal("expected Run to return the init error")
	}
}

func TestSessionInitRestoresSRAM(t *testing.T) {
	b := newFakeBinding()
	h := startSession(t, b)

	// A battery save from a previous run sits on disk before init.
	if err := afero.WriteFile(h.session.fs, "/battery/game.srm", []byte("battery"), 0o644); err != nil {
		t.Fatalf("seed battery save: %v", err)
	}
	h.initSession(t)

	b.mu.Lock()
	sram := string(b.sram)
	b.mu.Unlock()
	if sram != "battery" {
		t.Fatalf("expected battery save restored, got %q", sram)
	}
}

func TestSessionSaveLoadState(t *testing.T) {
	b := newFakeBinding()
	h := startSession(t, b)
	h.initSession(t)

	h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionSaveState, RequestID: "r1", Slot: 2})
	if ev := h.waitResponse(t, "r1"); !ev.Success {
		t.Fatalf("expected save success, got error %q", ev.Error)
	}

	h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionLoadState, RequestID: "r2", Slot: 2})
	if ev := h.waitResponse(t, "r2"); !ev.Success {
		t.Fatalf("expected load success, got error %q", ev.Error)
	}

	b.mu.Lock()
	restored := string(b.restored)
	b.mu.Unlock()
	if restored != "state-data" {
		t.Fatalf("expected state restored into core, got %q", restored)
	}
}

func TestSessionLoadStateEmptySlot(t *testing.T) {
	b := newFakeBinding()
	h := startSession(t, b)
	h.initSession(t)

	h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionLoadState, RequestID: "r1", Slot: 5})
	ev := h.waitResponse(t, "r1")
	if ev.Success {
		t.Fatal("expected failure for empty slot")
	}
	if ev.Error != "No save state in slot 5" {
		t.Fatalf("expected slot message, got %q", ev.Error)
	}
}

func TestSessionSetSpeed(t *testing.T) {
	b := newFakeBinding()
	h := startSession(t, b)
	h.initSession(t)

	h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionSetSpeed, Multiplier: 2})
	ev := h.waitEvent(t, protocol.EventSpeedChanged)
	if ev.Multiplier != 2 {
		t.Fatalf("expected multiplier 2, got %v", ev.Multiplier)
	}
}

func TestSessionInputForwarded(t *testing.T) {
	b := newFakeBinding()
	h := startSession(t, b)
	h.initSession(t)

	h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionInput, Port: 1, ID: 8, Pressed: true})

	// Input is fire-and-forget; a trailing request fences it.
	h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionSaveSRAM, RequestID: "fence"})
	h.waitResponse(t, "fence")

	b.mu.Lock()
	v := b.input[[2]int{1, 8}]
	b.mu.Unlock()
	if v != 1 {
		t.Fatalf("expected pressed input state, got %d", v)
	}
}

func TestSessionUnknownAction(t *testing.T) {
	b := newFakeBinding()
	h := startSession(t, b)
	h.initSession(t)

	h.cmds.WriteCommand(&protocol.Command{Action: "teleport", RequestID: "r1"})
	ev := h.waitResponse(t, "r1")
	if ev.Success {
		t.Fatal("expected failure for unknown action")
	}
	if !strings.Contains(ev.Error, "teleport") {
		t.Fatalf("expected action name in error, got %q", ev.Error)
	}
}

func TestSessionShutdownPersists(t *testing.T) {
	b := newFakeBinding()
	b.sram = []byte("battery")
	h := startSession(t, b)
	h.initSession(t)

	h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionShutdown, RequestID: "r1"})
	if ev := h.waitResponse(t, "r1"); !ev.Success {
		t.Fatalf("expected shutdown success, got error %q", ev.Error)
	}
	if err := <-h.done; err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}

	// Battery RAM and the autosave slot survive the shutdown.
	for _, path := range []string{"/battery/game.srm", "/states/game.auto"} {
		if ok, _ := afero.Exists(h.session.fs, path); !ok {
			t.Fatalf("expected %s written on shutdown", path)
		}
	}
}

func TestSessionScreenshot(t *testing.T) {
	b := newFakeBinding()
	b.frame = &core.VideoFrame{
		Data:   make([]byte, 4*4*4),
		Width:  4,
		Height: 4,
	}
	h := startSession(t, b)
	h.initSession(t)

	// The engine picks the frame up on its first real step; retry until
	// it has.
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; ; i++ {
		id := "shot" + string(rune('0'+i%10))
		h.cmds.WriteCommand(&protocol.Command{Action: protocol.ActionScreenshot, RequestID: id, Path: "/shots/out.png"})
		ev := h.waitResponse(t, id)
		if ev.Success {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("screenshot never succeeded: %q", ev.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if ok, _ := afero.Exists(h.session.fs, "/shots/out.png"); !ok {
		t.Fatal("expected screenshot file written")
	}
}
