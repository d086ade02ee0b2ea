package core

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Environment command constants from libretro.h (handled subset).
const (
	envSetPerformanceLevel                 = 8
	envGetSystemDirectory                  = 9
	envSetPixelFormat                      = 10
	envSetInputDescriptors                 = 11
	envGetVariable                         = 15
	envSetVariables                        = 16
	envGetVariableUpdate                   = 17
	envSetSupportNoGame                    = 18
	envGetLogInterface                     = 27
	envGetSaveDirectory                    = 31
	envSetSubsystemInfo                    = 34
	envSetControllerInfo                   = 35
	envSetMemoryMaps                       = 36
	envSetGeometry                         = 37
	envSetSerializationQuirks              = 44
	envGetInputBitmasks                    = 51
	envGetCoreOptionsVersion               = 52
	envSetCoreOptions                      = 53
	envSetCoreOptionsIntl                  = 54
	envSetCoreOptionsDisplay               = 55
	envGetMessageInterfaceVersion          = 59
	envGetInputMaxUsers                    = 61
	envSetContentInfoOverride              = 65
	envGetGameInfoExt                      = 66
	envSetCoreOptionsV2                    = 67
	envSetCoreOptionsV2Intl                = 68
	envSetCoreOptionsUpdateDisplayCallback = 69
)

const (
	deviceJoypad = 1
	// Queried when the core opts in to input bitmasks.
	idJoypadMask = 256

	maxInputPorts = 2
	maxInputIDs   = 16
)

// C struct mirrors. Field order and sizes must match libretro.h; Go's
// natural alignment rules produce the same layout on 64-bit targets.

type retroSystemInfo struct {
	libraryName     *byte
	libraryVersion  *byte
	validExtensions *byte
	needFullpath    bool
	blockExtract    bool
}

type retroGameGeometry struct {
	baseWidth   uint32
	baseHeight  uint32
	maxWidth    uint32
	maxHeight   uint32
	aspectRatio float32
}

type retroSystemTiming struct {
	fps        float64
	sampleRate float64
}

type retroSystemAVInfo struct {
	geometry retroGameGeometry
	timing   retroSystemTiming
}

type retroGameInfo struct {
	path *byte
	data unsafe.Pointer
	size uintptr
	meta *byte
}

type retroVariable struct {
	key   *byte
	value *byte
}

// LibretroBinding drives a dynamically loaded libretro core. It
// implements CoreBinding. Not safe for concurrent use.
type LibretroBinding struct {
	handle uintptr

	fnSetEnvironment      func(cb uintptr)
	fnSetVideoRefresh     func(cb uintptr)
	fnSetAudioSample      func(cb uintptr)
	fnSetAudioSampleBatch func(cb uintptr)
	fnSetInputPoll        func(cb uintptr)
	fnSetInputState       func(cb uintptr)
	fnInit                func()
	fnDeinit              func()
	fnAPIVersion          func() uint32
	fnGetSystemInfo       func(info *retroSystemInfo)
	fnGetSystemAVInfo     func(info *retroSystemAVInfo)
	fnReset               func()
	fnRun                 func()
	fnSerializeSize       func() uintptr
	fnSerialize           func(data unsafe.Pointer, size uintptr) bool
	fnUnserialize         func(data unsafe.Pointer, size uintptr) bool
	fnLoadGame            func(info *retroGameInfo) bool
	fnUnloadGame          func()
	fnGetMemoryData       func(id uint32) unsafe.Pointer
	fnGetMemorySize       func(id uint32) uintptr

	coreLoaded  bool
	gameLoaded  bool
	pixelFormat int

	videoMu     sync.Mutex
	videoBuf    []byte
	videoWidth  int
	videoHeight int
	frameReady  bool

	audioMu  sync.Mutex
	audioBuf []int16

	inputMu    sync.Mutex
	inputState [maxInputPorts][maxInputIDs]int16

	// NUL-terminated backing buffers handed to the core; must stay
	// reachable while the core is loaded.
	systemDir []byte
	saveDir   []byte
	gamePath  []byte
	romData   []byte

	avInfo retroSystemAVInfo
}

var _ CoreBinding = (*LibretroBinding)(nil)

// The libretro callback table carries no context pointer, so the C
// callbacks must reach their binding through a process-wide instance.
// The singleton is confined to this adapter; one binding per process.
var activeBinding *LibretroBinding

var (
	callbackOnce  sync.Once
	envCbPtr      uintptr
	videoCbPtr    uintptr
	audioCbPtr    uintptr
	audioBatchPtr uintptr
	inputPollPtr  uintptr
	inputStatePtr uintptr
)

// NewLibretroBinding returns an empty binding. No library is loaded
// until LoadCore.
func NewLibretroBinding() *LibretroBinding {
	return &LibretroBinding{
		pixelFormat: pixelFormat0RGB1555,
		systemDir:   []byte(".\x00"),
		saveDir:     []byte(".\x00"),
	}
}

func ensureCallbacks() {
	callbackOnce.Do(func() {
		envCbPtr = purego.NewCallback(environmentCallback)
		videoCbPtr = purego.NewCallback(videoRefreshCallback)
		audioCbPtr = purego.NewCallback(audioSampleCallback)
		audioBatchPtr = purego.NewCallback(audioSampleBatchCallback)
		inputPollPtr = purego.NewCallback(inputPollCallback)
		inputStatePtr = purego.NewCallback(inputStateCallback)
	})
}

// LoadCore loads the core shared library, resolves the retro_* entry
// points and runs core initialization.
func (b *LibretroBinding) LoadCore(path string) error {
	b.closeCore()

	handle, err := dlopen(path)
	if err != nil {
		return fmt.Errorf("failed to load core %s: %w", path, err)
	}
	b.handle = handle

	if err := b.resolveFunctions(); err != nil {
		dlclose(handle)
		b.handle = 0
		return fmt.Errorf("failed to resolve core functions: %w", err)
	}

	ensureCallbacks()
	activeBinding = b

	// retro_set_environment must be called before retro_init; the
	// remaining callbacks are registered after init so cores have
	// their internal state allocated.
	b.fnSetEnvironment(envCbPtr)
	b.fnInit()
	b.fnSetVideoRefresh(videoCbPtr)
	b.fnSetAudioSample(audioCbPtr)
	b.fnSetAudioSampleBatch(audioBatchPtr)
	b.fnSetInputPoll(inputPollPtr)
	b.fnSetInputState(inputStatePtr)

	b.coreLoaded = true
	return nil
}

// resolveFunctions registers the retro_* symbols. RegisterLibFunc
// panics on a missing symbol, so resolution is wrapped in a recover.
func (b *LibretroBinding) resolveFunctions() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	purego.RegisterLibFunc(&b.fnSetEnvironment, b.handle, "retro_set_environment")
	purego.RegisterLibFunc(&b.fnSetVideoRefresh, b.handle, "retro_set_video_refresh")
	purego.RegisterLibFunc(&b.fnSetAudioSample, b.handle, "retro_set_audio_sample")
	purego.RegisterLibFunc(&b.fnSetAudioSampleBatch, b.handle, "retro_set_audio_sample_batch")
	purego.RegisterLibFunc(&b.fnSetInputPoll, b.handle, "retro_set_input_poll")
	purego.RegisterLibFunc(&b.fnSetInputState, b.handle, "retro_set_input_state")
	purego.RegisterLibFunc(&b.fnInit, b.handle, "retro_init")
	purego.RegisterLibFunc(&b.fnDeinit, b.handle, "retro_deinit")
	purego.RegisterLibFunc(&b.fnAPIVersion, b.handle, "retro_api_version")
	purego.RegisterLibFunc(&b.fnGetSystemInfo, b.handle, "retro_get_system_info")
	purego.RegisterLibFunc(&b.fnGetSystemAVInfo, b.handle, "retro_get_system_av_info")
	purego.RegisterLibFunc(&b.fnReset, b.handle, "retro_reset")
	purego.RegisterLibFunc(&b.fnRun, b.handle, "retro_run")
	purego.RegisterLibFunc(&b.fnSerializeSize, b.handle, "retro_serialize_size")
	purego.RegisterLibFunc(&b.fnSerialize, b.handle, "retro_serialize")
	purego.RegisterLibFunc(&b.fnUnserialize, b.handle, "retro_unserialize")
	purego.RegisterLibFunc(&b.fnLoadGame, b.handle, "retro_load_game")
	purego.RegisterLibFunc(&b.fnUnloadGame, b.handle, "retro_unload_game")
	purego.RegisterLibFunc(&b.fnGetMemoryData, b.handle, "retro_get_memory_data")
	purego.RegisterLibFunc(&b.fnGetMemorySize, b.handle, "retro_get_memory_size")
	return nil
}

// LoadGame reads the content file and hands it to the core. The ROM is
// always loaded into memory alongside the path so cores that report
// need_fullpath still get the data.
func (b *LibretroBinding) LoadGame(path string) error {
	if !b.coreLoaded {
		return fmt.Errorf("no core loaded")
	}

	rom, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open ROM: %w", err)
	}
	if len(rom) == 0 {
		return fmt.Errorf("ROM is empty: %s", path)
	}
	b.romData = rom
	b.gamePath = append([]byte(path), 0)

	info := retroGameInfo{
		path: &b.gamePath[0],
		data: unsafe.Pointer(&b.romData[0]),
		size: uintptr(len(b.romData)),
	}
	if !b.fnLoadGame(&info) {
		b.romData = nil
		return fmt.Errorf("core rejected the game")
	}

	b.fnGetSystemAVInfo(&b.avInfo)
	b.gameLoaded = true
	return nil
}

// UnloadGame unloads the current content, if any.
func (b *LibretroBinding) UnloadGame() {
	if b.gameLoaded {
		b.fnUnloadGame()
		b.gameLoaded = false
		b.romData = nil
	}
}

// Run advances emulation by one frame. Panics raised by the core or
// its callbacks are recovered and reported as errors.
func (b *LibretroBinding) Run() (err error) {
	if !b.gameLoaded {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("core fault: %v", r)
		}
	}()
	b.fnRun()
	return nil
}

// Reset performs a soft reset of the running game.
func (b *LibretroBinding) Reset() {
	if b.gameLoaded {
		b.fnReset()
	}
}

// SystemInfo returns core metadata, or false when no core is loaded.
func (b *LibretroBinding) SystemInfo() (SystemInfo, bool) {
	if !b.coreLoaded {
		return SystemInfo{}, false
	}
	var info retroSystemInfo
	b.fnGetSystemInfo(&info)
	return SystemInfo{
		LibraryName:     cstr(info.libraryName),
		LibraryVersion:  cstr(info.libraryVersion),
		ValidExtensions: cstr(info.validExtensions),
		NeedFullpath:    info.needFullpath,
		BlockExtract:    info.blockExtract,
	}, true
}

// AVInfo returns the AV geometry cached at game load (updated when the
// core issues SET_GEOMETRY), or false when no game is loaded.
func (b *LibretroBinding) AVInfo() (AVInfo, bool) {
	if !b.gameLoaded {
		return AVInfo{}, false
	}
	g := b.avInfo.geometry
	t := b.avInfo.timing
	return AVInfo{
		Geometry: Geometry{
			BaseWidth:   int(g.baseWidth),
			BaseHeight:  int(g.baseHeight),
			MaxWidth:    int(g.maxWidth),
			MaxHeight:   int(g.maxHeight),
			AspectRatio: float64(g.aspectRatio),
		},
		Timing: Timing{FPS: t.fps, SampleRate: t.sampleRate},
	}, true
}

// VideoFrame returns the frame produced by the last Run, or nil when no
// new frame is ready.
func (b *LibretroBinding) VideoFrame() *VideoFrame {
	b.videoMu.Lock()
	defer b.videoMu.Unlock()

	if !b.frameReady || len(b.videoBuf) == 0 {
		return nil
	}
	data := make([]byte, b.videoWidth*b.videoHeight*4)
	copy(data, b.videoBuf)
	b.frameReady = false
	return &VideoFrame{Data: data, Width: b.videoWidth, Height: b.videoHeight}
}

// AudioBuffer drains the samples accumulated since the last call.
func (b *LibretroBinding) AudioBuffer() []int16 {
	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	if len(b.audioBuf) == 0 {
		return nil
	}
	out := make([]int16, len(b.audioBuf))
	copy(out, b.audioBuf)
	b.audioBuf = b.audioBuf[:0]
	return out
}

// SetInputState records controller state read back by the core's input
// state callback during Run.
func (b *LibretroBinding) SetInputState(port, id int, value int16) {
	if port < 0 || port >= maxInputPorts || id < 0 || id >= maxInputIDs {
		return
	}
	b.inputMu.Lock()
	b.inputState[port][id] = value
	b.inputMu.Unlock()
}

// SerializeState captures the complete core state.
func (b *LibretroBinding) SerializeState() ([]byte, error) {
	if !b.gameLoaded {
		return nil, fmt.Errorf("no game loaded")
	}
	size := b.fnSerializeSize()
	if size == 0 {
		return nil, fmt.Errorf("core does not support save states")
	}
	buf := make([]byte, size)
	if !b.fnSerialize(unsafe.Pointer(&buf[0]), size) {
		return nil, fmt.Errorf("core failed to serialize state")
	}
	return buf, nil
}

// UnserializeState restores core state from SerializeState data.
func (b *LibretroBinding) UnserializeState(data []byte) error {
	if !b.gameLoaded {
		return fmt.Errorf("no game loaded")
	}
	if len(data) == 0 {
		return fmt.Errorf("empty state data")
	}
	if !b.fnUnserialize(unsafe.Pointer(&data[0]), uintptr(len(data))) {
		return fmt.Errorf("core rejected state data")
	}
	return nil
}

// SerializeSize returns the serialized state size in bytes.
func (b *LibretroBinding) SerializeSize() int {
	if !b.gameLoaded {
		return 0
	}
	return int(b.fnSerializeSize())
}

// MemoryData returns a copy of a core memory region, or nil when the
// core does not expose it.
func (b *LibretroBinding) MemoryData(region int) []byte {
	if !b.gameLoaded {
		return nil
	}
	p := b.fnGetMemoryData(uint32(region))
	size := b.fnGetMemorySize(uint32(region))
	if p == nil || size == 0 {
		return nil
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(p), size))
	return out
}

// SetMemoryData writes data into a core memory region. Extra bytes
// beyond the region size are ignored.
func (b *LibretroBinding) SetMemoryData(region int, data []byte) {
	if !b.gameLoaded || len(data) == 0 {
		return
	}
	p := b.fnGetMemoryData(uint32(region))
	size := b.fnGetMemorySize(uint32(region))
	if p == nil || size == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(p), size)
	copy(dst, data)
}

// Destroy unloads the game and the core library.
func (b *LibretroBinding) Destroy() {
	b.closeCore()
}

// IsLoaded reports whether both a core and a game are loaded.
func (b *LibretroBinding) IsLoaded() bool {
	return b.coreLoaded && b.gameLoaded
}

// SetSystemDirectory sets the BIOS/system directory reported to the
// core via GET_SYSTEM_DIRECTORY. Must be set before LoadGame.
func (b *LibretroBinding) SetSystemDirectory(path string) {
	if path == "" {
		path = "."
	}
	b.systemDir = append([]byte(path), 0)
}

// SetSaveDirectory sets the save directory reported to the core via
// GET_SAVE_DIRECTORY. Must be set before LoadGame.
func (b *LibretroBinding) SetSaveDirectory(path string) {
	if path == "" {
		path = "."
	}
	b.saveDir = append([]byte(path), 0)
}

func (b *LibretroBinding) closeCore() {
	if b.gameLoaded {
		b.fnUnloadGame()
		b.gameLoaded = false
	}
	if b.coreLoaded {
		b.fnDeinit()
		b.coreLoaded = false
	}
	if b.handle != 0 {
		dlclose(b.handle)
		b.handle = 0
	}
	if activeBinding == b {
		activeBinding = nil
	}
	b.romData = nil
	b.videoBuf = nil
	b.audioBuf = nil
	b.frameReady = false
}

// cstr converts a NUL-terminated C string to a Go string.
func cstr(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

// ---------------------------------------------------------------------------
// C callbacks. These run synchronously on the goroutine that called
// retro_run (or retro_load_game) and dispatch through activeBinding.
// ---------------------------------------------------------------------------

func environmentCallback(cmd uint32, data uintptr) uintptr {
	b := activeBinding
	if b == nil {
		return 0
	}

	switch cmd {
	case envSetPixelFormat:
		b.pixelFormat = int(*(*uint32)(unsafe.Pointer(data)))
		return 1

	case envGetSystemDirectory:
		*(**byte)(unsafe.Pointer(data)) = &b.systemDir[0]
		return 1

	case envGetSaveDirectory:
		*(**byte)(unsafe.Pointer(data)) = &b.saveDir[0]
		return 1

	case envGetVariable:
		// No variables exposed.
		v := (*retroVariable)(unsafe.Pointer(data))
		v.value = nil
		return 0

	case envGetCoreOptionsVersion:
		*(*uint32)(unsafe.Pointer(data)) = 2
		return 1

	case envGetMessageInterfaceVersion:
		*(*uint32)(unsafe.Pointer(data)) = 0
		return 1

	case envGetInputMaxUsers:
		*(*uint32)(unsafe.Pointer(data)) = maxInputPorts
		return 1

	case envSetGeometry:
		if data != 0 {
			b.avInfo.geometry = *(*retroGameGeometry)(unsafe.Pointer(data))
		}
		return 1

	case envGetInputBitmasks,
		envSetSupportNoGame,
		envSetPerformanceLevel,
		envSetContentInfoOverride,
		envSetInputDescriptors,
		envSetControllerInfo,
		envSetSubsystemInfo,
		envSetMemoryMaps,
		envSetSerializationQuirks,
		envSetCoreOptions,
		envSetCoreOptionsIntl,
		envSetCoreOptionsDisplay,
		envSetCoreOptionsV2,
		envSetCoreOptionsV2Intl,
		envSetCoreOptionsUpdateDisplayCallback:
		// Accepted silently.
		return 1

	case envSetVariables, envGetVariableUpdate, envGetGameInfoExt, envGetLogInterface:
		// GET_LOG_INTERFACE is declined: a variadic C callback cannot
		// be expressed through purego, so cores use their own stderr.
		return 0

	default:
		return 0
	}
}

func videoRefreshCallback(data uintptr, width uint32, height uint32, pitch uintptr) {
	b := activeBinding
	if b == nil || data == 0 {
		return
	}

	w, h, p := int(width), int(height), int(pitch)
	src := unsafe.Slice((*byte)(unsafe.Pointer(data)), p*h)

	b.videoMu.Lock()
	defer b.videoMu.Unlock()

	need := w * h * 4
	if cap(b.videoBuf) < need {
		b.videoBuf = make([]byte, need)
	}
	b.videoBuf = b.videoBuf[:need]
	convertToRGBA(b.pixelFormat, src, b.videoBuf, w, h, p)
	b.videoWidth = w
	b.videoHeight = h
	b.frameReady = true
}

func audioSampleCallback(left int16, right int16) {
	b := activeBinding
	if b == nil {
		return
	}
	b.audioMu.Lock()
	b.audioBuf = append(b.audioBuf, left, right)
	b.audioMu.Unlock()
}

func audioSampleBatchCallback(data uintptr, frames uintptr) uintptr {
	b := activeBinding
	if b == nil || data == 0 {
		return 0
	}
	samples := unsafe.Slice((*int16)(unsafe.Pointer(data)), int(frames)*2)
	b.audioMu.Lock()
	b.audioBuf = append(b.audioBuf, samples...)
	b.audioMu.Unlock()
	return frames
}

func inputPollCallback() {
	// Input is pushed via SetInputState; nothing to poll.
}

func inputStateCallback(port uint32, device uint32, index uint32, id uint32) int16 {
	b := activeBinding
	if b == nil || device != deviceJoypad || port >= maxInputPorts {
		return 0
	}

	b.inputMu.Lock()
	defer b.inputMu.Unlock()

	if id == idJoypadMask {
		var mask int16
		for i := 0; i < maxInputIDs; i++ {
			if b.inputState[port][i] != 0 {
				mask |= 1 << i
			}
		}
		return mask
	}
	if id >= maxInputIDs {
		return 0
	}
	return b.inputState[port][id]
}
