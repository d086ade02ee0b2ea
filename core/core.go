// Package core defines the binding contract for dynamically loaded
// emulator cores and the shared audio/video types the rest of the
// system is built around.
package core

// Memory region type constants for MemoryData/SetMemoryData.
// Values match the libretro RETRO_MEMORY_* constants.
const (
	MemorySaveRAM   = 0
	MemoryRTC       = 1
	MemorySystemRAM = 2
	MemoryVideoRAM  = 3
)

// Geometry describes the video output dimensions reported by a core.
type Geometry struct {
	BaseWidth   int     `json:"baseWidth"`
	BaseHeight  int     `json:"baseHeight"`
	MaxWidth    int     `json:"maxWidth"`
	MaxHeight   int     `json:"maxHeight"`
	AspectRatio float64 `json:"aspectRatio"`
}

// Timing describes the frame rate and audio sample rate of a core.
type Timing struct {
	FPS        float64 `json:"fps"`
	SampleRate float64 `json:"sampleRate"`
}

// AVInfo is the combined audio/video geometry negotiated at game load.
type AVInfo struct {
	Geometry Geometry `json:"geometry"`
	Timing   Timing   `json:"timing"`
}

// SystemInfo is the static metadata a core reports before a game loads.
type SystemInfo struct {
	LibraryName     string `json:"libraryName"`
	LibraryVersion  string `json:"libraryVersion"`
	ValidExtensions string `json:"validExtensions"`
	NeedFullpath    bool   `json:"needFullpath"`
	BlockExtract    bool   `json:"blockExtract"`
}

// VideoFrame is one decoded frame of RGBA pixel data.
type VideoFrame struct {
	Data   []byte `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// CoreBinding is the synchronous driver over a loaded emulator core.
// Implementations are not safe for concurrent use; the worker drives
// a binding from a single goroutine.
type CoreBinding interface {
	// LoadCore loads the core shared library and resolves its entry points.
	LoadCore(path string) error

	// LoadGame loads content into the core. LoadCore must have succeeded.
	LoadGame(path string) error

	// UnloadGame unloads the current content, if any.
	UnloadGame()

	// Run advances emulation by exactly one frame. A panic inside the
	// core is recovered and returned as an error.
	Run() error

	// Reset performs a soft reset of the running game.
	Reset()

	// SystemInfo returns core metadata. The bool is false when no core
	// is loaded.
	SystemInfo() (SystemInfo, bool)

	// AVInfo returns the negotiated AV geometry. The bool is false when
	// no game is loaded.
	AVInfo() (AVInfo, bool)

	// VideoFrame returns the frame produced by the last Run, or nil if
	// no new frame is ready. The returned data is a copy.
	VideoFrame() *VideoFrame

	// AudioBuffer drains and returns interleaved stereo int16 samples
	// produced since the last call, or nil if none.
	AudioBuffer() []int16

	// SetInputState records controller state for the input callback.
	SetInputState(port, id int, value int16)

	// SerializeState captures the complete core state.
	SerializeState() ([]byte, error)

	// UnserializeState restores core state from SerializeState data.
	UnserializeState(data []byte) error

	// SerializeSize returns the size in bytes of a serialized state,
	// or 0 when unknown.
	SerializeSize() int

	// MemoryData returns a copy of a memory region (battery save etc),
	// or nil if the core does not expose it.
	MemoryData(region int) []byte

	// SetMemoryData writes data into a memory region.
	SetMemoryData(region int, data []byte)

	// Destroy unloads the game and the core library.
	Destroy()

	// IsLoaded reports whether both a core and a game are loaded.
	IsLoaded() bool

	// SetSystemDirectory sets the BIOS/system directory reported to the core.
	SetSystemDirectory(path string)

	// SetSaveDirectory sets the save directory reported to the core.
	SetSaveDirectory(path string)
}
