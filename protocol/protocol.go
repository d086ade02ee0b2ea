// Package protocol defines the message shapes exchanged between the
// controller and the worker process, and a line-delimited JSON codec
// for carrying them over the worker's stdio pipes.
package protocol

import (
	"github.com/user-none/eblitproc/core"
)

// Command actions (controller -> worker).
const (
	ActionInit            = "init"
	ActionAttachTransport = "attachTransport"
	ActionInput           = "input"
	ActionPause           = "pause"
	ActionResume          = "resume"
	ActionReset           = "reset"
	ActionSetSpeed        = "setSpeed"
	ActionSaveState       = "saveState"
	ActionLoadState       = "loadState"
	ActionSaveSRAM        = "saveSram"
	ActionScreenshot      = "screenshot"
	ActionShutdown        = "shutdown"
)

// Event types (worker -> controller).
const (
	EventReady        = "ready"
	EventVideoFrame   = "videoFrame"
	EventAudioSamples = "audioSamples"
	EventError        = "error"
	EventSpeedChanged = "speedChanged"
	EventResponse     = "response"
	EventLog          = "log"
)

// Log levels for EventLog records.
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// AutosaveSlot selects the reserved autosave slot in saveState and
// loadState commands.
const AutosaveSlot = -1

// InitParams carries the paths the worker needs to load a core and its
// content. All paths are validated upstream before reaching this layer.
type InitParams struct {
	CorePath       string `json:"corePath"`
	ContentPath    string `json:"contentPath"`
	SystemDir      string `json:"systemDir"`
	SaveDir        string `json:"saveDir"`
	BatterySaveDir string `json:"batterySaveDir"`
	StateDir       string `json:"stateDir"`
}

// TransportParams tells the worker where to attach the shared-memory
// region the controller allocated.
type TransportParams struct {
	Path      string `json:"path"`
	MaxWidth  int    `json:"maxWidth"`
	MaxHeight int    `json:"maxHeight"`
}

// Command is a controller-to-worker message. RequestID is set only on
// request/response actions; fire-and-forget commands leave it empty.
type Command struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`

	Init      *InitParams      `json:"init,omitempty"`
	Transport *TransportParams `json:"transport,omitempty"`

	// input
	Port    int  `json:"port,omitempty"`
	ID      int  `json:"id,omitempty"`
	Pressed bool `json:"pressed,omitempty"`

	// saveState / loadState
	Slot int `json:"slot,omitempty"`

	// screenshot
	Path string `json:"path,omitempty"`

	// setSpeed
	Multiplier float64 `json:"multiplier,omitempty"`
}

// Event is a worker-to-controller message. Which fields are meaningful
// depends on Type.
type Event struct {
	Type string `json:"type"`

	// response
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`

	// ready
	AVInfo *core.AVInfo `json:"avInfo,omitempty"`

	// error / log
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
	Level   string `json:"level,omitempty"`

	// videoFrame / audioSamples (event-carried fallback transport)
	Frame   *core.VideoFrame `json:"frame,omitempty"`
	Samples []int16          `json:"samples,omitempty"`

	// speedChanged
	Multiplier float64 `json:"multiplier,omitempty"`
}
