package shm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/user-none/eblitproc/core"
)

// Audio ring capacity in int16 samples. Power of two so positions are
// addressed with a mask; ~341ms of stereo audio at 48kHz.
const (
	AudioRingSamples = 32768
	AudioRingBytes   = AudioRingSamples * 2

	audioRingMask = AudioRingSamples - 1
)

// Fallback video dimension when a core reports 0 for its max geometry.
const fallbackDimension = 1024

// ErrUnavailable is returned when the platform cannot provide a
// shared-memory primitive. Callers fall back to the event-carried
// transport; this is not a failure.
var ErrUnavailable = errors.New("shared memory transport unavailable")

// VideoBufferDims returns the per-buffer video dimensions for a core's
// geometry. Cores that report 0 for max dimensions get a buffer clamped
// to at least 1024x1024, or the base dimensions if those are larger.
func VideoBufferDims(g core.Geometry) (width, height int) {
	return clampDim(g.MaxWidth, g.BaseWidth), clampDim(g.MaxHeight, g.BaseHeight)
}

func clampDim(max, base int) int {
	d := max
	if d <= 0 {
		d = fallbackDimension
		if base > d {
			d = base
		}
	}
	if d < 1 {
		d = 1
	}
	return d
}

// TotalSize returns the full region size for the given max video
// dimensions: control segment, two video buffers, audio ring.
func TotalSize(width, height int) int {
	return ControlSize + 2*width*height*4 + AudioRingBytes
}

// Transport is one attached shared-memory region. The worker side
// publishes; the controller side consumes. A Transport value itself is
// not safe for concurrent use within a process, which matches the one
// publisher goroutine / one consumer goroutine model.
type Transport struct {
	region *region
	ctrl   *control
	video  [2][]byte
	audio  []byte

	maxWidth  int
	maxHeight int
}

func newTransport(buf []byte, maxWidth, maxHeight int) *Transport {
	t := &Transport{
		ctrl:      newControl(buf),
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
	}
	vsize := maxWidth * maxHeight * 4
	off := ControlSize
	t.video[0] = buf[off : off+vsize]
	off += vsize
	t.video[1] = buf[off : off+vsize]
	off += vsize
	t.audio = buf[off : off+AudioRingBytes]
	return t
}

// Create allocates a new region sized for the given AV geometry. Called
// by the controller after init resolves. Returns ErrUnavailable when
// the platform has no shared-memory primitive.
func Create(dir string, g core.Geometry) (*Transport, error) {
	w, h := VideoBufferDims(g)
	r, err := createRegion(dir, TotalSize(w, h))
	if err != nil {
		return nil, err
	}
	t := newTransport(r.data, w, h)
	t.region = r
	return t, nil
}

// Attach maps an existing region created by the controller. Called by
// the worker with the parameters received over the control channel.
func Attach(path string, maxWidth, maxHeight int) (*Transport, error) {
	if maxWidth < 1 || maxHeight < 1 {
		return nil, fmt.Errorf("invalid transport dimensions %dx%d", maxWidth, maxHeight)
	}
	r, err := openRegion(path, TotalSize(maxWidth, maxHeight))
	if err != nil {
		return nil, err
	}
	t := newTransport(r.data, maxWidth, maxHeight)
	t.region = r
	return t, nil
}

// Path returns the backing file path, for handing to the worker.
func (t *Transport) Path() string {
	if t.region == nil {
		return ""
	}
	return t.region.path
}

// MaxWidth returns the per-buffer video width.
func (t *Transport) MaxWidth() int { return t.maxWidth }

// MaxHeight returns the per-buffer video height.
func (t *Transport) MaxHeight() int { return t.maxHeight }

// Close unmaps the region. The side that created it also removes the
// backing file.
func (t *Transport) Close() error {
	if t.region == nil {
		return nil
	}
	err := t.region.close()
	t.region = nil
	return err
}

// ---------------------------------------------------------------------------
// Worker side (publisher)
// ---------------------------------------------------------------------------

// SetAudioSampleRate records the core's sample rate in the control
// segment. Worker side.
func (t *Transport) SetAudioSampleRate(rate int) {
	t.ctrl.store(SlotAudioSampleRate, uint32(rate))
}

// PublishFrame writes one frame into the inactive video buffer and then
// publishes it. The ordering — pixel data, then active index, then
// sequence, then dimensions — is what guarantees the consumer never
// observes a torn frame. Worker side.
func (t *Transport) PublishFrame(f *core.VideoFrame) {
	if f == nil || len(f.Data) == 0 {
		return
	}

	inactive := 1 - t.ctrl.load(SlotActiveBuffer)&1
	n := len(f.Data)
	if n > len(t.video[inactive]) {
		n = len(t.video[inactive])
	}
	copy(t.video[inactive][:n], f.Data[:n])

	t.ctrl.store(SlotActiveBuffer, inactive)
	t.ctrl.store(SlotFrameSequence, t.ctrl.load(SlotFrameSequence)+1)

	if uint32(f.Width) != t.ctrl.load(SlotFrameWidth) {
		t.ctrl.store(SlotFrameWidth, uint32(f.Width))
	}
	if uint32(f.Height) != t.ctrl.load(SlotFrameHeight) {
		t.ctrl.store(SlotFrameHeight, uint32(f.Height))
	}
}

// PublishAudio appends interleaved stereo samples to the ring and
// advances the write position. Never blocks: when the ring is full the
// oldest unread samples are overwritten and reported as dropped so the
// caller can log. Worker side.
func (t *Transport) PublishAudio(samples []int16) (dropped int) {
	if len(samples) == 0 {
		return 0
	}

	w := t.ctrl.load(SlotAudioWritePos)
	r := t.ctrl.load(SlotAudioReadPos)

	free := AudioRingSamples - int(w-r)
	if free < 0 {
		free = 0
	}
	if len(samples) > free {
		dropped = len(samples) - free
	}

	// Only the final ring's worth of an oversized batch can survive;
	// skip the rest instead of writing cells that would be overwritten.
	if skip := len(samples) - AudioRingSamples; skip > 0 {
		w += uint32(skip)
		samples = samples[skip:]
	}

	for i, s := range samples {
		off := (int(w) + i) & audioRingMask
		binary.LittleEndian.PutUint16(t.audio[off*2:], uint16(s))
	}
	t.ctrl.store(SlotAudioWritePos, w+uint32(len(samples)))
	return dropped
}

// ---------------------------------------------------------------------------
// Controller side (consumer)
// ---------------------------------------------------------------------------

// AudioSampleRate returns the sample rate published by the worker.
func (t *Transport) AudioSampleRate() int {
	return int(t.ctrl.load(SlotAudioSampleRate))
}

// ConsumeFrame returns a copy of the most recent frame if the sequence
// advanced past lastSeq, or nil when nothing new was published. The
// returned sequence is passed back on the next call. Controller side.
func (t *Transport) ConsumeFrame(lastSeq uint32) (*core.VideoFrame, uint32) {
	seq := t.ctrl.load(SlotFrameSequence)
	if seq == lastSeq {
		return nil, lastSeq
	}

	active := t.ctrl.load(SlotActiveBuffer) & 1
	w := int(t.ctrl.load(SlotFrameWidth))
	h := int(t.ctrl.load(SlotFrameHeight))
	if w < 1 || h < 1 || w > t.maxWidth || h > t.maxHeight {
		return nil, seq
	}

	data := make([]byte, w*h*4)
	copy(data, t.video[active])
	return &core.VideoFrame{Data: data, Width: w, Height: h}, seq
}

// ConsumeAudio copies up to len(dst) unread samples out of the ring and
// advances the read position. When the backlog exceeds ring capacity
// the read position is first advanced past the overwritten samples —
// the oldest unread audio is dropped, never corrupted. Controller side.
func (t *Transport) ConsumeAudio(dst []int16) int {
	w := t.ctrl.load(SlotAudioWritePos)
	r := t.ctrl.load(SlotAudioReadPos)

	backlog := w - r
	if backlog > AudioRingSamples {
		r = w - AudioRingSamples
		backlog = AudioRingSamples
	}

	n := int(backlog)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		off := (int(r) + i) & audioRingMask
		dst[i] = int16(binary.LittleEndian.Uint16(t.audio[off*2:]))
	}
	t.ctrl.store(SlotAudioReadPos, r+uint32(n))
	return n
}
