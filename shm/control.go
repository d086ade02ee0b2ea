// Package shm implements the shared-memory transport that moves video
// frames and audio samples from the worker process to the controller
// without copying them through the control channel.
//
// The transport is a single mmap-backed region: a small control segment
// of atomically accessed words, two video buffers (double buffering),
// and one audio sample ring. There is no lock; safety rests on each
// control field having exactly one writer side and on the worker's
// write-then-publish ordering.
package shm

import (
	"sync/atomic"
	"unsafe"
)

// Control segment slots. Each slot is one uint32.
const (
	SlotActiveBuffer    = 0 // video buffer index safe to read (0/1)
	SlotFrameSequence   = 1 // bumped after every published frame; wraps
	SlotFrameWidth      = 2 // current frame width in pixels
	SlotFrameHeight     = 3 // current frame height in pixels
	SlotAudioWritePos   = 4 // free-running sample count, worker side
	SlotAudioReadPos    = 5 // free-running sample count, controller side
	SlotAudioSampleRate = 6 // samples per second
	SlotReserved        = 7

	ControlSlots = 8
	ControlSize  = ControlSlots * 4
)

// Owner identifies which side of the transport may write a control slot.
type Owner int

const (
	OwnerWorker Owner = iota
	OwnerController
)

// slotOwners is the single-writer map for the control segment. The
// controller owns only its read cursor; everything else belongs to the
// worker. Enforced by convention and checked in tests.
var slotOwners = [ControlSlots]Owner{
	SlotActiveBuffer:    OwnerWorker,
	SlotFrameSequence:   OwnerWorker,
	SlotFrameWidth:      OwnerWorker,
	SlotFrameHeight:     OwnerWorker,
	SlotAudioWritePos:   OwnerWorker,
	SlotAudioReadPos:    OwnerController,
	SlotAudioSampleRate: OwnerWorker,
	SlotReserved:        OwnerWorker,
}

// SlotOwner returns which side owns writes to the given control slot.
func SlotOwner(slot int) Owner {
	return slotOwners[slot]
}

// control provides atomic access to the mapped control words. The two
// sides run in unrelated address spaces, so every access goes through
// sync/atomic for cross-process ordering.
type control struct {
	buf []byte
}

func newControl(buf []byte) *control {
	return &control{buf: buf[:ControlSize]}
}

func (c *control) word(slot int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.buf[slot*4]))
}

func (c *control) load(slot int) uint32 {
	return atomic.LoadUint32(c.word(slot))
}

func (c *control) store(slot int, v uint32) {
	atomic.StoreUint32(c.word(slot), v)
}
