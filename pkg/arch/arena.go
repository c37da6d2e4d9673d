package arch

import (
	"fmt"

	"github.com/JarlEvanson/tvm/internal/types"
)

// Arena is a bump allocator over one contiguous physical window. Backends
// draw page-table and descriptor frames from it; frames are never
// reclaimed, since ownership of the whole window transfers to the loaded
// image at the jump.
//
// The window is modeled as a byte slice plus the physical address it is
// mapped at, so the same code builds real tables on target and testable
// tables on a host.
type Arena struct {
	mem       []byte
	base      types.PhysAddr
	frameSize uint64
	next      uint64
}

// NewArena wraps a physical window. base must be frame aligned and mem a
// whole number of frames.
func NewArena(mem []byte, base types.PhysAddr, frameSize uint64) (*Arena, error) {
	if frameSize == 0 || frameSize&(frameSize-1) != 0 {
		return nil, fmt.Errorf("frame size %d is not a power of two", frameSize)
	}
	if !base.IsAligned(frameSize) {
		return nil, fmt.Errorf("arena base %s not aligned to %d", base, frameSize)
	}
	if uint64(len(mem))%frameSize != 0 {
		return nil, fmt.Errorf("arena window %d bytes is not whole frames of %d", len(mem), frameSize)
	}
	return &Arena{mem: mem, base: base, frameSize: frameSize}, nil
}

// Base returns the physical address of the window start.
func (a *Arena) Base() types.PhysAddr {
	return a.base
}

// FrameSize returns the allocation granularity.
func (a *Arena) FrameSize() uint64 {
	return a.frameSize
}

// Remaining returns how many frames are still free.
func (a *Arena) Remaining() uint64 {
	return (uint64(len(a.mem)) - a.next) / a.frameSize
}

// AllocFrame returns the physical address of a zeroed frame.
func (a *Arena) AllocFrame() (types.PhysAddr, error) {
	if a.next+a.frameSize > uint64(len(a.mem)) {
		return 0, fmt.Errorf("%w: %d frames used", ErrArenaExhausted, a.next/a.frameSize)
	}
	frame := a.mem[a.next : a.next+a.frameSize]
	for i := range frame {
		frame[i] = 0
	}
	pa := a.base.Offset(a.next)
	a.next += a.frameSize
	return pa, nil
}

// Bytes returns the backing bytes for n bytes at pa, which must lie inside
// the allocated part of the window.
func (a *Arena) Bytes(pa types.PhysAddr, n uint64) ([]byte, bool) {
	if pa < a.base {
		return nil, false
	}
	off := uint64(pa - a.base)
	if off+n > a.next {
		return nil, false
	}
	return a.mem[off : off+n], true
}

// Contains reports whether pa lies inside the allocated part of the window.
func (a *Arena) Contains(pa types.PhysAddr) bool {
	return pa >= a.base && uint64(pa-a.base) < a.next
}
