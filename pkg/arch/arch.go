// Package arch defines the capability surface an architecture backend must
// provide to the boot pipeline: address-space construction, descriptor
// table construction, and the control transfer itself.
//
// The set of backends is closed. Each backend registers its Profile at
// init time, and the loader selects one by ELF machine value; there is no
// runtime plugin mechanism.
package arch

import (
	"errors"
	"fmt"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/spin"
)

// Prot is a page protection mask.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// String implements fmt.Stringer.
func (p Prot) String() string {
	buf := []byte("---")
	if p&ProtRead != 0 {
		buf[0] = 'r'
	}
	if p&ProtWrite != 0 {
		buf[1] = 'w'
	}
	if p&ProtExec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// Mapping and allocation errors shared by all backends.
var (
	ErrArenaExhausted     = errors.New("arena out of frames")
	ErrUnalignedMapping   = errors.New("mapping not page aligned")
	ErrOverlappingMapping = errors.New("mapping overlaps existing mapping")
)

// AddressSpace is one backend-specific page-table hierarchy under
// construction. Implementations build pure data inside an Arena; nothing is
// live until the switch installs the root.
type AddressSpace interface {
	// Map establishes va -> pa for pages pages with the given protection.
	// Both addresses must be page aligned, and the range must not overlap
	// an existing mapping.
	Map(va types.VirtAddr, pa types.PhysAddr, pages uint64, prot Prot) error

	// Translate walks the hierarchy. It reports the backing physical
	// address and the effective protection, or ok=false if unmapped.
	Translate(va types.VirtAddr) (pa types.PhysAddr, prot Prot, ok bool)

	// Root returns the physical address of the top-level table.
	Root() types.PhysAddr
}

// Descriptors locates a built descriptor table in physical memory.
type Descriptors struct {
	Base types.PhysAddr
	Len  uint64
}

// SwitchFrame carries everything the control transfer needs. All physical
// addresses must lie below 4 GiB so they stay addressable mid-switch.
type SwitchFrame struct {
	SpaceRoot   types.PhysAddr
	Descriptors Descriptors

	Trampoline      types.PhysAddr
	TrampolinePages uint64

	Entry    types.VirtAddr
	BootInfo types.PhysAddr
}

// JumpFn performs the final control transfer. It must not return.
type JumpFn func(SwitchFrame)

// Engine drives one mode switch as a forward-only state machine. All
// fallible work happens at or before InstallDescriptors; EnterModeSwitch
// only verifies, and Jump only transfers.
type Engine interface {
	// MapSegment maps one image range into the target hierarchy.
	MapSegment(va types.VirtAddr, pa types.PhysAddr, pages uint64, prot Prot) error

	// MapIdentity maps pa at the equal virtual address in both the
	// current and target hierarchies.
	MapIdentity(pa types.PhysAddr, pages uint64, prot Prot) error

	// MapTrampoline identity-maps the switch code, read-execute, into
	// both hierarchies.
	MapTrampoline(pa types.PhysAddr, pages uint64) error

	// FinishMapping seals both hierarchies.
	FinishMapping() error

	// InstallDescriptors builds the descriptor table. Last fallible step.
	InstallDescriptors() error

	// EnterModeSwitch verifies the trampoline resolves identically in
	// both hierarchies and seals the switch frame.
	EnterModeSwitch(entry types.VirtAddr, bootInfo types.PhysAddr) error

	// Jump transfers control. It never returns on success.
	Jump() error

	// Frame returns the switch frame assembled so far, for reporting.
	Frame() SwitchFrame
}

// Profile is one architecture backend.
type Profile interface {
	// Name identifies the backend in logs.
	Name() string

	// Machine is the ELF machine value images for this backend carry.
	Machine() uint16

	// PageSize is the backend's base page size.
	PageSize() uint64

	// NewAddressSpace allocates an empty hierarchy from the arena.
	NewAddressSpace(a *Arena) (AddressSpace, error)

	// BuildDescriptors builds the backend's descriptor table in the arena.
	BuildDescriptors(a *Arena) (Descriptors, error)

	// NewEngine allocates a transition engine drawing from the arena.
	// jump performs the backend's control transfer.
	NewEngine(a *Arena, jump JumpFn) (Engine, error)
}

var (
	registryLock spin.Lock
	registry     = map[uint16]Profile{}
)

// Register adds a backend to the closed set. It panics on a duplicate
// machine value; backends call it from init.
func Register(p Profile) {
	registryLock.Do(func() {
		if _, dup := registry[p.Machine()]; dup {
			panic(fmt.Sprintf("arch: duplicate profile for machine %d", p.Machine()))
		}
		registry[p.Machine()] = p
	})
}

// ByMachine returns the registered backend for an ELF machine value.
func ByMachine(machine uint16) (Profile, bool) {
	var p Profile
	var ok bool
	registryLock.Do(func() {
		p, ok = registry[machine]
	})
	return p, ok
}
