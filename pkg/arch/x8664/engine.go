package x8664

import (
	"errors"
	"fmt"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/arch"
)

// State is the transition engine's position in the switch sequence. States
// only advance; there is no path backward.
type State uint8

const (
	// StateDiscovered: structures allocated, mappings under construction.
	StateDiscovered State = iota
	// StateMapped: both hierarchies complete, including the trampoline.
	StateMapped
	// StateDescriptorsInstalled: descriptor table built and located.
	StateDescriptorsInstalled
	// StateModeSwitched: switch frame sealed, identity checks passed.
	StateModeSwitched
	// StateJumpedToEntry: control transferred. Terminal.
	StateJumpedToEntry
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateMapped:
		return "mapped"
	case StateDescriptorsInstalled:
		return "descriptors-installed"
	case StateModeSwitched:
		return "mode-switched"
	case StateJumpedToEntry:
		return "jumped-to-entry"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Engine errors.
var (
	ErrBadState           = errors.New("operation not valid in current state")
	ErrNoTrampoline       = errors.New("trampoline not mapped")
	ErrTrampolineMismatch = errors.New("trampoline not mapped identically in both hierarchies")
	ErrAboveSwitchLimit   = errors.New("switch structure above 4 GiB")
)

// switchLimit bounds every physical address the switch touches while
// paging is in flux.
const switchLimit = types.PhysAddr(1) << 32

// Engine drives the mode switch as an explicit state machine. All fallible
// work (frame allocation, mapping, descriptor construction) happens at or
// before InstallDescriptors; EnterModeSwitch only verifies, and Jump only
// transfers.
type Engine struct {
	profile *Profile
	arena   *arch.Arena
	jump    arch.JumpFn

	state   State
	current *AddressSpace
	target  *AddressSpace
	frame   arch.SwitchFrame
}

// NewEngine allocates the current and target hierarchies from the arena.
// current models the loader's pre-switch view; target is the hierarchy the
// loaded image starts under.
func NewEngine(p *Profile, a *arch.Arena, jump arch.JumpFn) (*Engine, error) {
	current, err := NewAddressSpace(a, p.nx)
	if err != nil {
		return nil, fmt.Errorf("building current hierarchy: %w", err)
	}
	target, err := NewAddressSpace(a, p.nx)
	if err != nil {
		return nil, fmt.Errorf("building target hierarchy: %w", err)
	}
	return &Engine{
		profile: p,
		arena:   a,
		jump:    jump,
		state:   StateDiscovered,
		current: current,
		target:  target,
	}, nil
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return e.state
}

// Frame returns the switch frame assembled so far, for reporting.
func (e *Engine) Frame() arch.SwitchFrame {
	return e.frame
}

// Target returns the hierarchy the loaded image starts under, for
// translation queries.
func (e *Engine) Target() *AddressSpace {
	return e.target
}

func (e *Engine) require(s State) error {
	if e.state != s {
		return fmt.Errorf("%w: in %s, need %s", ErrBadState, e.state, s)
	}
	return nil
}

// MapSegment maps one image range into the target hierarchy.
func (e *Engine) MapSegment(va types.VirtAddr, pa types.PhysAddr, pages uint64, prot arch.Prot) error {
	if err := e.require(StateDiscovered); err != nil {
		return err
	}
	return e.target.Map(va, pa, pages, prot)
}

// MapIdentity maps pa at the equal virtual address in both hierarchies.
// Used for ranges the image must see where the loader left them: the
// boot-info block and any pre-switch working memory.
func (e *Engine) MapIdentity(pa types.PhysAddr, pages uint64, prot arch.Prot) error {
	if err := e.require(StateDiscovered); err != nil {
		return err
	}
	va := types.VirtAddr(pa)
	if err := e.current.Map(va, pa, pages, prot); err != nil {
		return err
	}
	return e.target.Map(va, pa, pages, prot)
}

// MapTrampoline identity-maps the switch code itself, read-execute, into
// both hierarchies. The trampoline runs while the active hierarchy changes
// underneath it, so it must resolve identically before and after.
func (e *Engine) MapTrampoline(pa types.PhysAddr, pages uint64) error {
	if err := e.require(StateDiscovered); err != nil {
		return err
	}
	if pa.Offset(pages*PageSize) > switchLimit {
		return fmt.Errorf("%w: trampoline [%s, %s)", ErrAboveSwitchLimit, pa, pa.Offset(pages*PageSize))
	}
	if err := e.MapIdentity(pa, pages, arch.ProtRead|arch.ProtExec); err != nil {
		return err
	}
	e.frame.Trampoline = pa
	e.frame.TrampolinePages = pages
	return nil
}

// FinishMapping seals both hierarchies and advances to StateMapped. The
// trampoline must have been mapped.
func (e *Engine) FinishMapping() error {
	if err := e.require(StateDiscovered); err != nil {
		return err
	}
	if e.frame.TrampolinePages == 0 {
		return ErrNoTrampoline
	}
	e.state = StateMapped
	return nil
}

// InstallDescriptors builds the descriptor table and advances to
// StateDescriptorsInstalled. This is the last fallible allocation.
func (e *Engine) InstallDescriptors() error {
	if err := e.require(StateMapped); err != nil {
		return err
	}
	d, err := e.profile.BuildDescriptors(e.arena)
	if err != nil {
		return err
	}
	e.frame.Descriptors = d
	e.state = StateDescriptorsInstalled
	return nil
}

// EnterModeSwitch seals the switch frame and advances to StateModeSwitched.
// It verifies, page by page, that the trampoline resolves to the same
// frames with the same protection in the current and target hierarchies,
// and that every structure the switch touches lies below 4 GiB. Nothing is
// allocated here; a failure leaves the engine retryable in
// StateDescriptorsInstalled.
func (e *Engine) EnterModeSwitch(entry types.VirtAddr, bootInfo types.PhysAddr) error {
	if err := e.require(StateDescriptorsInstalled); err != nil {
		return err
	}

	for i := uint64(0); i < e.frame.TrampolinePages; i++ {
		va := types.VirtAddr(e.frame.Trampoline.Offset(i * PageSize))
		curPA, curProt, curOK := e.current.Translate(va)
		tgtPA, tgtProt, tgtOK := e.target.Translate(va)
		if !curOK || !tgtOK {
			return fmt.Errorf("%w: page %s unmapped", ErrTrampolineMismatch, va)
		}
		if curPA != tgtPA || curProt != tgtProt {
			return fmt.Errorf("%w: page %s resolves %s %s vs %s %s",
				ErrTrampolineMismatch, va, curPA, curProt, tgtPA, tgtProt)
		}
	}

	for _, pa := range []types.PhysAddr{
		e.target.Root(),
		e.frame.Descriptors.Base.Offset(e.frame.Descriptors.Len),
		bootInfo,
	} {
		if pa >= switchLimit {
			return fmt.Errorf("%w: %s", ErrAboveSwitchLimit, pa)
		}
	}

	e.frame.SpaceRoot = e.target.Root()
	e.frame.Entry = entry
	e.frame.BootInfo = bootInfo
	e.state = StateModeSwitched
	return nil
}

// Jump transfers control to the loaded image. Terminal: the engine enters
// StateJumpedToEntry before the transfer and panics if the transfer ever
// returns, since the loader's world no longer exists past this point.
func (e *Engine) Jump() error {
	if err := e.require(StateModeSwitched); err != nil {
		return err
	}
	e.state = StateJumpedToEntry
	e.jump(e.frame)
	panic("control transfer returned")
}
