// Package loader sequences a boot: normalize the platform memory map,
// parse and place the image, assemble the boot-information block, build the
// transition structures, and hand control to the loaded image.
//
// Everything up to the platform handoff is pure bookkeeping and fully
// reversible; the first irreversible step is FinalizeHandoff, and the
// loader keeps every fallible operation before it.
package loader

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/arch"
	"github.com/JarlEvanson/tvm/pkg/bootinfo"
	"github.com/JarlEvanson/tvm/pkg/elf"
	"github.com/JarlEvanson/tvm/pkg/memmap"
	"github.com/JarlEvanson/tvm/pkg/platform"
	"github.com/JarlEvanson/tvm/pkg/spin"
)

// Loader errors.
var (
	ErrAlreadyBooted = errors.New("boot already in progress or completed")
	ErrNoJumpHook    = errors.New("no control transfer hook configured")
	ErrInvalidToken  = errors.New("platform returned an invalid handoff token")
)

// Defaults for Options zero values.
const (
	defaultAddressLimit = uint64(1) << 32
	defaultArenaPages   = 64
	trampolinePages     = 1
)

// Options configures one boot attempt.
type Options struct {
	// ImageSelector names the image payload on the platform.
	ImageSelector string

	// CommandLine is passed to the image verbatim; empty omits the entry.
	CommandLine string

	// Modules are selectors of auxiliary payloads staged for the image.
	Modules []string

	// ArchExtension is an opaque architecture-specific payload; nil omits
	// the entry.
	ArchExtension []byte

	// AddressLimit bounds all physical placement. Zero means 4 GiB.
	AddressLimit uint64

	// ArenaPages sizes the page-table and descriptor arena. Zero means 64.
	ArenaPages uint64

	// DryRun stops before FinalizeHandoff and returns the full report.
	DryRun bool

	// Jump performs the control transfer. Required unless DryRun.
	Jump arch.JumpFn

	// Log receives stage-by-stage progress. Nil discards.
	Log *log.Logger
}

// Placement records where one image segment landed.
type Placement struct {
	Index  int
	Link   types.VirtAddr
	Virt   types.VirtAddr
	Phys   types.PhysAddr
	Pages  uint64
	Prot   arch.Prot
	Digest types.Hash
}

// Report describes a prepared boot. In dry-run mode it is the result; in a
// real boot it exists only for the failure path, since success never
// returns.
type Report struct {
	Map        memmap.Map
	Placements []Placement
	Slide      uint64
	Entry      types.VirtAddr

	Block     []byte
	BlockBase types.PhysAddr

	// Staged holds each segment's page-granular bytes (file bytes plus
	// zero fill), ready to land at its physical placement.
	Staged [][]byte

	ArenaBase  types.PhysAddr
	ArenaPages uint64
	Trampoline types.PhysAddr

	Frame arch.SwitchFrame
}

// Loader runs at most one boot. A second Load on the same Loader fails
// with ErrAlreadyBooted, whether the first attempt is still running or
// already past the handoff.
type Loader struct {
	adapter platform.Adapter
	profile arch.Profile

	gate   spin.Lock
	booted bool
}

// New returns a loader bound to a platform and an architecture backend.
func New(adapter platform.Adapter, profile arch.Profile) *Loader {
	return &Loader{adapter: adapter, profile: profile}
}

// Load runs the boot sequence. On success with DryRun it returns the
// report; on success without DryRun it does not return at all. Failures
// before the platform handoff leave the platform untouched and the loader
// retryable.
func (l *Loader) Load(opts Options) (*Report, error) {
	guard, ok := l.gate.TryAcquire()
	if !ok {
		return nil, ErrAlreadyBooted
	}
	defer guard.Release()
	if l.booted {
		return nil, ErrAlreadyBooted
	}

	logger := opts.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.AddressLimit == 0 {
		opts.AddressLimit = defaultAddressLimit
	}
	if opts.ArenaPages == 0 {
		opts.ArenaPages = defaultArenaPages
	}
	if !opts.DryRun && opts.Jump == nil {
		return nil, ErrNoJumpHook
	}

	report, engine, err := l.prepare(opts, logger)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		report.Frame = engine.Frame()
		return report, nil
	}

	// Point of no return. The platform is torn down and the loader state
	// is marked so no retry can observe half-dead firmware.
	l.booted = true
	token, err := l.adapter.FinalizeHandoff()
	if err != nil {
		return nil, fmt.Errorf("finalizing platform handoff: %w", err)
	}
	if !token.Valid() {
		return nil, ErrInvalidToken
	}
	logger.Printf("handoff finalized, token %s", token.ID().Short())

	if err := engine.EnterModeSwitch(report.Entry, report.BlockBase); err != nil {
		return nil, fmt.Errorf("entering mode switch: %w", err)
	}
	logger.Printf("switching: entry %s, boot info %s", report.Entry, report.BlockBase)
	return nil, engine.Jump()
}

// prepare runs every fallible stage before the handoff.
func (l *Loader) prepare(opts Options, logger *log.Logger) (*Report, arch.Engine, error) {
	pageSize := l.profile.PageSize()

	m := memmap.Normalize(l.adapter.MemoryMap())
	logger.Printf("memory map: %d regions, %d bytes usable", len(m.Regions()), m.UsableBytes())

	payload, err := l.adapter.LoadImage(opts.ImageSelector)
	if err != nil {
		return nil, nil, fmt.Errorf("loading image %q: %w", opts.ImageSelector, err)
	}

	img, err := elf.Parse(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing image %q: %w", opts.ImageSelector, err)
	}
	if err := img.RequireMachine(l.profile.Machine()); err != nil {
		return nil, nil, err
	}

	slide, err := img.SlideFor(opts.AddressLimit, pageSize)
	if err != nil {
		return nil, nil, err
	}
	entry := img.Entry.Offset(slide)
	logger.Printf("image %q: %s, %d segments, slide %#x, entry %s",
		opts.ImageSelector, l.profile.Name(), len(img.Segments), slide, entry)

	report := &Report{Slide: slide, Entry: entry}

	// Place segments. File bytes are copied into staging before the image
	// payload can be discarded; the digest pins what was staged.
	staged := make([][]byte, len(img.Segments))
	for i, seg := range img.Segments {
		va := seg.Addr.Offset(slide)
		vaPage := va.Align(pageSize)
		lead := uint64(va - vaPage)
		pages := (lead + seg.MemSize + pageSize - 1) / pageSize

		base, err := m.AllocateBelow(pages, pageSize, types.PhysAddr(opts.AddressLimit), memmap.KindImageOwned)
		if err != nil {
			return nil, nil, fmt.Errorf("placing segment %d: %w", i, err)
		}

		buf := make([]byte, pages*pageSize)
		copy(buf[lead:], img.SegmentBytes(i))
		staged[i] = buf

		report.Placements = append(report.Placements, Placement{
			Index:  i,
			Link:   seg.Addr,
			Virt:   vaPage,
			Phys:   base,
			Pages:  pages,
			Prot:   segmentProt(seg.Flags),
			Digest: types.HashBytes(buf),
		})
		logger.Printf("segment %d: %s -> %s, %d pages, %s, digest %s",
			i, vaPage, base, pages, segmentProt(seg.Flags), report.Placements[i].Digest.Short())
	}

	var builder bootinfo.Builder

	if fb, ok := l.adapter.GraphicsMode(); ok {
		if err := builder.AddFramebuffer(fb); err != nil {
			return nil, nil, err
		}
	}
	if opts.CommandLine != "" {
		if err := builder.AddCommandLine(opts.CommandLine); err != nil {
			return nil, nil, err
		}
	}
	if opts.ArchExtension != nil {
		if err := builder.AddArchExtension(opts.ArchExtension); err != nil {
			return nil, nil, err
		}
	}
	for _, selector := range opts.Modules {
		modPayload, err := l.adapter.LoadImage(selector)
		if err != nil {
			return nil, nil, fmt.Errorf("loading module %q: %w", selector, err)
		}
		pages := (uint64(len(modPayload)) + pageSize - 1) / pageSize
		base, err := m.AllocateBelow(pages, pageSize, types.PhysAddr(opts.AddressLimit), memmap.KindLoaderOwned)
		if err != nil {
			return nil, nil, fmt.Errorf("placing module %q: %w", selector, err)
		}
		if err := builder.AddModule(bootinfo.Module{Name: selector, Base: base, Pages: pages}); err != nil {
			return nil, nil, err
		}
		logger.Printf("module %q: %s, %d pages", selector, base, pages)
	}

	// Transition structures come out of the map before the map is
	// published, so the image sees them as loader-owned.
	arenaBase, err := m.AllocateBelow(opts.ArenaPages, pageSize, types.PhysAddr(opts.AddressLimit), memmap.KindLoaderOwned)
	if err != nil {
		return nil, nil, fmt.Errorf("placing arena: %w", err)
	}
	trampoline, err := m.AllocateBelow(trampolinePages, pageSize, types.PhysAddr(opts.AddressLimit), memmap.KindLoaderOwned)
	if err != nil {
		return nil, nil, fmt.Errorf("placing trampoline: %w", err)
	}

	// The map is complete now; the builder reserves its own block last.
	blockBase, err := builder.AddMemoryMap(&m)
	if err != nil {
		return nil, nil, err
	}
	block := make([]byte, builder.Size())
	if _, err := builder.Finalize(block); err != nil {
		return nil, nil, err
	}
	logger.Printf("boot info: %d entries, %d bytes at %s", builder.EntryCount(), len(block), blockBase)

	report.Map = m.Clone()
	report.Block = block
	report.BlockBase = blockBase
	report.Staged = staged
	report.ArenaBase = arenaBase
	report.ArenaPages = opts.ArenaPages
	report.Trampoline = trampoline

	arena, err := arch.NewArena(make([]byte, opts.ArenaPages*pageSize), arenaBase, pageSize)
	if err != nil {
		return nil, nil, err
	}
	jump := opts.Jump
	if jump == nil {
		jump = func(arch.SwitchFrame) { panic("dry-run engine jumped") }
	}
	engine, err := l.profile.NewEngine(arena, jump)
	if err != nil {
		return nil, nil, err
	}

	for _, p := range report.Placements {
		if err := engine.MapSegment(p.Virt, p.Phys, p.Pages, p.Prot); err != nil {
			return nil, nil, fmt.Errorf("mapping segment %d: %w", p.Index, err)
		}
	}
	blockPages := (uint64(len(block)) + pageSize - 1) / pageSize
	if err := engine.MapIdentity(blockBase, blockPages, arch.ProtRead); err != nil {
		return nil, nil, fmt.Errorf("mapping boot info: %w", err)
	}
	if err := engine.MapTrampoline(trampoline, trampolinePages); err != nil {
		return nil, nil, fmt.Errorf("mapping trampoline: %w", err)
	}
	if err := engine.FinishMapping(); err != nil {
		return nil, nil, err
	}
	if err := engine.InstallDescriptors(); err != nil {
		return nil, nil, err
	}

	// On hardware the staged bytes are copied to their physical
	// placements here, before the image payload buffer is discarded.
	return report, engine, nil
}

// segmentProt translates image segment flags to page protection.
func segmentProt(f elf.SegmentFlags) arch.Prot {
	var p arch.Prot
	if f.Readable {
		p |= arch.ProtRead
	}
	if f.Writable {
		p |= arch.ProtWrite
	}
	if f.Executable {
		p |= arch.ProtExec
	}
	return p
}
