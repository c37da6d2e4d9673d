// Package memmap implements the normalized physical memory map used by the
// boot pipeline.
//
// A normalized map is an ordered, non-overlapping, coalesced sequence of
// region descriptors sorted by physical base. Raw firmware maps are noisy:
// entries may overlap, abut, or repeat, so every map used by the loader
// passes through Normalize first.
package memmap

import (
	"errors"
	"fmt"

	"github.com/JarlEvanson/tvm/internal/types"
)

// PageSize is the granularity of all regions in the map.
const PageSize = 4096

// Kind classifies a physical memory region.
type Kind uint32

const (
	// KindUsable memory is free for the loader to allocate from.
	KindUsable Kind = iota
	// KindFramebuffer memory backs the display.
	KindFramebuffer
	// KindFirmwareRuntime memory must be preserved for firmware runtime
	// services after handoff.
	KindFirmwareRuntime
	// KindImageOwned memory holds loaded image segments.
	KindImageOwned
	// KindLoaderOwned memory holds loader artifacts the loaded image must
	// preserve (boot-info block, page tables, trampoline).
	KindLoaderOwned
	// KindReserved memory must never be touched.
	KindReserved

	kindCount
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindUsable:
		return "usable"
	case KindFramebuffer:
		return "framebuffer"
	case KindFirmwareRuntime:
		return "firmware-runtime"
	case KindImageOwned:
		return "image-owned"
	case KindLoaderOwned:
		return "loader-owned"
	case KindReserved:
		return "reserved"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Layout errors.
var (
	ErrOutOfRange         = errors.New("region outside the memory map")
	ErrNotUsable          = errors.New("region is not usable memory")
	ErrInsufficientMemory = errors.New("insufficient usable memory")
)

// Region describes a contiguous physical memory range of uniform kind.
type Region struct {
	Base  types.PhysAddr
	Pages uint64
	Kind  Kind
}

// End returns the first address past the region.
func (r Region) End() types.PhysAddr {
	return r.Base.Offset(r.Pages * PageSize)
}

// Bytes returns the region size in bytes.
func (r Region) Bytes() uint64 {
	return r.Pages * PageSize
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[%s, %s) %s", r.Base, r.End(), r.Kind)
}

// Map is a normalized memory map. The zero value is an empty map; use
// Normalize to build one from raw firmware entries.
type Map struct {
	regions []Region
}

// Normalize sorts, de-overlaps, and coalesces raw region descriptors.
// Where raw entries overlap, the more restrictive kind wins (usable loses
// to everything; reserved beats all). Region bounds snap outward to page
// granularity for non-usable kinds and inward for usable ones, so rounding
// never promotes bytes to usable. Normalizing an already-normalized map
// yields the identical map.
func Normalize(raw []Region) Map {
	// Boundary sweep: track how many regions of each kind cover each point
	// between consecutive boundaries and emit the most restrictive kind.
	bounds := make([]boundary, 0, len(raw)*2)
	for _, r := range raw {
		if r.Pages == 0 {
			continue
		}
		start, end := r.Base, r.End()
		if r.Kind == KindUsable {
			start = start.AlignUp(PageSize)
			end = end.Align(PageSize)
		} else {
			start = start.Align(PageSize)
			end = end.AlignUp(PageSize)
		}
		if start >= end {
			continue
		}
		bounds = append(bounds, boundary{start, r.Kind, +1}, boundary{end, r.Kind, -1})
	}

	sortBoundaries(bounds)

	var out []Region
	var active [kindCount]int
	var prev types.PhysAddr

	flush := func(upto types.PhysAddr) {
		if upto <= prev {
			return
		}
		kind, covered := strictestActive(&active)
		if covered {
			pages := uint64(upto-prev) / PageSize
			if n := len(out); n > 0 && out[n-1].Kind == kind && out[n-1].End() == prev {
				out[n-1].Pages += pages
			} else {
				out = append(out, Region{Base: prev, Pages: pages, Kind: kind})
			}
		}
		prev = upto
	}

	for i := 0; i < len(bounds); {
		addr := bounds[i].addr
		flush(addr)
		for i < len(bounds) && bounds[i].addr == addr {
			active[bounds[i].kind] += bounds[i].delta
			i++
		}
	}

	return Map{regions: out}
}

// strictestActive returns the most restrictive kind with coverage.
func strictestActive(active *[kindCount]int) (Kind, bool) {
	for k := int(kindCount) - 1; k >= 0; k-- {
		if active[k] > 0 {
			return Kind(k), true
		}
	}
	return 0, false
}

// boundary is one edge of a raw region during the normalization sweep.
type boundary struct {
	addr  types.PhysAddr
	kind  Kind
	delta int
}

// sortBoundaries sorts by address, removals before additions at equal
// addresses so zero-width coverage never survives. Insertion sort keeps
// this allocation-free; maps are small.
func sortBoundaries(b []boundary) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && boundaryLess(b[j], b[j-1]); j-- {
			b[j], b[j-1] = b[j-1], b[j]
		}
	}
}

func boundaryLess(a, b boundary) bool {
	if a.addr != b.addr {
		return a.addr < b.addr
	}
	return a.delta < b.delta
}

// Regions returns the ordered region sequence. The slice is owned by the
// map; callers must not modify it.
func (m *Map) Regions() []Region {
	return m.regions
}

// Clone returns an independent copy of the map.
func (m *Map) Clone() Map {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return Map{regions: out}
}

// UsableBytes returns the total bytes of usable memory.
func (m *Map) UsableBytes() uint64 {
	var total uint64
	for _, r := range m.regions {
		if r.Kind == KindUsable {
			total += r.Bytes()
		}
	}
	return total
}

// TotalBytes returns the total bytes covered by the map, of any kind.
func (m *Map) TotalBytes() uint64 {
	var total uint64
	for _, r := range m.regions {
		total += r.Bytes()
	}
	return total
}

// Carve reclassifies [base, base+pages*PageSize) from usable to the given
// kind, splitting the containing usable region. A carve adds at most two
// regions (the usable prefix and suffix of the split).
func (m *Map) Carve(base types.PhysAddr, pages uint64, kind Kind) error {
	if !base.IsAligned(PageSize) {
		return fmt.Errorf("%w: base %s not page aligned", ErrOutOfRange, base)
	}
	end := base.Offset(pages * PageSize)

	for i, r := range m.regions {
		if base < r.Base || end > r.End() {
			continue
		}
		if r.Kind != KindUsable {
			return fmt.Errorf("%w: %s", ErrNotUsable, r)
		}

		replacement := make([]Region, 0, 3)
		if base > r.Base {
			replacement = append(replacement, Region{
				Base:  r.Base,
				Pages: uint64(base-r.Base) / PageSize,
				Kind:  KindUsable,
			})
		}
		replacement = append(replacement, Region{Base: base, Pages: pages, Kind: kind})
		if end < r.End() {
			replacement = append(replacement, Region{
				Base:  end,
				Pages: uint64(r.End()-end) / PageSize,
				Kind:  KindUsable,
			})
		}

		m.regions = append(m.regions[:i], append(replacement, m.regions[i+1:]...)...)
		return nil
	}

	return fmt.Errorf("%w: [%s, %s)", ErrOutOfRange, base, end)
}

// AllocateBelow carves the first usable run of the requested size, aligned
// to align, that lies entirely below limit. It returns the carved base.
func (m *Map) AllocateBelow(pages, align uint64, limit types.PhysAddr, kind Kind) (types.PhysAddr, error) {
	if align < PageSize {
		align = PageSize
	}
	size := pages * PageSize

	for _, r := range m.regions {
		if r.Kind != KindUsable {
			continue
		}
		base := r.Base.AlignUp(align)
		if base < r.Base || base.Offset(size) > r.End() {
			continue
		}
		if base.Offset(size) > limit {
			continue
		}
		if err := m.Carve(base, pages, kind); err != nil {
			return 0, err
		}
		return base, nil
	}

	return 0, fmt.Errorf("%w: %d pages below %s", ErrInsufficientMemory, pages, limit)
}

// FindKind returns the regions of the given kind, in address order.
func (m *Map) FindKind(kind Kind) []Region {
	var out []Region
	for _, r := range m.regions {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}
