// Package x8664 implements the x86-64 architecture backend: 4-level page
// tables, the global descriptor table, and the mode-switch transition
// engine. Tables and descriptors are built as pure data inside an
// arch.Arena, so the whole backend is exercisable on a host.
package x8664

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/arch"
)

// PageSize is the base page size; all mappings use 4 KiB leaf pages.
const PageSize = 4096

const (
	entryPresent = uint64(1) << 0
	entryWrite   = uint64(1) << 1
	entryNX      = uint64(1) << 63

	entryAddrMask = ((uint64(1) << 40) - 1) << 12

	entriesPerTable = 512
	pagingLevels    = 4
)

// ErrNonCanonicalAddress reports a virtual address whose upper bits are not
// a sign extension of bit 47.
var ErrNonCanonicalAddress = errors.New("non-canonical virtual address")

// AddressSpace is a 4-level page-table hierarchy under construction inside
// an arena. The zero value is not usable; call NewAddressSpace.
type AddressSpace struct {
	arena *arch.Arena
	root  types.PhysAddr
	nx    bool
}

// NewAddressSpace allocates an empty hierarchy. nx controls whether
// non-executable mappings set the NX bit; it must match the execute-disable
// support of the machine the tables will run on.
func NewAddressSpace(a *arch.Arena, nx bool) (*AddressSpace, error) {
	root, err := a.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &AddressSpace{arena: a, root: root, nx: nx}, nil
}

// Root returns the physical address of the top-level table, the value
// loaded into CR3 at the switch.
func (s *AddressSpace) Root() types.PhysAddr {
	return s.root
}

func canonical(va types.VirtAddr) bool {
	upper := uint64(va) >> 47
	return upper == 0 || upper == (uint64(1)<<17)-1
}

// tableIndex returns the entry index for va at the given level (4 is the
// root, 1 holds leaf entries).
func tableIndex(va types.VirtAddr, level int) int {
	return int(uint64(va) >> (12 + 9*(level-1)) & (entriesPerTable - 1))
}

func (s *AddressSpace) readEntry(table types.PhysAddr, index int) uint64 {
	b, ok := s.arena.Bytes(table.Offset(uint64(index)*8), 8)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (s *AddressSpace) writeEntry(table types.PhysAddr, index int, entry uint64) {
	b, ok := s.arena.Bytes(table.Offset(uint64(index)*8), 8)
	if !ok {
		panic("page table frame outside arena")
	}
	binary.LittleEndian.PutUint64(b, entry)
}

// walkTo returns the table holding va's level-1 entry, allocating
// intermediate tables when create is set. Intermediate entries are
// present+writable; the leaf governs the effective protection.
func (s *AddressSpace) walkTo(va types.VirtAddr, create bool) (types.PhysAddr, error) {
	table := s.root
	for level := pagingLevels; level > 1; level-- {
		index := tableIndex(va, level)
		entry := s.readEntry(table, index)
		if entry&entryPresent == 0 {
			if !create {
				return 0, nil
			}
			next, err := s.arena.AllocFrame()
			if err != nil {
				return 0, fmt.Errorf("allocating level %d table: %w", level-1, err)
			}
			s.writeEntry(table, index, uint64(next)&entryAddrMask|entryPresent|entryWrite)
			table = next
			continue
		}
		table = types.PhysAddr(entry & entryAddrMask)
	}
	return table, nil
}

// Map establishes va -> pa for pages leaf pages. The whole range is checked
// against existing mappings before any entry is written, so an overlapping
// request leaves the hierarchy unchanged.
func (s *AddressSpace) Map(va types.VirtAddr, pa types.PhysAddr, pages uint64, prot arch.Prot) error {
	if !va.IsAligned(PageSize) || !pa.IsAligned(PageSize) {
		return fmt.Errorf("%w: %s -> %s", arch.ErrUnalignedMapping, va, pa)
	}
	if !canonical(va) || !canonical(va.Offset(pages*PageSize-1)) {
		return fmt.Errorf("%w: %s", ErrNonCanonicalAddress, va)
	}

	for i := uint64(0); i < pages; i++ {
		if _, _, mapped := s.Translate(va.Offset(i * PageSize)); mapped {
			return fmt.Errorf("%w: %s", arch.ErrOverlappingMapping, va.Offset(i*PageSize))
		}
	}

	for i := uint64(0); i < pages; i++ {
		pageVA := va.Offset(i * PageSize)
		table, err := s.walkTo(pageVA, true)
		if err != nil {
			return err
		}

		entry := uint64(pa.Offset(i*PageSize))&entryAddrMask | entryPresent
		if prot&arch.ProtWrite != 0 {
			entry |= entryWrite
		}
		if s.nx && prot&arch.ProtExec == 0 {
			entry |= entryNX
		}
		s.writeEntry(table, tableIndex(pageVA, 1), entry)
	}
	return nil
}

// Translate walks the hierarchy for va.
func (s *AddressSpace) Translate(va types.VirtAddr) (types.PhysAddr, arch.Prot, bool) {
	if !canonical(va) {
		return 0, 0, false
	}
	table, err := s.walkTo(va, false)
	if err != nil || table == 0 {
		return 0, 0, false
	}

	entry := s.readEntry(table, tableIndex(va, 1))
	if entry&entryPresent == 0 {
		return 0, 0, false
	}

	prot := arch.ProtRead
	if entry&entryWrite != 0 {
		prot |= arch.ProtWrite
	}
	if entry&entryNX == 0 {
		prot |= arch.ProtExec
	}

	pa := types.PhysAddr(entry & entryAddrMask).Offset(uint64(va) & (PageSize - 1))
	return pa, prot, true
}
