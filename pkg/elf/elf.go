// Package elf implements the ELF64 image parser for the boot pipeline.
//
// The parser validates the structure of an executable image and exposes its
// segments without copying payloads: segment descriptors reference the
// original byte region. Image bytes may live in firmware-supplied memory
// that is reclaimed after handoff preparation, so the caller must finish
// copying each segment to its final location before invalidating the
// backing buffer.
package elf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/JarlEvanson/tvm/internal/types"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// ELF identification.
const (
	elfClass64   = 2 // 64-bit
	elfDataLSB   = 1 // Little endian
	elfVersion   = 1
	headerSize   = 64
	phEntrySize  = 56
	shEntrySize  = 64
	maxSegments  = 64
	maxSections  = 256
)

// ELF file types.
const (
	// TypeExec is a statically-addressed executable image.
	TypeExec = 2
	// TypeDyn is a position-independent image placed with a slide.
	TypeDyn = 3
)

// Machine types accepted by the supported architecture profiles.
const (
	// MachineX8664 is the x86-64 machine type.
	MachineX8664 = 62
	// MachineI386 is the 32-bit x86 machine type.
	MachineI386 = 3
)

// Segment types.
const (
	ptLoad = 1
)

// Segment permission flags.
const (
	pfExec  = 0x1
	pfWrite = 0x2
	pfRead  = 0x4
)

// Parse errors. Each validation stage produces a distinct kind; all are
// fatal to the load attempt and none is fatal to the loader itself.
var (
	ErrMalformedHeader         = errors.New("malformed ELF header")
	ErrUnsupportedClass        = errors.New("unsupported ELF class or endianness")
	ErrUnsupportedMachine      = errors.New("unsupported machine type")
	ErrUnsupportedType         = errors.New("unsupported ELF type")
	ErrTruncatedProgramHeaders = errors.New("truncated program header table")
	ErrOverlappingSegments     = errors.New("overlapping segments")
	ErrMisalignedSegment       = errors.New("misaligned segment")
	ErrEntryPointOutOfRange    = errors.New("entry point outside executable segment")
	ErrImageTooLarge           = errors.New("image too large when loaded")
)

// SegmentFlags describes the permissions of a loaded segment. They propagate
// directly to page-level protection bits.
type SegmentFlags struct {
	Readable   bool
	Writable   bool
	Executable bool
}

// Segment describes one loadable region of the image's virtual address
// space, sourced from file bytes plus zero-fill.
type Segment struct {
	FileOffset uint64
	FileSize   uint64
	Addr       types.VirtAddr
	MemSize    uint64
	Flags      SegmentFlags
	Align      uint64
}

// Section describes one section of the image. Sections are exposed for
// introspection only; loading decisions use segments exclusively.
type Section struct {
	Name   string
	Type   uint32
	Flags  uint64
	Addr   types.VirtAddr
	Offset uint64
	Size   uint64
}

// Image is the parsed, read-only view of an executable image. It borrows
// the byte region given to Parse.
type Image struct {
	Machine  uint16
	Type     uint16
	Entry    types.VirtAddr
	Segments []Segment
	Sections []Section

	data []byte
}

// Parse validates the byte region and returns the parsed view. Validation
// stages run in a fixed order and each failure carries its own sentinel.
func Parse(data []byte) (*Image, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is below the minimum header size", ErrMalformedHeader, len(data))
	}
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedHeader)
	}
	if data[4] != elfClass64 || data[5] != elfDataLSB {
		return nil, fmt.Errorf("%w: class %d, encoding %d", ErrUnsupportedClass, data[4], data[5])
	}
	if data[6] != elfVersion {
		return nil, fmt.Errorf("%w: ident version %d", ErrMalformedHeader, data[6])
	}

	elfType := binary.LittleEndian.Uint16(data[16:18])
	machine := binary.LittleEndian.Uint16(data[18:20])
	version := binary.LittleEndian.Uint32(data[20:24])
	entry := binary.LittleEndian.Uint64(data[24:32])
	phOff := binary.LittleEndian.Uint64(data[32:40])
	ehSize := binary.LittleEndian.Uint16(data[52:54])
	phEntSize := binary.LittleEndian.Uint16(data[54:56])
	phNum := binary.LittleEndian.Uint16(data[56:58])

	if version != elfVersion || ehSize < headerSize {
		return nil, fmt.Errorf("%w: version %d, header size %d", ErrMalformedHeader, version, ehSize)
	}
	if elfType != TypeExec && elfType != TypeDyn {
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedType, elfType)
	}

	if phNum == 0 || phNum > maxSegments {
		return nil, fmt.Errorf("%w: %d program headers", ErrTruncatedProgramHeaders, phNum)
	}
	if phEntSize < phEntrySize {
		return nil, fmt.Errorf("%w: entry size %d", ErrTruncatedProgramHeaders, phEntSize)
	}
	phSpan := uint64(phEntSize) * uint64(phNum)
	if phOff > uint64(len(data)) || phSpan > uint64(len(data))-phOff {
		return nil, fmt.Errorf("%w: table at %#x extends past %d bytes", ErrTruncatedProgramHeaders, phOff, len(data))
	}

	img := &Image{
		Machine: machine,
		Type:    elfType,
		Entry:   types.VirtAddr(entry),
		data:    data,
	}

	for i := uint16(0); i < phNum; i++ {
		off := phOff + uint64(i)*uint64(phEntSize)
		segType := binary.LittleEndian.Uint32(data[off : off+4])
		if segType != ptLoad {
			continue
		}

		seg := Segment{
			FileOffset: binary.LittleEndian.Uint64(data[off+8 : off+16]),
			Addr:       types.VirtAddr(binary.LittleEndian.Uint64(data[off+16 : off+24])),
			FileSize:   binary.LittleEndian.Uint64(data[off+32 : off+40]),
			MemSize:    binary.LittleEndian.Uint64(data[off+40 : off+48]),
			Align:      binary.LittleEndian.Uint64(data[off+48 : off+56]),
		}
		pf := binary.LittleEndian.Uint32(data[off+4 : off+8])
		seg.Flags = SegmentFlags{
			Readable:   pf&pfRead != 0,
			Writable:   pf&pfWrite != 0,
			Executable: pf&pfExec != 0,
		}

		if err := validateSegment(i, seg, uint64(len(data))); err != nil {
			return nil, err
		}
		img.Segments = append(img.Segments, seg)
	}

	sort.Slice(img.Segments, func(a, b int) bool {
		return img.Segments[a].Addr < img.Segments[b].Addr
	})
	for i := 1; i < len(img.Segments); i++ {
		prev, cur := img.Segments[i-1], img.Segments[i]
		if uint64(cur.Addr) < uint64(prev.Addr)+prev.MemSize {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingSegments, prev.Addr, cur.Addr)
		}
	}

	if !entryInExecutableSegment(img.Segments, img.Entry) {
		return nil, fmt.Errorf("%w: entry %s", ErrEntryPointOutOfRange, img.Entry)
	}

	img.Sections = parseSections(data)

	return img, nil
}

// validateSegment checks a single loadable segment against the layout
// invariants.
func validateSegment(index uint16, seg Segment, fileLen uint64) error {
	if seg.MemSize < seg.FileSize {
		return fmt.Errorf("%w: segment %d memory size %d below file size %d",
			ErrTruncatedProgramHeaders, index, seg.MemSize, seg.FileSize)
	}
	if seg.FileOffset > fileLen || seg.FileSize > fileLen-seg.FileOffset {
		return fmt.Errorf("%w: segment %d file range out of bounds", ErrTruncatedProgramHeaders, index)
	}
	if seg.Align > 1 {
		if seg.Align&(seg.Align-1) != 0 {
			return fmt.Errorf("%w: segment %d alignment %d not a power of two",
				ErrMisalignedSegment, index, seg.Align)
		}
		if !seg.Addr.IsAligned(seg.Align) {
			return fmt.Errorf("%w: segment %d address %s, alignment %#x",
				ErrMisalignedSegment, index, seg.Addr, seg.Align)
		}
	}
	return nil
}

// entryInExecutableSegment reports whether entry falls inside some
// executable segment's virtual range.
func entryInExecutableSegment(segments []Segment, entry types.VirtAddr) bool {
	for _, seg := range segments {
		if !seg.Flags.Executable {
			continue
		}
		if entry >= seg.Addr && uint64(entry) < uint64(seg.Addr)+seg.MemSize {
			return true
		}
	}
	return false
}

// parseSections extracts section descriptors for introspection. A damaged
// section table yields no sections rather than a parse failure, since
// sections never affect loading decisions.
func parseSections(data []byte) []Section {
	shOff := binary.LittleEndian.Uint64(data[40:48])
	shEntSize := binary.LittleEndian.Uint16(data[58:60])
	shNum := binary.LittleEndian.Uint16(data[60:62])
	shStrNdx := binary.LittleEndian.Uint16(data[62:64])

	if shNum == 0 || shNum > maxSections || shEntSize < shEntrySize {
		return nil
	}
	span := uint64(shEntSize) * uint64(shNum)
	if shOff > uint64(len(data)) || span > uint64(len(data))-shOff {
		return nil
	}

	sections := make([]Section, 0, shNum)
	for i := uint16(0); i < shNum; i++ {
		off := shOff + uint64(i)*uint64(shEntSize)
		sections = append(sections, Section{
			Type:   binary.LittleEndian.Uint32(data[off+4 : off+8]),
			Flags:  binary.LittleEndian.Uint64(data[off+8 : off+16]),
			Addr:   types.VirtAddr(binary.LittleEndian.Uint64(data[off+16 : off+24])),
			Offset: binary.LittleEndian.Uint64(data[off+24 : off+32]),
			Size:   binary.LittleEndian.Uint64(data[off+32 : off+40]),
		})
	}

	// Resolve names from the section name string table.
	if int(shStrNdx) < len(sections) {
		strtab := sections[shStrNdx]
		if strtab.Offset <= uint64(len(data)) && strtab.Size <= uint64(len(data))-strtab.Offset {
			tab := data[strtab.Offset : strtab.Offset+strtab.Size]
			for i := range sections {
				off := shOff + uint64(i)*uint64(shEntSize)
				nameOff := binary.LittleEndian.Uint32(data[off : off+4])
				sections[i].Name = stringAt(tab, nameOff)
			}
		}
	}

	return sections
}

// stringAt reads a NUL-terminated string from a string table.
func stringAt(tab []byte, off uint32) string {
	if off >= uint32(len(tab)) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end == -1 {
		end = len(tab) - int(off)
	}
	return string(tab[off : off+uint32(end)])
}

// RequireMachine checks the image's machine type against the architecture
// profile that will run it.
func (img *Image) RequireMachine(machine uint16) error {
	if img.Machine != machine {
		return fmt.Errorf("%w: image machine %d, profile machine %d",
			ErrUnsupportedMachine, img.Machine, machine)
	}
	return nil
}

// SegmentBytes returns the file-backed payload of segment i. The returned
// slice aliases the bytes given to Parse; the zero-filled tail
// (MemSize - FileSize bytes) is not included.
func (img *Image) SegmentBytes(i int) []byte {
	seg := img.Segments[i]
	return img.data[seg.FileOffset : seg.FileOffset+seg.FileSize]
}

// SlideFor computes the placement slide for the image inside an address
// space extending up to limit. Statically-addressed images load at their
// linked addresses and slide zero; position-independent images are placed
// as high as their span and strictest alignment allow.
func (img *Image) SlideFor(limit uint64, pageSize uint64) (uint64, error) {
	if img.Type == TypeExec {
		return 0, nil
	}

	minAddr := ^uint64(0)
	maxAddr := uint64(0)
	maxAlign := pageSize
	for _, seg := range img.Segments {
		if seg.Align > maxAlign {
			maxAlign = seg.Align
		}
		if uint64(seg.Addr) < minAddr {
			minAddr = uint64(seg.Addr)
		}
		if end := uint64(seg.Addr) + seg.MemSize; end > maxAddr {
			maxAddr = end
		}
	}

	alignedMin := minAddr &^ (pageSize - 1)
	alignedMax := (maxAddr + pageSize - 1) &^ (pageSize - 1)
	if alignedMax < maxAddr || alignedMax >= limit {
		return 0, fmt.Errorf("%w: image span [%#x, %#x) exceeds limit %#x",
			ErrImageTooLarge, alignedMin, alignedMax, limit)
	}

	// The slide shifts linked addresses directly, so the highest slid byte
	// lands at slide + alignedMax; keep that at or below the limit.
	base := (limit - alignedMax) / maxAlign * maxAlign
	return base, nil
}
