// Package bootinfo implements the boot-information block, the single data
// contract handed from the loader to the loaded image.
//
// The block is a fixed-size header followed by variable-length tagged
// entries. Tags are stable, numeric, and additive-only across format
// versions: new tags may be introduced, existing tag semantics never
// change. Every offset inside the block is relative to the block base, and
// the block's physical range is loader-owned memory for the lifetime of the
// loaded image.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/memmap"
	"github.com/zeebo/blake3"
)

// Magic is the header sentinel; the bytes "TVMBOOT1" in memory.
const Magic uint64 = 0x31544f4f424d5654

// Version is the current format version.
const Version uint32 = 1

// HeaderSize is the size of the fixed block header: magic, version, total
// size, entry count, reserved word, and the 32-byte integrity token.
const HeaderSize = 8 + 4 + 4 + 4 + 4 + types.HashSize

// entryAlign is the alignment of each tagged entry's start.
const entryAlign = 8

// Entry tags. Additive-only.
const (
	TagMemoryMap     uint32 = 1
	TagFramebuffer   uint32 = 2
	TagCommandLine   uint32 = 3
	TagModule        uint32 = 4
	TagArchExtension uint32 = 5
)

// Builder errors.
var (
	ErrDuplicateEntry               = errors.New("entry tag already added")
	ErrMissingMemoryMap             = errors.New("memory map entry not added")
	ErrInsufficientDestinationSpace = errors.New("destination region smaller than block")
	ErrCorruptBlock                 = errors.New("corrupt boot-information block")
)

// selfReserveLimit bounds where the builder reserves its own block so the
// block stays addressable during the mode switch.
const selfReserveLimit = types.PhysAddr(1) << 32

// Framebuffer describes the platform's linear framebuffer.
type Framebuffer struct {
	Base   types.PhysAddr
	Width  uint32
	Height uint32
	Stride uint32
	Format uint32
}

// Framebuffer pixel formats.
const (
	FormatRGBX8888 uint32 = 1
	FormatBGRX8888 uint32 = 2
)

// Module describes one auxiliary payload staged in physical memory for the
// loaded image.
type Module struct {
	Name  string
	Base  types.PhysAddr
	Pages uint64
}

// entry is one encoded tagged entry.
type entry struct {
	tag     uint32
	payload []byte
}

// Builder accumulates tagged entries and finalizes them into a contiguous
// block. The zero value is an empty builder.
//
// AddMemoryMap must be the last Add call: the builder reserves the block's
// own physical range inside the map it publishes, so entries added after
// the map would grow the block past its reservation.
type Builder struct {
	entries []entry

	haveMap     bool
	haveFB      bool
	haveCmdline bool
	haveArchExt bool

	base types.PhysAddr
}

// AddFramebuffer appends the framebuffer description. At most one.
func (b *Builder) AddFramebuffer(fb Framebuffer) error {
	if b.haveFB {
		return fmt.Errorf("%w: framebuffer", ErrDuplicateEntry)
	}

	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(fb.Base))
	binary.LittleEndian.PutUint32(payload[8:12], fb.Width)
	binary.LittleEndian.PutUint32(payload[12:16], fb.Height)
	binary.LittleEndian.PutUint32(payload[16:20], fb.Stride)
	binary.LittleEndian.PutUint32(payload[20:24], fb.Format)

	b.entries = append(b.entries, entry{tag: TagFramebuffer, payload: payload})
	b.haveFB = true
	return nil
}

// AddCommandLine appends the command-line string. At most one.
func (b *Builder) AddCommandLine(text string) error {
	if b.haveCmdline {
		return fmt.Errorf("%w: command line", ErrDuplicateEntry)
	}

	b.entries = append(b.entries, entry{tag: TagCommandLine, payload: []byte(text)})
	b.haveCmdline = true
	return nil
}

// AddModule appends one module descriptor. Repeatable.
func (b *Builder) AddModule(m Module) error {
	name := []byte(m.Name)
	payload := make([]byte, 20+len(name))
	binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Base))
	binary.LittleEndian.PutUint64(payload[8:16], m.Pages)
	binary.LittleEndian.PutUint32(payload[16:20], uint32(len(name)))
	copy(payload[20:], name)

	b.entries = append(b.entries, entry{tag: TagModule, payload: payload})
	return nil
}

// AddArchExtension appends the architecture-specific extension block. At
// most one; the payload is opaque to this package.
func (b *Builder) AddArchExtension(payload []byte) error {
	if b.haveArchExt {
		return fmt.Errorf("%w: architecture extension", ErrDuplicateEntry)
	}

	p := make([]byte, len(payload))
	copy(p, payload)
	b.entries = append(b.entries, entry{tag: TagArchExtension, payload: p})
	b.haveArchExt = true
	return nil
}

// AddMemoryMap reserves the block's own physical range inside m, then
// appends the resulting map as the memory-map entry, and returns the
// reserved base. The reservation happens before encoding so the published
// map already carries the block as loader-owned memory; nothing is patched
// after the fact.
//
// At most once: a second call fails with ErrDuplicateEntry and leaves both
// the builder and m unchanged. A stale map would be invisible to the
// loaded image, so this must be the final Add call.
func (b *Builder) AddMemoryMap(m *memmap.Map) (types.PhysAddr, error) {
	if b.haveMap {
		return 0, fmt.Errorf("%w: memory map", ErrDuplicateEntry)
	}

	// Worst case: the self-carve splits one usable region in two, growing
	// the map by two regions.
	worst := b.sizeWith(mapPayloadLen(len(m.Regions()) + 2))
	pages := (uint64(worst) + memmap.PageSize - 1) / memmap.PageSize

	base, err := m.AllocateBelow(pages, memmap.PageSize, selfReserveLimit, memmap.KindLoaderOwned)
	if err != nil {
		return 0, fmt.Errorf("reserving boot-info block: %w", err)
	}

	regions := m.Regions()
	payload := make([]byte, mapPayloadLen(len(regions)))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(regions)))
	for i, r := range regions {
		off := 8 + i*24
		binary.LittleEndian.PutUint64(payload[off:off+8], uint64(r.Base))
		binary.LittleEndian.PutUint64(payload[off+8:off+16], r.Pages)
		binary.LittleEndian.PutUint32(payload[off+16:off+20], uint32(r.Kind))
	}

	b.entries = append(b.entries, entry{tag: TagMemoryMap, payload: payload})
	b.haveMap = true
	b.base = base
	return base, nil
}

// mapPayloadLen returns the encoded size of a memory-map entry payload with
// n regions.
func mapPayloadLen(n int) int {
	return 8 + n*24
}

// EntryCount returns the number of entries added so far.
func (b *Builder) EntryCount() int {
	return len(b.entries)
}

// Size returns the exact finalized size of the block with the entries
// added so far.
func (b *Builder) Size() int {
	return b.sizeWith(0)
}

// sizeWith computes the block size with one extra entry payload of the
// given length (0 means no extra entry).
func (b *Builder) sizeWith(extraPayload int) int {
	size := HeaderSize
	for _, e := range b.entries {
		size = alignUp(size+8+len(e.payload), entryAlign)
	}
	if extraPayload > 0 {
		size = alignUp(size+8+extraPayload, entryAlign)
	}
	return size
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Finalize writes the block into dst and returns its size. The memory map
// entry must have been added, since the loaded image cannot bootstrap
// without it. The destination is checked before any write: on
// ErrInsufficientDestinationSpace dst is untouched.
//
// The integrity token is a BLAKE3 digest over the whole block with the
// token field zeroed.
func (b *Builder) Finalize(dst []byte) (int, error) {
	if !b.haveMap {
		return 0, ErrMissingMemoryMap
	}
	size := b.Size()
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInsufficientDestinationSpace, size, len(dst))
	}

	block := dst[:size]
	for i := range block {
		block[i] = 0
	}

	binary.LittleEndian.PutUint64(block[0:8], Magic)
	binary.LittleEndian.PutUint32(block[8:12], Version)
	binary.LittleEndian.PutUint32(block[12:16], uint32(size))
	binary.LittleEndian.PutUint32(block[16:20], uint32(len(b.entries)))

	off := HeaderSize
	for _, e := range b.entries {
		binary.LittleEndian.PutUint32(block[off:off+4], e.tag)
		binary.LittleEndian.PutUint32(block[off+4:off+8], uint32(len(e.payload)))
		copy(block[off+8:], e.payload)
		off = alignUp(off+8+len(e.payload), entryAlign)
	}

	token := blake3.Sum256(block)
	copy(block[24:24+types.HashSize], token[:])

	return size, nil
}

// Base returns the physical base reserved by AddMemoryMap, zero before it.
func (b *Builder) Base() types.PhysAddr {
	return b.base
}

// RawEntry is one decoded tagged entry of a finalized block.
type RawEntry struct {
	Tag     uint32
	Payload []byte
}

// Verify checks a finalized block's magic, version, size, and integrity
// token.
func Verify(block []byte) error {
	if len(block) < HeaderSize {
		return fmt.Errorf("%w: %d bytes below header size", ErrCorruptBlock, len(block))
	}
	if binary.LittleEndian.Uint64(block[0:8]) != Magic {
		return fmt.Errorf("%w: bad magic", ErrCorruptBlock)
	}
	if v := binary.LittleEndian.Uint32(block[8:12]); v != Version {
		return fmt.Errorf("%w: version %d", ErrCorruptBlock, v)
	}
	size := binary.LittleEndian.Uint32(block[12:16])
	if uint64(size) > uint64(len(block)) || size < HeaderSize {
		return fmt.Errorf("%w: declared size %d", ErrCorruptBlock, size)
	}

	var stored types.Hash
	copy(stored[:], block[24:24+types.HashSize])

	h := blake3.New()
	h.Write(block[:24])
	h.Write(make([]byte, types.HashSize))
	h.Write(block[HeaderSize:size])
	var computed types.Hash
	copy(computed[:], h.Sum(nil))

	if stored != computed {
		return fmt.Errorf("%w: integrity token mismatch", ErrCorruptBlock)
	}
	return nil
}

// Entries decodes the tagged entries of a verified block.
func Entries(block []byte) ([]RawEntry, error) {
	if err := Verify(block); err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(block[12:16]))
	count := int(binary.LittleEndian.Uint32(block[16:20]))

	out := make([]RawEntry, 0, count)
	off := HeaderSize
	for i := 0; i < count; i++ {
		if off+8 > size {
			return nil, fmt.Errorf("%w: entry %d past block end", ErrCorruptBlock, i)
		}
		tag := binary.LittleEndian.Uint32(block[off : off+4])
		length := int(binary.LittleEndian.Uint32(block[off+4 : off+8]))
		if off+8+length > size {
			return nil, fmt.Errorf("%w: entry %d payload past block end", ErrCorruptBlock, i)
		}
		out = append(out, RawEntry{Tag: tag, Payload: block[off+8 : off+8+length]})
		off = alignUp(off+8+length, entryAlign)
	}

	return out, nil
}

// Token returns the integrity token of a finalized block for diagnostics.
func Token(block []byte) (types.Hash, error) {
	var h types.Hash
	if len(block) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes below header size", ErrCorruptBlock, len(block))
	}
	copy(h[:], block[24:24+types.HashSize])
	return h, nil
}
