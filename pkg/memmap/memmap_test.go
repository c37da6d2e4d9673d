package memmap

import (
	"errors"
	"reflect"
	"testing"

	"github.com/JarlEvanson/tvm/internal/types"
)

const mib = 1024 * 1024

// TestNormalizeSortsAndMerges tests that raw entries are sorted by base and
// adjacent same-kind entries merge.
func TestNormalizeSortsAndMerges(t *testing.T) {
	raw := []Region{
		{Base: 0x5000, Pages: 3, Kind: KindUsable},
		{Base: 0x1000, Pages: 2, Kind: KindUsable},
		{Base: 0x3000, Pages: 2, Kind: KindUsable},
		{Base: 0x9000, Pages: 1, Kind: KindReserved},
	}

	m := Normalize(raw)
	want := []Region{
		{Base: 0x1000, Pages: 7, Kind: KindUsable},
		{Base: 0x9000, Pages: 1, Kind: KindReserved},
	}
	if !reflect.DeepEqual(m.Regions(), want) {
		t.Errorf("Regions() = %v, want %v", m.Regions(), want)
	}
}

// TestNormalizeOverlapPrecedence tests that the more restrictive kind wins
// where raw entries overlap.
func TestNormalizeOverlapPrecedence(t *testing.T) {
	raw := []Region{
		{Base: 0x0, Pages: 16, Kind: KindUsable},
		{Base: 0x4000, Pages: 2, Kind: KindReserved},
		{Base: 0x8000, Pages: 2, Kind: KindFirmwareRuntime},
	}

	m := Normalize(raw)
	want := []Region{
		{Base: 0x0, Pages: 4, Kind: KindUsable},
		{Base: 0x4000, Pages: 2, Kind: KindReserved},
		{Base: 0x6000, Pages: 2, Kind: KindUsable},
		{Base: 0x8000, Pages: 2, Kind: KindFirmwareRuntime},
		{Base: 0xa000, Pages: 6, Kind: KindUsable},
	}
	if !reflect.DeepEqual(m.Regions(), want) {
		t.Errorf("Regions() = %v, want %v", m.Regions(), want)
	}
}

// TestNormalizeIdempotent tests that normalizing an already-normalized map
// yields the identical map.
func TestNormalizeIdempotent(t *testing.T) {
	raw := []Region{
		{Base: 0x100000, Pages: 256, Kind: KindUsable},
		{Base: 0x1000, Pages: 2, Kind: KindReserved},
		{Base: 0x200000, Pages: 4, Kind: KindFramebuffer},
		{Base: 0x140000, Pages: 8, Kind: KindFirmwareRuntime},
	}

	once := Normalize(raw)
	twice := Normalize(once.Regions())
	if !reflect.DeepEqual(once.Regions(), twice.Regions()) {
		t.Errorf("normalize not idempotent:\n once: %v\ntwice: %v", once.Regions(), twice.Regions())
	}
}

// TestCarve tests the split behavior and the byte-conservation property:
// carving never changes the union of covered bytes and adds at most two
// regions.
func TestCarve(t *testing.T) {
	tests := []struct {
		name      string
		base      types.PhysAddr
		pages     uint64
		wantCount int
	}{
		{"interior split", 0x104000, 4, 3},
		{"prefix at region start", 0x100000, 4, 2},
		{"suffix at region end", 0x1fc000, 4, 2},
		{"whole region", 0x100000, 256, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Normalize([]Region{{Base: 0x100000, Pages: 256, Kind: KindUsable}})
			before := m.TotalBytes()
			beforeCount := len(m.Regions())

			if err := m.Carve(tt.base, tt.pages, KindImageOwned); err != nil {
				t.Fatalf("Carve failed: %v", err)
			}

			if got := m.TotalBytes(); got != before {
				t.Errorf("total bytes changed: %d -> %d", before, got)
			}
			if got := len(m.Regions()); got != tt.wantCount {
				t.Errorf("region count = %d, want %d", got, tt.wantCount)
			}
			if got := len(m.Regions()) - beforeCount; got > 2 {
				t.Errorf("carve added %d regions, want at most 2", got)
			}

			carved := m.FindKind(KindImageOwned)
			if len(carved) != 1 || carved[0].Base != tt.base || carved[0].Pages != tt.pages {
				t.Errorf("carved region = %v", carved)
			}
		})
	}
}

// TestCarveErrors tests carve failure kinds.
func TestCarveErrors(t *testing.T) {
	m := Normalize([]Region{
		{Base: 0x100000, Pages: 16, Kind: KindUsable},
		{Base: 0x200000, Pages: 16, Kind: KindReserved},
	})

	if err := m.Carve(0x300000, 1, KindImageOwned); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("carve outside map = %v, want %v", err, ErrOutOfRange)
	}
	if err := m.Carve(0x200000, 1, KindImageOwned); !errors.Is(err, ErrNotUsable) {
		t.Errorf("carve reserved = %v, want %v", err, ErrNotUsable)
	}
	if err := m.Carve(0x100800, 1, KindImageOwned); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("carve unaligned = %v, want %v", err, ErrOutOfRange)
	}

	// Failed carves must leave the map unchanged.
	want := []Region{
		{Base: 0x100000, Pages: 16, Kind: KindUsable},
		{Base: 0x200000, Pages: 16, Kind: KindReserved},
	}
	if !reflect.DeepEqual(m.Regions(), want) {
		t.Errorf("map changed after failed carves: %v", m.Regions())
	}
}

// TestAllocateBelow tests aligned allocation from usable memory.
func TestAllocateBelow(t *testing.T) {
	m := Normalize([]Region{
		{Base: 0x1000, Pages: 3, Kind: KindUsable},
		{Base: 0x100000, Pages: 256, Kind: KindUsable},
	})

	// 16 KiB aligned to 64 KiB does not fit the first region.
	base, err := m.AllocateBelow(4, 0x10000, 1<<32, KindLoaderOwned)
	if err != nil {
		t.Fatalf("AllocateBelow failed: %v", err)
	}
	if base != 0x100000 {
		t.Errorf("base = %s, want 0x100000", base)
	}
	if !base.IsAligned(0x10000) {
		t.Errorf("base %s not aligned", base)
	}

	// The limit excludes all usable memory.
	if _, err := m.AllocateBelow(4, PageSize, 0x1000, KindLoaderOwned); !errors.Is(err, ErrInsufficientMemory) {
		t.Errorf("AllocateBelow under tight limit = %v, want %v", err, ErrInsufficientMemory)
	}

	// Oversized request.
	if _, err := m.AllocateBelow(1024, PageSize, 1<<32, KindLoaderOwned); !errors.Is(err, ErrInsufficientMemory) {
		t.Errorf("oversized AllocateBelow = %v, want %v", err, ErrInsufficientMemory)
	}
}

// TestUsableBytes tests byte accounting across carves, mirroring the layout
// bookkeeping the loader relies on.
func TestUsableBytes(t *testing.T) {
	m := Normalize([]Region{{Base: 0x100000, Pages: 256, Kind: KindUsable}})
	if got := m.UsableBytes(); got != 1*mib {
		t.Fatalf("UsableBytes = %d, want %d", got, 1*mib)
	}

	if err := m.Carve(0x100000, 4, KindImageOwned); err != nil {
		t.Fatalf("Carve failed: %v", err)
	}
	if got := m.UsableBytes(); got != 1*mib-4*PageSize {
		t.Errorf("UsableBytes after carve = %d, want %d", got, 1*mib-4*PageSize)
	}
}
