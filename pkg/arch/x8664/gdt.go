package x8664

import (
	"encoding/binary"
	"fmt"

	"github.com/JarlEvanson/tvm/pkg/arch"
)

// The fixed descriptor layout installed before the switch. Flat segments;
// the 32-bit entries exist so the trampoline can drop out of long mode when
// the target image is 32-bit.
var gdtEntries = [...]uint64{
	0,                     // null
	0x00af_9b00_0000_ffff, // 64-bit code
	0x00cf_9300_0000_ffff, // data
	0x00cf_9b00_0000_ffff, // 32-bit code
	0x00cf_9300_0000_ffff, // data
}

// Segment selectors into the table above.
const (
	SelectorCode64 = 0x08
	SelectorData   = 0x10
	SelectorCode32 = 0x18
	SelectorData32 = 0x20
)

// buildGDT writes the descriptor table into one arena frame.
func buildGDT(a *arch.Arena) (arch.Descriptors, error) {
	base, err := a.AllocFrame()
	if err != nil {
		return arch.Descriptors{}, fmt.Errorf("allocating descriptor frame: %w", err)
	}

	size := uint64(len(gdtEntries) * 8)
	b, ok := a.Bytes(base, size)
	if !ok {
		panic("descriptor frame outside arena")
	}
	for i, e := range gdtEntries {
		binary.LittleEndian.PutUint64(b[i*8:], e)
	}

	return arch.Descriptors{Base: base, Len: size}, nil
}
