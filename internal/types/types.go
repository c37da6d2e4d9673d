// Package types defines the scalar address and digest types shared by the
// loader pipeline.
//
// Physical and virtual addresses are distinct types so that a mapping bug
// (passing one where the other is expected) is a compile error rather than a
// triple fault.
package types

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// HashSize is the size, in bytes, of a digest.
const HashSize = 32

// PhysAddr is an address in the physical address space.
type PhysAddr uint64

// VirtAddr is an address in a virtual address space.
type VirtAddr uint64

// Align rounds the address down to the given power-of-two alignment.
func (a PhysAddr) Align(align uint64) PhysAddr {
	return a &^ PhysAddr(align-1)
}

// AlignUp rounds the address up to the given power-of-two alignment.
func (a PhysAddr) AlignUp(align uint64) PhysAddr {
	return (a + PhysAddr(align-1)) &^ PhysAddr(align-1)
}

// IsAligned reports whether the address is a multiple of align.
func (a PhysAddr) IsAligned(align uint64) bool {
	return uint64(a)%align == 0
}

// Offset returns the address advanced by n bytes.
func (a PhysAddr) Offset(n uint64) PhysAddr {
	return a + PhysAddr(n)
}

// String formats the address in hexadecimal.
func (a PhysAddr) String() string {
	return fmt.Sprintf("p:%#x", uint64(a))
}

// Align rounds the address down to the given power-of-two alignment.
func (a VirtAddr) Align(align uint64) VirtAddr {
	return a &^ VirtAddr(align-1)
}

// AlignUp rounds the address up to the given power-of-two alignment.
func (a VirtAddr) AlignUp(align uint64) VirtAddr {
	return (a + VirtAddr(align-1)) &^ VirtAddr(align-1)
}

// IsAligned reports whether the address is a multiple of align.
func (a VirtAddr) IsAligned(align uint64) bool {
	return uint64(a)%align == 0
}

// Offset returns the address advanced by n bytes.
func (a VirtAddr) Offset(n uint64) VirtAddr {
	return a + VirtAddr(n)
}

// String formats the address in hexadecimal.
func (a VirtAddr) String() string {
	return fmt.Sprintf("v:%#x", uint64(a))
}

// Hash is a 32-byte BLAKE3 digest. It is used as the integrity token of the
// boot-information block and as the identity of staged images in diagnostics.
type Hash [HashSize]byte

// HashBytes computes the digest of b.
func HashBytes(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Short returns a truncated base58 form suitable for log lines.
func (h Hash) Short() string {
	return base58.Encode(h[:8])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}
