// Package platform defines the boundary between the boot pipeline and the
// firmware environment it runs on. Everything environment-specific sits
// behind the Adapter interface; the pipeline itself never talks to
// firmware directly.
package platform

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/bootinfo"
	"github.com/JarlEvanson/tvm/pkg/memmap"
)

// Adapter errors.
var (
	ErrAlreadyFinalized = errors.New("handoff already finalized")
	ErrNoSuchImage      = errors.New("no image registered for selector")
	ErrCorruptPayload   = errors.New("corrupt image payload")
)

// Token is the capability FinalizeHandoff returns. Holding a valid token
// proves firmware services have been shut down exactly once; the pipeline
// requires one before the mode switch.
type Token struct {
	id types.Hash
}

// Valid reports whether the token came from a successful FinalizeHandoff.
func (t Token) Valid() bool {
	return !t.id.IsZero()
}

// ID returns the token's identity digest for logs.
func (t Token) ID() types.Hash {
	return t.id
}

// Adapter is the firmware environment seen by the boot pipeline.
type Adapter interface {
	// MemoryMap returns the raw physical memory map. Entries may overlap
	// or repeat; callers normalize.
	MemoryMap() []memmap.Region

	// LoadImage retrieves the payload registered under selector,
	// decompressing it if the environment stores it compressed.
	LoadImage(selector string) ([]byte, error)

	// GraphicsMode describes the active framebuffer, if any.
	GraphicsMode() (bootinfo.Framebuffer, bool)

	// FinalizeHandoff shuts down firmware services and returns the
	// handoff token. It succeeds at most once; after the first success
	// every call fails with ErrAlreadyFinalized, and after it succeeds no
	// other Adapter method may be called.
	FinalizeHandoff() (Token, error)
}

// handoffToken derives a token identity from the environment's memory map,
// so tokens from distinct environments differ and logs can correlate a
// boot with its map.
func handoffToken(regions []memmap.Region) Token {
	buf := make([]byte, 0, len(regions)*20)
	for _, r := range regions {
		var enc [20]byte
		binary.LittleEndian.PutUint64(enc[0:8], uint64(r.Base))
		binary.LittleEndian.PutUint64(enc[8:16], r.Pages)
		binary.LittleEndian.PutUint32(enc[16:20], uint32(r.Kind))
		buf = append(buf, enc[:]...)
	}
	return Token{id: types.HashBytes(buf)}
}

// requireSelector is a shared guard for adapters keyed by string selector.
func requireSelector(images map[string][]byte, selector string) ([]byte, error) {
	payload, ok := images[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchImage, selector)
	}
	return payload, nil
}
