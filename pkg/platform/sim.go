package platform

import (
	"fmt"

	"github.com/JarlEvanson/tvm/pkg/bootinfo"
	"github.com/JarlEvanson/tvm/pkg/memmap"
	"github.com/JarlEvanson/tvm/pkg/spin"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the frame header of a zstd-compressed payload.
var zstdMagic = [4]byte{0x28, 0xb5, 0x2f, 0xfd}

// SimPlatform implements Adapter over in-memory state. It backs the
// dry-run harness and the pipeline tests: images are registered under
// selectors, optionally zstd-compressed, and the memory map is whatever
// the caller seeds.
type SimPlatform struct {
	regions []memmap.Region
	images  map[string][]byte

	fb    bootinfo.Framebuffer
	fbSet bool

	mu        spin.Lock
	finalized bool
}

// NewSimPlatform seeds a simulated environment with a raw memory map.
func NewSimPlatform(regions []memmap.Region) *SimPlatform {
	rs := make([]memmap.Region, len(regions))
	copy(rs, regions)
	return &SimPlatform{
		regions: rs,
		images:  map[string][]byte{},
	}
}

// RegisterImage stores a payload under selector. Payloads carrying a zstd
// frame magic are decompressed on load.
func (p *SimPlatform) RegisterImage(selector string, payload []byte) {
	b := make([]byte, len(payload))
	copy(b, payload)
	p.images[selector] = b
}

// SetGraphicsMode sets the framebuffer GraphicsMode reports.
func (p *SimPlatform) SetGraphicsMode(fb bootinfo.Framebuffer) {
	p.fb = fb
	p.fbSet = true
}

// MemoryMap implements Adapter.
func (p *SimPlatform) MemoryMap() []memmap.Region {
	out := make([]memmap.Region, len(p.regions))
	copy(out, p.regions)
	return out
}

// LoadImage implements Adapter. Compressed payloads are detected by frame
// magic and decompressed transparently.
func (p *SimPlatform) LoadImage(selector string) ([]byte, error) {
	payload, err := requireSelector(p.images, selector)
	if err != nil {
		return nil, err
	}

	if len(payload) >= 4 && [4]byte(payload[:4]) == zstdMagic {
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		defer r.Close()
		decoded, err := r.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrCorruptPayload, selector, err)
		}
		return decoded, nil
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// GraphicsMode implements Adapter.
func (p *SimPlatform) GraphicsMode() (bootinfo.Framebuffer, bool) {
	return p.fb, p.fbSet
}

// FinalizeHandoff implements Adapter. The first caller wins; the guard is
// a spin lock since the real environment runs without a scheduler.
func (p *SimPlatform) FinalizeHandoff() (Token, error) {
	var tok Token
	var err error
	p.mu.Do(func() {
		if p.finalized {
			err = ErrAlreadyFinalized
			return
		}
		p.finalized = true
		tok = handoffToken(p.regions)
	})
	return tok, err
}
