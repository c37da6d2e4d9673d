package x8664

import (
	"github.com/JarlEvanson/tvm/pkg/arch"
	"github.com/JarlEvanson/tvm/pkg/elf"
)

// Profile is the x86-64 backend. nx controls whether the tables it builds
// use the execute-disable bit.
type Profile struct {
	nx bool
}

// NewProfile returns a backend instance. Pass nx=false only for machines
// without execute-disable support.
func NewProfile(nx bool) *Profile {
	return &Profile{nx: nx}
}

func (p *Profile) Name() string { return "x86-64" }

func (p *Profile) Machine() uint16 { return elf.MachineX8664 }

func (p *Profile) PageSize() uint64 { return PageSize }

func (p *Profile) NewAddressSpace(a *arch.Arena) (arch.AddressSpace, error) {
	return NewAddressSpace(a, p.nx)
}

func (p *Profile) BuildDescriptors(a *arch.Arena) (arch.Descriptors, error) {
	return buildGDT(a)
}

func (p *Profile) NewEngine(a *arch.Arena, jump arch.JumpFn) (arch.Engine, error) {
	return NewEngine(p, a, jump)
}

func init() {
	arch.Register(NewProfile(true))
}
