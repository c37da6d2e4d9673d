package x8664

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/JarlEvanson/tvm/internal/types"
	"github.com/JarlEvanson/tvm/pkg/arch"
)

// testEngine returns an engine whose jump hook records the frame and
// panics, matching the no-return contract.
func testEngine(t *testing.T, frames int) (*Engine, *arch.SwitchFrame) {
	t.Helper()
	a := testArena(t, frames)
	var recorded arch.SwitchFrame
	e, err := NewEngine(NewProfile(true), a, func(f arch.SwitchFrame) {
		recorded = f
		panic("jumped")
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e, &recorded
}

// runToJump walks an engine through the full sequence with a minimal image.
func runToJump(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.MapSegment(0x400000, 0x2000000, 2, arch.ProtRead|arch.ProtExec); err != nil {
		t.Fatalf("MapSegment failed: %v", err)
	}
	if err := e.MapIdentity(0x80000, 1, arch.ProtRead); err != nil {
		t.Fatalf("MapIdentity failed: %v", err)
	}
	if err := e.MapTrampoline(0x90000, 1); err != nil {
		t.Fatalf("MapTrampoline failed: %v", err)
	}
	if err := e.FinishMapping(); err != nil {
		t.Fatalf("FinishMapping failed: %v", err)
	}
	if err := e.InstallDescriptors(); err != nil {
		t.Fatalf("InstallDescriptors failed: %v", err)
	}
	if err := e.EnterModeSwitch(0x400000, 0x80000); err != nil {
		t.Fatalf("EnterModeSwitch failed: %v", err)
	}
}

// TestEngineFullSequence tests the happy path end to end: the jump hook
// receives the sealed frame and the engine lands in the terminal state.
func TestEngineFullSequence(t *testing.T) {
	e, recorded := testEngine(t, 64)
	runToJump(t, e)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Jump returned without panicking")
			}
		}()
		_ = e.Jump()
	}()

	if e.State() != StateJumpedToEntry {
		t.Errorf("state = %s, want %s", e.State(), StateJumpedToEntry)
	}
	if recorded.Entry != 0x400000 || recorded.BootInfo != 0x80000 {
		t.Errorf("frame entry/bootinfo = %s/%s", recorded.Entry, recorded.BootInfo)
	}
	if recorded.SpaceRoot != e.Target().Root() {
		t.Errorf("frame root = %s, want %s", recorded.SpaceRoot, e.Target().Root())
	}
	if recorded.Descriptors.Len == 0 {
		t.Error("frame has no descriptors")
	}
}

// TestEngineOrderEnforcement tests that every transition method rejects
// out-of-state calls and never moves the state backward.
func TestEngineOrderEnforcement(t *testing.T) {
	e, _ := testEngine(t, 64)

	// Nothing past Discovered is reachable yet.
	if err := e.InstallDescriptors(); !errors.Is(err, ErrBadState) {
		t.Errorf("InstallDescriptors in %s = %v, want %v", e.State(), err, ErrBadState)
	}
	if err := e.EnterModeSwitch(0, 0); !errors.Is(err, ErrBadState) {
		t.Errorf("EnterModeSwitch in %s = %v, want %v", e.State(), err, ErrBadState)
	}
	if err := e.Jump(); !errors.Is(err, ErrBadState) {
		t.Errorf("Jump in %s = %v, want %v", e.State(), err, ErrBadState)
	}

	// Sealing with no trampoline is refused.
	if err := e.FinishMapping(); !errors.Is(err, ErrNoTrampoline) {
		t.Errorf("FinishMapping without trampoline = %v, want %v", err, ErrNoTrampoline)
	}

	if err := e.MapTrampoline(0x90000, 1); err != nil {
		t.Fatalf("MapTrampoline failed: %v", err)
	}
	if err := e.FinishMapping(); err != nil {
		t.Fatalf("FinishMapping failed: %v", err)
	}

	// Mapping after the seal is refused; the state does not regress.
	if err := e.MapSegment(0x400000, 0x2000000, 1, arch.ProtRead); !errors.Is(err, ErrBadState) {
		t.Errorf("MapSegment after seal = %v, want %v", err, ErrBadState)
	}
	if err := e.FinishMapping(); !errors.Is(err, ErrBadState) {
		t.Errorf("second FinishMapping = %v, want %v", err, ErrBadState)
	}
	if e.State() != StateMapped {
		t.Errorf("state = %s, want %s", e.State(), StateMapped)
	}
}

// TestTrampolineIdentityProperty tests that the trampoline resolves
// byte-for-byte identically in both hierarchies after MapTrampoline, and
// that EnterModeSwitch rejects a hierarchy pair where it does not.
func TestTrampolineIdentityProperty(t *testing.T) {
	t.Run("identical by construction", func(t *testing.T) {
		e, _ := testEngine(t, 64)
		if err := e.MapTrampoline(0x90000, 4); err != nil {
			t.Fatalf("MapTrampoline failed: %v", err)
		}
		for i := uint64(0); i < 4; i++ {
			va := types.VirtAddr(0x90000 + i*PageSize)
			curPA, curProt, curOK := e.current.Translate(va)
			tgtPA, tgtProt, tgtOK := e.target.Translate(va)
			if !curOK || !tgtOK || curPA != tgtPA || curProt != tgtProt {
				t.Errorf("page %s: current %s %s %v, target %s %s %v",
					va, curPA, curProt, curOK, tgtPA, tgtProt, tgtOK)
			}
			if curPA != types.PhysAddr(va) {
				t.Errorf("page %s not identity mapped: %s", va, curPA)
			}
		}
	})

	t.Run("mismatch detected", func(t *testing.T) {
		e, _ := testEngine(t, 64)
		// Build a divergent pair directly: same virtual page, different
		// frames in each hierarchy.
		if err := e.current.Map(0x90000, 0x90000, 1, arch.ProtRead|arch.ProtExec); err != nil {
			t.Fatalf("current Map failed: %v", err)
		}
		if err := e.target.Map(0x90000, 0xa0000, 1, arch.ProtRead|arch.ProtExec); err != nil {
			t.Fatalf("target Map failed: %v", err)
		}
		e.frame.Trampoline = 0x90000
		e.frame.TrampolinePages = 1

		if err := e.FinishMapping(); err != nil {
			t.Fatalf("FinishMapping failed: %v", err)
		}
		if err := e.InstallDescriptors(); err != nil {
			t.Fatalf("InstallDescriptors failed: %v", err)
		}
		if err := e.EnterModeSwitch(0x400000, 0x80000); !errors.Is(err, ErrTrampolineMismatch) {
			t.Fatalf("EnterModeSwitch = %v, want %v", err, ErrTrampolineMismatch)
		}

		// The failure leaves the engine retryable, not advanced.
		if e.State() != StateDescriptorsInstalled {
			t.Errorf("state = %s, want %s", e.State(), StateDescriptorsInstalled)
		}
	})
}

// TestEnterModeSwitchLimit tests the below-4GiB requirement on switch
// structures.
func TestEnterModeSwitchLimit(t *testing.T) {
	e, _ := testEngine(t, 64)
	if err := e.MapTrampoline(0x90000, 1); err != nil {
		t.Fatalf("MapTrampoline failed: %v", err)
	}
	if err := e.FinishMapping(); err != nil {
		t.Fatalf("FinishMapping failed: %v", err)
	}
	if err := e.InstallDescriptors(); err != nil {
		t.Fatalf("InstallDescriptors failed: %v", err)
	}
	if err := e.EnterModeSwitch(0x400000, types.PhysAddr(1)<<33); !errors.Is(err, ErrAboveSwitchLimit) {
		t.Errorf("EnterModeSwitch with high boot info = %v, want %v", err, ErrAboveSwitchLimit)
	}
}

// TestMapTrampolineAboveLimit tests that a trampoline past 4 GiB is
// refused at map time.
func TestMapTrampolineAboveLimit(t *testing.T) {
	e, _ := testEngine(t, 64)
	if err := e.MapTrampoline(types.PhysAddr(1)<<32, 1); !errors.Is(err, ErrAboveSwitchLimit) {
		t.Errorf("MapTrampoline = %v, want %v", err, ErrAboveSwitchLimit)
	}
}

// TestGDTLayout tests the exact descriptor encoding.
func TestGDTLayout(t *testing.T) {
	a := testArena(t, 4)
	d, err := buildGDT(a)
	if err != nil {
		t.Fatalf("buildGDT failed: %v", err)
	}
	if d.Len != 40 {
		t.Fatalf("descriptor table %d bytes, want 40", d.Len)
	}

	b, ok := a.Bytes(d.Base, d.Len)
	if !ok {
		t.Fatal("descriptor table not backed by arena")
	}

	want := []uint64{
		0,
		0x00af_9b00_0000_ffff,
		0x00cf_9300_0000_ffff,
		0x00cf_9b00_0000_ffff,
		0x00cf_9300_0000_ffff,
	}
	for i, w := range want {
		if got := binary.LittleEndian.Uint64(b[i*8:]); got != w {
			t.Errorf("descriptor %d = %#016x, want %#016x", i, got, w)
		}
	}
}

// TestProfileRegistered tests init-time registration in the backend set.
func TestProfileRegistered(t *testing.T) {
	p, ok := arch.ByMachine(NewProfile(true).Machine())
	if !ok {
		t.Fatal("x86-64 profile not registered")
	}
	if p.Name() != "x86-64" || p.PageSize() != PageSize {
		t.Errorf("registered profile = %s/%d", p.Name(), p.PageSize())
	}
}
