package machine

import (
	"fmt"

	"github.com/x-lugoo/gokvm-mon/bootimage"
	"github.com/x-lugoo/gokvm-mon/kvm"
)

// Real-mode reset values, per spec.md §4.5.
const (
	resetRFLAGS  = 0x2
	resetFCW     = 0x037F
	resetMXCSR   = 0x1F80
	maxRealModeIP = 0xFFFF

	msrSysenterCS  = 0x174
	msrSysenterESP = 0x175
	msrSysenterEIP = 0x176
	msrTSC         = 0x10
	msrSTAR        = 0xC0000081
	msrLSTAR       = 0xC0000082
	msrCSTAR       = 0xC0000083
	msrFMASK       = 0xC0000084
	msrKernelGSBase = 0xC0000102
)

// resetMSRs lists every MSR CPU bring-up zeroes, grounded on the 64-bit
// syscall/sysenter MSR set the teacher programs at startup, carried here
// even though the guest starts in real mode: a kernel that later enables
// long mode must find them in a known (zeroed) state.
var resetMSRs = []uint32{
	msrSysenterCS, msrSysenterESP, msrSysenterEIP,
	msrTSC,
	msrSTAR, msrLSTAR, msrCSTAR, msrFMASK, msrKernelGSBase,
}

// resetSegment builds a real-mode segment descriptor whose base is
// selector*16, satisfying spec.md §8's invariant cs.base == cs.selector*16.
func resetSegment(selector uint16) kvm.Segment {
	return kvm.Segment{
		Base:     uint64(selector) << 4,
		Limit:    0xFFFF,
		Selector: selector,
		Typ:      3,
		Present:  1,
		DPL:      0,
		DB:       0,
		S:        1,
		L:        0,
		G:        0,
	}
}

// ResetVCPU programs segment, general-purpose, FPU and MSR state into a
// freshly created vCPU so it starts executing real-mode code at
// target.Selector:target.IP with a flat stack at target.SP (spec.md
// §4.5). It is idempotent: calling it twice yields the same state.
func ResetVCPU(vcpuFd uintptr, target bootimage.Target) error {
	if target.IP > maxRealModeIP {
		return fmt.Errorf("boot IP %#x exceeds real-mode limit %#x", target.IP, maxRealModeIP)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	codeSeg := resetSegment(target.Selector)
	dataSeg := resetSegment(target.Selector)

	sregs.CS = codeSeg
	sregs.DS = dataSeg
	sregs.ES = dataSeg
	sregs.FS = dataSeg
	sregs.GS = dataSeg
	sregs.SS = dataSeg
	sregs.CR0 &^= 1 // protected mode bit clear: real mode

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	regs := kvm.Regs{
		RFLAGS: resetRFLAGS,
		RIP:    uint64(target.IP),
		RSP:    uint64(target.SP),
		RBP:    uint64(target.SP),
	}

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	fpu := kvm.FPU{
		FCW:   resetFCW,
		MXCSR: resetMXCSR,
	}

	if err := kvm.SetFPU(vcpuFd, fpu); err != nil {
		return fmt.Errorf("set fpu: %w", err)
	}

	if err := resetMSRState(vcpuFd); err != nil {
		return err
	}

	return nil
}

func resetMSRState(vcpuFd uintptr) error {
	var msrs kvm.MSRs

	msrs.NMSRs = uint32(len(resetMSRs))
	for i, index := range resetMSRs {
		msrs.Entries[i] = kvm.MSREntry{Index: index, Data: 0}
	}

	if err := kvm.SetMSRs(vcpuFd, &msrs); err != nil {
		return fmt.Errorf("set msrs: %w", err)
	}

	return nil
}
