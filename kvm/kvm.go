// Package kvm wraps the subset of the Linux KVM ioctl interface that the
// monitor needs: API/VM/VCPU creation, register access, memory-slot
// registration and the run loop itself.
package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, taken from <linux/kvm.h>.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetFPU              = 0x81a0ae8c
	kvmSetFPU              = 0x41a0ae8d
	kvmGetMSRs             = 0xc008ae88
	kvmSetMSRs             = 0x4008ae89
	kvmSetUserMemoryRegion = 1075883590
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90
	kvmIRQLine             = 0xc008ae67
	kvmSetGuestDebug       = 0x4048ae9b
	kvmCheckExtension      = 44547

	// Exit reasons reported in RunData.ExitReason.
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitINTR          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitS390SIEIC     = 13
	ExitS390Reset     = 14
	ExitDCR           = 15
	ExitNMI           = 16
	ExitInternalError = 17

	ExitIOIn  = 0
	ExitIOOut = 1

	numInterrupts  = 0x100
	CPUIDFeatures  = 0x40000001
	CPUIDSignature = 0x40000000

	// Capabilities probed at init. Any capability missing here is fatal
	// per spec.md §6.
	CapCoalescedMMIO  = 15
	CapSetTSSAddr     = 4
	CapPIT2           = 33
	CapUserMemory     = 3
	CapIRQRouting     = 25
	CapIRQChip        = 0
	CapHLT            = 1
	CapIRQInjectStat  = 26
	CapExtCPUID       = 7
	CapSetIdentityMap = 37
)

// ErrUnexpectedEXITReason is returned when RunOnce observes an exit_reason
// the dispatcher has no policy for (spec.md §4.6, "Other" row).
var ErrUnexpectedEXITReason = errors.New("unexpected kvm exit reason")

// ErrMissingCapability is returned at init when a mandatory capability
// (spec.md §6) is not reported by the host kernel.
var ErrMissingCapability = errors.New("required kvm capability not supported")

// Regs holds the x86 general-purpose register file.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Sregs holds the segment, descriptor-table and control-register state.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Segment is an x86 segment descriptor as KVM reports/accepts it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes the GDT, IDT or LDT base/limit pair.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// FPU holds the x87/SSE floating point state programmed during CPU
// bring-up (spec.md §4.5 step 3).
type FPU struct {
	FPR     [8][16]uint8
	FCW     uint16
	FSW     uint16
	FTWX    uint8
	Pad1    uint8
	LastOpc uint16
	LastIP  uint64
	LastDP  uint64
	XMM     [16][16]uint8
	MXCSR   uint32
	Pad2    uint32
}

// MSREntry is one (index -> data) MSR entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRs is a variable-length MSR get/set buffer; NMSRs describes how many
// of Entries are populated.
type MSRs struct {
	NMSRs   uint32
	Pad     uint32
	Entries [16]MSREntry
}

// RunData is the mmap'd kvm_run structure shared between the monitor and
// the host kernel (spec.md §3, "run_area").
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks the io-exit payload packed into Data[0:2]: direction, size,
// port, repeat count and the offset (from the start of RunData) of the
// data buffer.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO unpacks the mmio-exit payload: physical address, inline data
// (truncated to length), length and the write flag.
func (r *RunData) MMIO() (addr uint64, data []byte, length uint32, isWrite bool) {
	addr = r.Data[0]
	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = r.Data[2]>>32&0xFF != 0
	raw := r.Data[1]
	buf := make([]byte, 8)

	for i := 0; i < 8; i++ {
		buf[i] = byte(raw >> (8 * i))
	}

	return addr, buf[:length], length, isWrite
}

// HWExitReason returns the hardware exit code carried for FailEntry /
// InternalError exits, used by the fatal-exit diagnostic dump.
func (r *RunData) HWExitReason() uint64 {
	return r.Data[0]
}

// UserspaceMemoryRegion describes one guest-physical memory slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks the region for dirty-page logging (unused by
// this monitor; carried over as teacher parity).
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region read-only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// GetAPIVersion returns the KVM API version; callers must check it is 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetAPIVersion), uintptr(0))
}

// CheckExtension probes one capability (spec.md §6); absence is fatal.
func CheckExtension(kvmFd uintptr, capability uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmCheckExtension), capability)
}

// CreateVM creates a VM handle from the /dev/kvm fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmCreateVM), uintptr(0))
}

// CreateVCPU creates one VCPU on the given VM handle.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(vcpuID))
}

// Run enters the guest until the next exit. EAGAIN/EINTR (the periodic
// timer signal, spec.md §4.7) are folded into a nil error so the caller
// always inspects RunData.ExitReason.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, uintptr(kvmRun), uintptr(0))
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
	}

	return err
}

// GetVCPUMMmapSize returns the size to mmap for the per-VCPU run area.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), uintptr(0))
}

// GetSregs reads the current special (segment/control) registers.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

// SetSregs writes the special registers.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetSregs), uintptr(unsafe.Pointer(&sregs)))

	return err
}

// GetRegs reads the general-purpose registers.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetRegs), uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

// SetRegs writes the general-purpose registers.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetRegs), uintptr(unsafe.Pointer(&regs)))

	return err
}

// GetFPU reads the floating-point/SSE state.
func GetFPU(vcpuFd uintptr) (FPU, error) {
	fpu := FPU{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetFPU), uintptr(unsafe.Pointer(&fpu)))

	return fpu, err
}

// SetFPU writes the floating-point/SSE state.
func SetFPU(vcpuFd uintptr, fpu FPU) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetFPU), uintptr(unsafe.Pointer(&fpu)))

	return err
}

// GetMSRs reads back the MSR entries named in msrs.Entries[:msrs.NMSRs].
func GetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmGetMSRs), uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes the MSR entries named in msrs.Entries[:msrs.NMSRs].
func SetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetMSRs), uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetUserMemoryRegion registers (or updates) a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the 3-page TSS region required on Intel hosts.
func SetTSSAddr(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, 0xffffd000)

	return err
}

// SetIdentityMapAddr sets the identity-map page required on Intel hosts.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = 0xffffc000
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

// IRQLevel sets or clears one GSI input line.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine asserts (level=1) or deasserts (level=0) irq on the in-kernel
// irqchip.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLevel := IRQLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&irqLevel)))

	return err
}

// CreateIRQChip creates the in-kernel interrupt controller model.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// PitConfig configures the in-kernel i8254 PIT device model.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel PIT timekeeping device.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{Flags: 0}
	_, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

// CPUID is the variable-length CPUID entry table used by
// KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one (function, index) -> (eax,ebx,ecx,edx) leaf.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fetches every CPUID leaf the host+KVM combination
// supports, to be filtered and handed back via SetCPUID2.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 programs the vCPU's CPUID leaves.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// DebugControl is the argument to KVM_SET_GUEST_DEBUG.
type DebugControl struct {
	Control  uint32
	Pad      uint32
	Debugreg [8]uint64
}

const (
	guestDebugEnable     = 1
	guestDebugSingleStep = 2
)

// SetGuestDebug arms (or disarms) single-step debug exits, used for the
// --single-step CLI flag (spec.md §6).
func SetGuestDebug(vcpuFd uintptr, singleStep bool) error {
	dbg := DebugControl{}
	if singleStep {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := ioctl(vcpuFd, uintptr(kvmSetGuestDebug), uintptr(unsafe.Pointer(&dbg)))

	return err
}
