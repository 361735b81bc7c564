// Package machine owns the monitor's per-VM state: the KVM handles, the
// guest memory slot, the vCPU run loop and its exit dispatcher (spec.md
// §3, §4.6).
package machine

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/x-lugoo/gokvm-mon/bios"
	"github.com/x-lugoo/gokvm-mon/bootimage"
	"github.com/x-lugoo/gokvm-mon/device"
	"github.com/x-lugoo/gokvm-mon/kvm"
	"github.com/x-lugoo/gokvm-mon/memory"
)

// requiredCapabilities lists the extensions spec.md §4.6 treats as
// mandatory; a host missing any of these cannot run this monitor.
var requiredCapabilities = []uintptr{
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapSetIdentityMap,
	kvm.CapIRQChip,
	kvm.CapIRQRouting,
	kvm.CapPIT2,
	kvm.CapHLT,
	kvm.CapExtCPUID,
	kvm.CapIRQInjectStat,
	kvm.CapCoalescedMMIO,
}

// Monitor is a single-vCPU virtual machine: one KVM vm fd, one vCPU fd,
// one guest memory slot. Multi-vCPU support is out of scope (spec.md
// Non-goals).
type Monitor struct {
	kvmFd  uintptr
	vmFd   uintptr
	vcpuFd uintptr
	run    *kvm.RunData
	runBuf []byte

	mem *memory.GuestMemory
	bus device.Bus

	log *logrus.Entry
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithBus installs the device bus EmulateIO/EmulateMMIO exits are routed
// through. Without one, DefaultBus is used.
func WithBus(bus device.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithLogger installs a logrus entry used for diagnostic output.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Monitor) { m.log = log }
}

// New opens kvmDevice, creates a VM with one vCPU and a guest memory
// region of memSize bytes, and probes every capability spec.md §4.6
// requires before returning.
func New(kvmDevice string, memSize uint64, opts ...Option) (*Monitor, error) {
	m := &Monitor{bus: device.DefaultBus{}, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(m)
	}

	dev, err := os.OpenFile(kvmDevice, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kvmDevice, err)
	}

	m.kvmFd = dev.Fd()

	if err := m.checkCapabilities(); err != nil {
		return nil, err
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return nil, fmt.Errorf("set tss addr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return nil, fmt.Errorf("set identity map addr: %w", err)
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return nil, fmt.Errorf("create irqchip: %w", err)
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return nil, fmt.Errorf("create pit2: %w", err)
	}

	mem, err := memory.New(memSize)
	if err != nil {
		return nil, err
	}

	m.mem = mem

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    mem.Size(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem.Bytes()[0]))),
	}

	if err := kvm.SetUserMemoryRegion(m.vmFd, region); err != nil {
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return nil, fmt.Errorf("create vcpu: %w", err)
	}

	if err := m.initCPUID(); err != nil {
		return nil, err
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("get vcpu mmap size: %w", err)
	}

	runBuf, err := unix.Mmap(int(m.vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap run area: %w", err)
	}

	m.runBuf = runBuf
	m.run = (*kvm.RunData)(unsafe.Pointer(&runBuf[0]))

	return m, nil
}

func (m *Monitor) checkCapabilities() error {
	for _, capability := range requiredCapabilities {
		supported, err := kvm.CheckExtension(m.kvmFd, capability)
		if err != nil {
			return fmt.Errorf("check extension %d: %w", capability, err)
		}

		if supported == 0 {
			return fmt.Errorf("%w: extension %d", kvm.ErrMissingCapability, capability)
		}
	}

	return nil
}

func (m *Monitor) initCPUID() error {
	cpuid := kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return fmt.Errorf("get supported cpuid: %w", err)
	}

	if err := kvm.SetCPUID2(m.vcpuFd, &cpuid); err != nil {
		return fmt.Errorf("set cpuid2: %w", err)
	}

	return nil
}

// Close releases the run-area mapping, closes the vCPU and VM handles,
// and then frees guest memory.
func (m *Monitor) Close() error {
	if m.runBuf != nil {
		_ = unix.Munmap(m.runBuf)
	}

	if m.vcpuFd != 0 {
		_ = unix.Close(int(m.vcpuFd))
	}

	if m.vmFd != 0 {
		_ = unix.Close(int(m.vmFd))
	}

	if m.mem != nil {
		return m.mem.Close()
	}

	return nil
}

// Boot loads kern (a bzImage or flat binary) plus an optional initrd and
// command line, then resets the vCPU to the resulting entry point.
func (m *Monitor) Boot(kern, initrd io.ReaderAt, cmdline string) error {
	target, err := bootimage.Load(m.mem, kern, initrd, cmdline)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	if err := ResetVCPU(m.vcpuFd, target); err != nil {
		return fmt.Errorf("reset vcpu: %w", err)
	}

	return nil
}

// SetSingleStep toggles hardware single-step debugging for the vCPU
// (the --single-step collaborator hook).
func (m *Monitor) SetSingleStep(on bool) error {
	return kvm.SetGuestDebug(m.vcpuFd, on)
}

// Run executes the vCPU until an unrecoverable exit or a KVM_RUN failure
// occurs, and returns that error. A halt does not end the loop, and no
// collaborator can ask it to stop.
func (m *Monitor) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := m.RunOnce()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// RunOnce executes the vCPU until the next KVM_RUN exit and dispatches
// it, returning whether the run loop should continue (spec.md §4.6's
// exit dispatch table).
func (m *Monitor) RunOnce() (bool, error) {
	err := kvm.Run(m.vcpuFd)
	if err != nil {
		return false, fmt.Errorf("kvm run: %w", err)
	}

	switch m.run.ExitReason {
	case kvm.ExitHLT:
		// The guest idled; the next timer tick re-enters KVM_RUN and
		// lets it continue past the halt (spec.md §4.6/§7: HLT recovers
		// locally, it is not a terminal exit).
		return true, nil

	case kvm.ExitIO:
		return true, m.dispatchIO()

	case kvm.ExitMMIO:
		return true, m.dispatchMMIO()

	case kvm.ExitDebug:
		m.log.WithField("rip", m.mustRegs().RIP).Info("debug trap")

		return true, nil

	case kvm.ExitINTR:
		// A signal (the periodic timer, typically) interrupted KVM_RUN;
		// nothing to do but resume.
		return true, nil

	default:
		return false, m.fatalExit()
	}
}

func (m *Monitor) dispatchIO() error {
	direction, size, port, count, offset := m.run.IO()

	data := m.runBuf[offset : offset+size*count]

	dir := device.In
	if direction == kvm.ExitIOOut {
		dir = device.Out
	}

	for i := uint64(0); i < count; i++ {
		chunk := data[i*size : (i+1)*size]

		handled, err := m.bus.EmulateIO(uint16(port), chunk, dir, uint32(size), 1)
		if err != nil {
			return fmt.Errorf("io port %#x: %w", port, err)
		}

		if !handled {
			return fmt.Errorf("%w: io port %#x", kvm.ErrUnexpectedEXITReason, port)
		}
	}

	return nil
}

func (m *Monitor) dispatchMMIO() error {
	addr, data, _, isWrite := m.run.MMIO()

	handled, err := m.bus.EmulateMMIO(addr, data, isWrite)
	if err != nil {
		return fmt.Errorf("mmio %#x: %w", addr, err)
	}

	if !handled {
		return fmt.Errorf("%w: mmio %#x", kvm.ErrUnexpectedEXITReason, addr)
	}

	return nil
}

func (m *Monitor) mustRegs() kvm.Regs {
	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return kvm.Regs{}
	}

	return regs
}

// fatalExit builds a diagnostic error for an exit reason the dispatcher
// does not recognize: a register dump, sregs, and the hardware exit
// code carried in Data[0] for FailEntry/InternalError (spec.md §4.6).
func (m *Monitor) fatalExit() error {
	m.Diagnose()

	return fmt.Errorf("%w: %d", kvm.ErrUnexpectedEXITReason, m.run.ExitReason)
}

// Diagnose logs the vCPU's registers, the code bytes around RIP, and —
// if the guest is in protected mode — the four-level page-table walk
// that resolves RIP's linear address, per spec.md §7's fatal-exit and
// SIGQUIT diagnostic-dump requirements. It is safe to call at any point
// the vCPU is stopped (a fatal exit, or a SIGQUIT from the operator).
func (m *Monitor) Diagnose() {
	regs, regsErr := kvm.GetRegs(m.vcpuFd)
	sregs, sregsErr := kvm.GetSregs(m.vcpuFd)

	m.log.WithFields(logrus.Fields{
		"exit_reason": m.run.ExitReason,
		"hw_reason":   m.run.HWExitReason(),
		"regs_err":    regsErr,
		"sregs_err":   sregsErr,
		"rip":         regs.RIP,
		"rsp":         regs.RSP,
		"rflags":      regs.RFLAGS,
		"cs_selector": sregs.CS.Selector,
		"cr0":         sregs.CR0,
	}).Error("vcpu diagnostic dump")

	m.logCodeWindow(sregs, regs)
	m.logPageWalk(sregs, regs)
}

// codeWindowRadius is how far before RIP the diagnostic code dump
// starts, chosen so a disassembler has enough lead-in to resync.
const codeWindowRadius = 43

const codeWindowSize = 64

func (m *Monitor) logCodeWindow(sregs kvm.Sregs, regs kvm.Regs) {
	linear := sregs.CS.Base + regs.RIP
	start := int64(linear) - codeWindowRadius

	if start < 0 {
		start = 0
	}

	if uint64(start)+codeWindowSize > m.mem.Size() {
		return
	}

	window := m.mem.FlatToHost(uint64(start))[:codeWindowSize]
	m.log.WithField("code_window", fmt.Sprintf("% x", window)).Error("code window around rip")
}

const (
	cr0ProtectedMode = 1 << 0
	cr0Paging        = 1 << 31

	pageTableEntries = 512
	pageEntrySize    = 8
	pagePresent      = 1 << 0

	pml4Shift = 39
	pdptShift = 30
	pdShift   = 21
	ptShift   = 12
	pageIndexMask = pageTableEntries - 1

	pteAddrMask = 0x000F_FFFF_FFFF_F000
)

// pageWalkLevel names one step of the four-level walk, logged in order
// so the trail reads PML4 -> PDPT -> PD -> PT.
type pageWalkLevel struct {
	name  string
	entry uint64
}

// logPageWalk performs the four-level (PML4/PDPT/PD/PT) page-table walk
// spec.md §7 asks for on a fatal exit, resolving the linear address of
// RIP through CR3, but only when the guest has actually enabled
// protection and paging (CR0.PE and CR0.PG) — a real-mode guest has no
// page tables to walk.
func (m *Monitor) logPageWalk(sregs kvm.Sregs, regs kvm.Regs) {
	if sregs.CR0&cr0ProtectedMode == 0 || sregs.CR0&cr0Paging == 0 {
		return
	}

	linear := sregs.CS.Base + regs.RIP

	shifts := []pageWalkLevel{
		{name: "pml4", entry: 0},
		{name: "pdpt", entry: 0},
		{name: "pd", entry: 0},
		{name: "pt", entry: 0},
	}
	tableShifts := []uint{pml4Shift, pdptShift, pdShift, ptShift}

	tableAddr := sregs.CR3 &^ (pageEntrySize*pageTableEntries - 1)

	for i := range shifts {
		index := (linear >> tableShifts[i]) & pageIndexMask
		entryAddr := tableAddr + index*pageEntrySize

		if entryAddr+pageEntrySize > m.mem.Size() {
			m.log.WithField("level", shifts[i].name).Error("page walk: table address outside guest RAM")

			return
		}

		raw := m.mem.FlatToHost(entryAddr)[:pageEntrySize]
		entry := uint64(0)
		for b := 0; b < pageEntrySize; b++ {
			entry |= uint64(raw[b]) << (8 * b)
		}

		shifts[i].entry = entry

		if entry&pagePresent == 0 {
			m.log.WithFields(logrus.Fields{
				"level": shifts[i].name,
				"entry": fmt.Sprintf("%#x", entry),
			}).Error("page walk: not present")

			return
		}

		tableAddr = entry & pteAddrMask
	}

	m.log.WithFields(logrus.Fields{
		"linear":    fmt.Sprintf("%#x", linear),
		"pml4_entry": fmt.Sprintf("%#x", shifts[0].entry),
		"pdpt_entry": fmt.Sprintf("%#x", shifts[1].entry),
		"pd_entry":   fmt.Sprintf("%#x", shifts[2].entry),
		"pt_entry":   fmt.Sprintf("%#x", shifts[3].entry),
		"phys":       fmt.Sprintf("%#x", tableAddr|(linear&(1<<ptShift-1))),
	}).Error("page table walk")
}
