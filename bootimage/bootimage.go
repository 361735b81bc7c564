// Package bootimage recognizes and loads a kernel image — either a
// Linux bzImage following the documented boot protocol, or a flat
// binary — into guest RAM at the protocol-mandated offsets (spec.md
// §4.4, §6 "Boot-protocol offsets").
package bootimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/x-lugoo/gokvm-mon/bios"
	"github.com/x-lugoo/gokvm-mon/ivt"
)

// Boot-protocol offsets, bit-exact per spec.md §6; do not change.
const (
	BootLoaderSelector = 0x1000
	BootLoaderIP       = 0x0000
	BootLoaderSP       = 0x8000
	CmdlineOffset      = 0x00020000
	KernelStart        = 0x00100000

	// Header field offsets within the first two sectors (relative to byte 0
	// of the file / linear BootLoaderSelector:0).
	hdrMagicOffset      = 0x202
	hdrVersionOffset    = 0x206
	hdrTypeOfLoaderOff  = 0x210
	hdrLoadflagsOff     = 0x211
	hdrSetupSectsOff    = 0x1F1
	hdrRamdiskImageOff  = 0x218
	hdrRamdiskSizeOff   = 0x21C
	hdrHeapEndPtrOff    = 0x224
	hdrCmdLinePtrOff    = 0x228
	hdrCmdlineSizeOff   = 0x238

	minProtocolVersion = 0x0202
	canUseHeap         = 0x80
	typeOfLoaderUndef  = 0xFF

	defaultSetupSects = 4
	sectorSize        = 512

	// InitrdAddr is where an initial ramdisk, if supplied, is placed
	// (spec.md SPEC_FULL §4.4 supplement).
	InitrdAddr = 0x0F00_0000
)

var hdrsMagic = [4]byte{'H', 'd', 'r', 'S'}

// ErrNotBzImage is the soft failure spec.md §4.4 and §7 describe: the
// caller should fall through to the flat-binary recognizer.
var ErrNotBzImage = errors.New("not a bzImage")

// ErrKernelTooOld is a hard failure: the header is bzImage-shaped but
// the protocol version predates what this loader supports.
var ErrKernelTooOld = errors.New("bzImage protocol version too old")

// ErrShortRead resolves spec.md §9's open question ("the original reads
// boot with an unchecked read; short reads silently succeed") in favor
// of failing fast.
var ErrShortRead = errors.New("short read while loading kernel image")

// Memory is the subset of memory.GuestMemory the loader needs.
type Memory interface {
	FlatToHost(off uint64) []byte
	Size() uint64
}

// Target is the CPU entry point the loader selects, consumed by CPU
// bring-up (spec.md §4.5).
type Target struct {
	Selector uint16
	IP       uint16
	SP       uint16
}

// Load recognizes kern as a bzImage or, failing that, a flat binary,
// copies it (and the optional initrd/cmdline) into mem, and returns the
// entry point CPU bring-up should use.
func Load(mem Memory, kern io.ReaderAt, initrd io.ReaderAt, cmdline string) (Target, error) {
	target, err := loadBzImage(mem, kern, initrd, cmdline)
	if err == nil {
		return target, nil
	}

	if !errors.Is(err, ErrNotBzImage) {
		return Target{}, err
	}

	return loadFlatBinary(mem, kern)
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		if n == len(buf) {
			return nil
		}

		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	if n != len(buf) {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, len(buf))
	}

	return nil
}

func loadBzImage(mem Memory, kern io.ReaderAt, initrd io.ReaderAt, cmdline string) (Target, error) {
	header := make([]byte, sectorSize*2)
	if n, err := kern.ReadAt(header, 0); n < len(header) {
		if err != nil && !errors.Is(err, io.EOF) {
			return Target{}, fmt.Errorf("reading kernel header: %w", err)
		}

		// Too short to hold a setup header: not a bzImage.
		return Target{}, ErrNotBzImage
	}

	if [4]byte(header[hdrMagicOffset:hdrMagicOffset+4]) != hdrsMagic {
		return Target{}, ErrNotBzImage
	}

	version := binary.LittleEndian.Uint16(header[hdrVersionOffset:])
	if version < minProtocolVersion {
		return Target{}, fmt.Errorf("%w: protocol version %#x < %#x", ErrKernelTooOld, version, minProtocolVersion)
	}

	setupSects := int(header[hdrSetupSectsOff])
	if setupSects == 0 {
		setupSects = defaultSetupSects
	}

	setupSize := (setupSects + 1) * sectorSize

	setup := make([]byte, setupSize)
	if err := readFull(kern, setup, 0); err != nil {
		return Target{}, err
	}

	copy(mem.FlatToHost(uint64(BootLoaderSelector)<<4+BootLoaderIP), setup)

	// The remainder of the file is the 32-bit (non-real-mode) payload,
	// loaded at KernelStart.
	rest := make([]byte, 0, 1<<20)
	buf := make([]byte, 1<<20)
	for off := int64(setupSize); ; {
		n, err := kern.ReadAt(buf, off)
		rest = append(rest, buf[:n]...)
		off += int64(n)

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return Target{}, fmt.Errorf("reading kernel payload: %w", err)
		}

		if n == 0 {
			break
		}
	}

	dst := mem.FlatToHost(KernelStart)
	if uint64(len(rest)) > uint64(len(dst)) {
		return Target{}, fmt.Errorf("kernel payload (%d bytes) does not fit in guest RAM", len(rest))
	}

	copy(dst, rest)

	var initrdSize int
	if initrd != nil {
		if mem.Size() <= InitrdAddr {
			return Target{}, fmt.Errorf("initrd address %#x is outside guest RAM (%d bytes)", InitrdAddr, mem.Size())
		}

		initrdSize = copyInitrd(mem, initrd)
	}

	cmdlineSize := resolveCmdlineSize(mem, cmdline)
	writeCmdline(mem, cmdline, cmdlineSize)
	patchHeader(mem, cmdlineSize, initrdSize)
	installE820(mem)

	var table ivt.Table
	bios.Install(mem, &table)

	return Target{
		Selector: BootLoaderSelector,
		IP:       0x0200,
		SP:       BootLoaderSP,
	}, nil
}

func copyInitrd(mem Memory, initrd io.ReaderAt) int {
	dst := mem.FlatToHost(InitrdAddr)

	n, err := initrd.ReadAt(dst, 0)
	for err == nil && n < len(dst) {
		var extra int
		extra, err = initrd.ReadAt(dst[n:], int64(n))
		n += extra
	}

	return n
}

// resolveCmdlineSize reads the header's cmdline_size field, defaulting it
// to len(cmdline)+1 (room for the command line plus its NUL) when the
// kernel left it unset, matching the teacher's own fallback.
func resolveCmdlineSize(mem Memory, cmdline string) uint32 {
	hdr := mem.FlatToHost(uint64(BootLoaderSelector) << 4)

	cmdlineSize := binary.LittleEndian.Uint32(hdr[hdrCmdlineSizeOff:])
	if cmdlineSize == 0 {
		cmdlineSize = uint32(len(cmdline) + 1)
	}

	return cmdlineSize
}

// writeCmdline copies cmdline into the reserved command-line buffer,
// truncated to fit cmdlineSize-1 bytes (room for the terminating NUL) and
// NUL-padded for the full cmdlineSize-length region (spec.md §4.4
// boundary behavior, Concrete Scenario 3).
func writeCmdline(mem Memory, cmdline string, cmdlineSize uint32) {
	dst := mem.FlatToHost(CmdlineOffset)[:cmdlineSize]

	max := int(cmdlineSize) - 1
	if max < 0 {
		max = 0
	}

	truncated := cmdline
	if len(truncated) > max {
		truncated = truncated[:max]
	}

	n := copy(dst, truncated)

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// patchHeader applies the fixed header patches spec.md §3/§4.4 mandate,
// plus writing back the resolved cmdline_size (spec.md §8 boundary
// behavior).
func patchHeader(mem Memory, cmdlineSize uint32, initrdSize int) {
	hdr := mem.FlatToHost(uint64(BootLoaderSelector) << 4)

	binary.LittleEndian.PutUint32(hdr[hdrCmdLinePtrOff:], CmdlineOffset)
	hdr[hdrTypeOfLoaderOff] = typeOfLoaderUndef
	binary.LittleEndian.PutUint16(hdr[hdrHeapEndPtrOff:], 0xFE00)
	hdr[hdrLoadflagsOff] |= canUseHeap

	binary.LittleEndian.PutUint32(hdr[hdrCmdlineSizeOff:], cmdlineSize)

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(hdr[hdrRamdiskImageOff:], InitrdAddr)
		binary.LittleEndian.PutUint32(hdr[hdrRamdiskSizeOff:], uint32(initrdSize))
	}
}

// E820 entry types, per the Linux boot protocol.
const (
	e820RAM      = 1
	e820Reserved = 2
)

// installE820 writes the small set of E820 entries kvmtool-family
// monitors always provide: the IVT/BDA hole, the reserved low-megabyte
// BIOS region, and the RAM above 1 MiB (SPEC_FULL.md §4.4 supplement).
func installE820(mem Memory) {
	const (
		ivtBegin    = 0x0
		ebdaStart   = bios.BDAStart
		vgaRAMBegin = 0xA0000
		mbBIOSBegin = 0xF0000
		mbBIOSEnd   = 0x100000
	)

	type entry struct {
		addr, size uint64
		typ        uint32
	}

	entries := []entry{
		{ivtBegin, ebdaStart - ivtBegin, e820RAM},
		{ebdaStart, vgaRAMBegin - ebdaStart, e820Reserved},
		{mbBIOSBegin, mbBIOSEnd - mbBIOSBegin, e820Reserved},
		{KernelStart, mem.Size() - KernelStart, e820RAM},
	}

	const (
		e820EntriesOff = 0x2D0
		e820CountOff   = 0x1E8
		e820EntrySize  = 20
	)

	hdr := mem.FlatToHost(uint64(BootLoaderSelector) << 4)
	hdr[e820CountOff] = byte(len(entries))

	for i, e := range entries {
		base := e820EntriesOff + i*e820EntrySize
		binary.LittleEndian.PutUint64(hdr[base:], e.addr)
		binary.LittleEndian.PutUint64(hdr[base+8:], e.size)
		binary.LittleEndian.PutUint32(hdr[base+16:], e.typ)
	}
}

func loadFlatBinary(mem Memory, kern io.ReaderAt) (Target, error) {
	dst := mem.FlatToHost(uint64(BootLoaderSelector)<<4 + BootLoaderIP)

	buf := make([]byte, 1<<16)
	written := 0

	for off := int64(0); ; {
		n, err := kern.ReadAt(buf, off)
		if n > 0 {
			if uint64(written+n) > uint64(len(dst)) {
				return Target{}, fmt.Errorf("flat binary does not fit in guest RAM")
			}

			copy(dst[written:], buf[:n])
			written += n
			off += int64(n)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return Target{}, fmt.Errorf("reading flat binary: %w", err)
		}

		if n == 0 {
			break
		}
	}

	return Target{
		Selector: BootLoaderSelector,
		IP:       BootLoaderIP,
		SP:       BootLoaderSP,
	}, nil
}
