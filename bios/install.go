package bios

import "github.com/x-lugoo/gokvm-mon/ivt"

// BDAStart is the conventional BIOS Data Area base; stub code is placed
// just past the 256-byte area real BIOSes reserve there, per spec.md §3
// ("BIOS stub code lives within the BIOS Data Area reservation starting
// at 0x400 and does not overlap the IVT or the kernel image").
const BDAStart = 0x400

// biosBase is where this monitor starts laying out its stub code, a
// 16-byte-aligned offset past the reserved 256-byte BDA proper.
const biosBase = BDAStart + 0x100

// Segment is the real-mode segment all stub code is relocated into;
// Offset fields below are offsets within that segment.
const Segment = biosBase >> 4

// Layout records where each blob ended up after Install, in case a
// caller (tests, diagnostics) needs to disassemble at a known address.
type Layout struct {
	IntfakeOffset uint16
	Int10Offset   uint16
	Int10Cursor   uint16
	Int15Offset   uint16
	E820MapOffset uint16
}

// Installer exposes the subset of memory.GuestMemory Install needs,
// letting tests substitute a plain byte slice.
type Installer interface {
	FlatToHost(off uint64) []byte
}

// Install copies the three stub blobs into guest RAM starting at
// biosBase, builds the default IVT (every vector -> intfake, 0x10 ->
// int10, 0x15 -> the int15 stub whose call into E820QueryMap is patched
// in place), and writes the table to linear 0x0.
func Install(mem Installer, table *ivt.Table) Layout {
	offset := uint16(0)

	intfakeOff := offset
	copy(mem.FlatToHost(uint64(biosBase+offset)), Intfake)
	offset += uint16(len(Intfake))

	// Align the int10 blob to a 16-bit boundary. The cursor word that
	// follows it is not aligned (int10 is an odd number of bytes long).
	if offset%2 != 0 {
		offset++
	}

	int10Off := offset
	cursorOff := offset + uint16(len(Int10))
	relocatedInt10 := Relocate(cursorOff)
	copy(mem.FlatToHost(uint64(biosBase+offset)), relocatedInt10)
	offset += uint16(len(relocatedInt10))

	// Reserve the cursor scratch word, zero-initialized.
	copy(mem.FlatToHost(uint64(biosBase+offset)), []byte{0x00, 0x00})
	offset += 2

	int15Off := offset
	e820CallSite := offset
	offset += uint16(len(Int15E820))

	e820MapOff := offset
	copy(mem.FlatToHost(uint64(biosBase+offset)), E820QueryMap)

	patchedInt15 := PatchE820Call(Int15E820, e820CallSite, e820MapOff)
	copy(mem.FlatToHost(uint64(biosBase+int15Off)), patchedInt15)

	def := ivt.Descriptor{Segment: Segment, Offset: intfakeOff}
	table.Setup(def)
	table.Set(0x10, ivt.Descriptor{Segment: Segment, Offset: int10Off})
	table.Set(0x15, ivt.Descriptor{Segment: Segment, Offset: int15Off})

	table.CopyTo(mem.FlatToHost(0), ivt.EntrySize)

	return Layout{
		IntfakeOffset: intfakeOff,
		Int10Offset:   int10Off,
		Int10Cursor:   cursorOff,
		Int15Offset:   int15Off,
		E820MapOffset: e820MapOff,
	}
}
