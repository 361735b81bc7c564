package bios_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-lugoo/gokvm-mon/bios"
	"github.com/x-lugoo/gokvm-mon/ivt"
)

type fakeMem struct {
	buf []byte
}

func newFakeMem() *fakeMem {
	return &fakeMem{buf: make([]byte, 1<<20)}
}

func (f *fakeMem) FlatToHost(off uint64) []byte {
	return f.buf[off:]
}

func TestIntfakeIsBareIRET(t *testing.T) {
	require.Equal(t, []byte{0xCF}, bios.Intfake)
}

func TestInstallDefaultVectorPointsAtIntfake(t *testing.T) {
	mem := newFakeMem()

	var table ivt.Table
	layout := bios.Install(mem, &table)

	// Vector 0: linear bytes [0,4) = {offset_lo, offset_hi, seg_lo, seg_hi}.
	require.Equal(t, byte(layout.IntfakeOffset), mem.buf[0])
	require.Equal(t, byte(layout.IntfakeOffset>>8), mem.buf[1])
	require.Equal(t, byte(bios.Segment), mem.buf[2])
	require.Equal(t, byte(bios.Segment>>8), mem.buf[3])

	// The intfake stub itself starts with an IRET opcode.
	linear := uint64(bios.Segment)<<4 + uint64(layout.IntfakeOffset)
	require.Equal(t, byte(0xCF), mem.buf[linear])
}

func TestInstallOverridesVector0x10And0x15(t *testing.T) {
	mem := newFakeMem()

	var table ivt.Table
	layout := bios.Install(mem, &table)

	got10 := table.Get(0x10)
	require.Equal(t, layout.Int10Offset, got10.Offset)
	require.Equal(t, uint16(bios.Segment), got10.Segment)

	got15 := table.Get(0x15)
	require.Equal(t, layout.Int15Offset, got15.Offset)
	require.Equal(t, uint16(bios.Segment), got15.Segment)
}

func TestInt10TeletypeOutputsToConsolePort(t *testing.T) {
	// cmp ah,0x0e ; jne ; out 0xE9,al ; inc cursor; iret
	require.Equal(t, byte(0x80), bios.Int10[0])
	require.Equal(t, byte(0xE6), bios.Int10[5])
	require.Equal(t, byte(bios.ConsolePort), bios.Int10[6])
}

func TestInt15OtherSubfunctionsSetCarry(t *testing.T) {
	// bytes after the AX==E820 branch: stc; iret
	require.Equal(t, byte(0xF9), bios.Int15E820[5])
	require.Equal(t, byte(0xCF), bios.Int15E820[6])
}

func TestInt15E820BranchTargetsCallOpcode(t *testing.T) {
	// je .e820 is a 2-byte instruction at indices 3-4; its displacement
	// is relative to the IP right after it (index 5). .e820 must land on
	// the call opcode at index 7, not into its operand bytes.
	const jeOpcodeEnd = 5
	const callOpcodeIndex = 7

	rel := int8(bios.Int15E820[4])
	target := jeOpcodeEnd + int(rel)

	require.Equal(t, callOpcodeIndex, target)
	require.Equal(t, byte(0xE8), bios.Int15E820[callOpcodeIndex])
}

func TestRelocatePatchesCursorOperand(t *testing.T) {
	relocated := bios.Relocate(0x1234)
	// operand bytes sit right after the `inc word [cs:X]` opcode bytes.
	require.Equal(t, byte(0x34), relocated[10])
	require.Equal(t, byte(0x12), relocated[11])
}
