package memory_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-lugoo/gokvm-mon/memory"
)

func TestNewRejectsBelowFloor(t *testing.T) {
	_, err := memory.New(1 << 16)
	require.ErrorIs(t, err, memory.ErrMemTooSmall)
}

func TestNewRejectsAboveCeiling(t *testing.T) {
	_, err := memory.New(memory.MaxSize + 1)
	require.ErrorIs(t, err, memory.ErrMemTooLarge)
}

func TestFlatToHostWithinRange(t *testing.T) {
	g, err := memory.New(memory.MinSize)
	require.NoError(t, err)
	defer g.Close()

	for _, off := range []uint64{0, 1, g.Size() - 1} {
		p := g.FlatToHost(off)
		require.True(t, g.HostInRAM(p), "offset %#x should translate into RAM", off)
	}
}

func TestSegOffMatchesFlat(t *testing.T) {
	g, err := memory.New(memory.MinSize)
	require.NoError(t, err)
	defer g.Close()

	sel, off := uint16(0x1000), uint16(0x20)
	want := g.FlatToHost(uint64(sel)<<4 + uint64(off))
	got := g.SegOffToHost(sel, off)

	require.Equal(t, len(want), len(got))
	if len(want) > 0 {
		require.True(t, &want[0] == &got[0])
	}
}

func TestHostInRAMRejectsForeignSlice(t *testing.T) {
	g, err := memory.New(memory.MinSize)
	require.NoError(t, err)
	defer g.Close()

	foreign := make([]byte, 16)
	require.False(t, g.HostInRAM(foreign))
}

func TestReadWriteAtRoundTrip(t *testing.T) {
	g, err := memory.New(memory.MinSize)
	require.NoError(t, err)
	defer g.Close()

	off := int64(0x1_000_000)

	var got [4]byte
	n, err := g.ReadAt(got[:], off)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte(memory.Poison), got[:])

	zeros := make([]byte, 8)
	n, err = g.WriteAt(zeros, off)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	readBack := make([]byte, 8)
	n, err = g.ReadAt(readBack, off)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, zeros, readBack)
}

func TestReadAtOutOfRange(t *testing.T) {
	g, err := memory.New(memory.MinSize)
	require.NoError(t, err)
	defer g.Close()

	var b [4]byte
	_, err = g.ReadAt(b[:], -1)
	require.True(t, errors.Is(err, memory.ErrOutOfRange))
}
