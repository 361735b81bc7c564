package ivt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-lugoo/gokvm-mon/ivt"
)

func TestSetupFillsEveryVector(t *testing.T) {
	var table ivt.Table

	def := ivt.Descriptor{Segment: 0xF000, Offset: 0x1234}
	table.Setup(def)

	for v := 0; v < ivt.NumVectors; v++ {
		require.Equal(t, def, table.Get(v))
	}
}

func TestSetOverridesOnlyOneVector(t *testing.T) {
	var table ivt.Table

	def := ivt.Descriptor{Segment: 0xF000, Offset: 0x1234}
	table.Setup(def)

	override := ivt.Descriptor{Segment: 0xF000, Offset: 0x4000}
	table.Set(0x10, override)

	for v := 0; v < ivt.NumVectors; v++ {
		if v == 0x10 {
			require.Equal(t, override, table.Get(v))

			continue
		}

		require.Equal(t, def, table.Get(v))
	}
}

func TestCopyToRoundTrip(t *testing.T) {
	var table ivt.Table

	table.Setup(ivt.Descriptor{Segment: 0xF000, Offset: 0x0100})
	table.Set(0x10, ivt.Descriptor{Segment: 0xF000, Offset: 0x0200})
	table.Set(0x15, ivt.Descriptor{Segment: 0xF000, Offset: 0x0300})

	buf := make([]byte, ivt.NumVectors*ivt.EntrySize)
	table.CopyTo(buf, ivt.EntrySize)

	got := ivt.FromBytes(buf, ivt.EntrySize)
	for v := 0; v < ivt.NumVectors; v++ {
		require.Equal(t, table.Get(v), got.Get(v), "vector %#x", v)
	}
}

func TestCopyToDefaultVectorIsIntfakeShaped(t *testing.T) {
	var table ivt.Table

	def := ivt.Descriptor{Segment: 0xF000, Offset: 0x0100}
	table.Setup(def)

	buf := make([]byte, ivt.NumVectors*ivt.EntrySize)
	table.CopyTo(buf, ivt.EntrySize)

	require.Equal(t, byte(0x00), buf[0])
	require.Equal(t, byte(0x01), buf[1])
	require.Equal(t, byte(0x00), buf[2])
	require.Equal(t, byte(0xF0), buf[3])
}
