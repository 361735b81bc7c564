// Package ivt builds the 256-entry real-mode Interrupt Vector Table and
// writes it into guest RAM in the canonical segment:offset layout
// (spec.md §4.3, §6 "Wire format of the real-mode IVT").
package ivt

import "encoding/binary"

// NumVectors is the number of real-mode interrupt vectors.
const NumVectors = 256

// EntrySize is the on-wire size of one IVT entry: 2-byte offset followed
// by a 2-byte segment, both little-endian.
const EntrySize = 4

// Descriptor is one real-mode interrupt vector: a far pointer expressed
// as a 16-bit segment and a 16-bit offset.
type Descriptor struct {
	Segment uint16
	Offset  uint16
}

// Table is the monitor's in-process staging copy of the IVT, mutated by
// Setup/Set and committed to guest RAM by CopyTo.
type Table struct {
	entries [NumVectors]Descriptor
}

// Setup fills every vector with the same default descriptor, normally
// the intfake stub's address (spec.md §4.3).
func (t *Table) Setup(def Descriptor) {
	for i := range t.entries {
		t.entries[i] = def
	}
}

// Set overwrites a single vector.
func (t *Table) Set(vector int, d Descriptor) {
	t.entries[vector] = d
}

// Get returns the descriptor currently staged for a vector.
func (t *Table) Get(vector int) Descriptor {
	return t.entries[vector]
}

// CopyTo serializes the table into dst in the canonical real-mode
// layout: offset first, segment second, EntrySize bytes per entry,
// starting at linear 0x0 (the stride parameter is carried from the
// original design for callers writing into a strided buffer; this
// monitor always uses EntrySize).
func (t *Table) CopyTo(dst []byte, stride int) {
	for i, d := range t.entries {
		base := i * stride
		binary.LittleEndian.PutUint16(dst[base:], d.Offset)
		binary.LittleEndian.PutUint16(dst[base+2:], d.Segment)
	}
}

// FromBytes reconstructs a Table from a byte buffer previously produced
// by CopyTo, used by the write-then-read round-trip test (spec.md §8).
func FromBytes(src []byte, stride int) Table {
	var t Table

	for i := 0; i < NumVectors; i++ {
		base := i * stride
		t.entries[i] = Descriptor{
			Offset:  binary.LittleEndian.Uint16(src[base:]),
			Segment: binary.LittleEndian.Uint16(src[base+2:]),
		}
	}

	return t
}
