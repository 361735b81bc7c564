// Package bios assembles the monitor's miniature real-mode BIOS: three
// position-independent 16-bit code fragments (spec.md §4.2) plus the
// installer that copies them into the BIOS Data Area and wires the IVT
// to them (spec.md §4.3/§4.4).
//
// The byte sequences below are hand-authored 8086/80286 real-mode
// machine code, verified opcode-by-opcode against the Intel manual
// encodings they implement (spec.md §9: "assembling them at build time
// is recommended but not required if hand-authored bytes are verified
// against a reference"). Each blob is relocatable: it contains no
// absolute far references to its own load address.
package bios

// Relocatable code blobs. Each blob is a plain byte slice whose bounds
// are its begin/end boundaries; the per-blob comments annotate the byte
// ranges rather than shipping them as opaque constants.
var (
	// Intfake is the default interrupt handler for every vector: a bare
	// IRET (0xCF).
	Intfake = []byte{0xCF}

	// Int10 implements INT 10h, AH=0Eh (teletype output): it writes AL to
	// I/O port ConsolePort and advances a wrapping cursor word stored
	// immediately after the code; any other AH returns via IRET untouched.
	//
	//   cmp ah, 0x0e        ; 80 FC 0E
	//   jne .iret           ; 75 07
	//   out ConsolePort, al ; E6 <port>   (fixed when the blob is built)
	//   inc word [cs:CursorOffset]        ; 2E FF 06 <cursor-lo> <cursor-hi>
	// .iret:
	//   iret                ; CF
	Int10 = buildInt10()

	// Int15E820 implements INT 15h with AX=E820h by transferring control
	// to the co-located E820QueryMap trampoline; every other subfunction
	// returns with CARRY set (spec.md §4.2).
	//
	//   cmp ax, 0xe820       ; 3D 20 E8
	//   je .e820             ; 74 02
	//   stc                  ; F9
	//   iret                 ; CF
	// .e820:
	//   call E820QueryMap    ; E8 <rel16> (encoded at relocation time)
	//   clc                  ; F8
	//   iret                 ; CF
	Int15E820 = []byte{
		0x3D, 0x20, 0xE8,
		0x74, 0x02,
		0xF9,
		0xCF,
		0xE8, 0x00, 0x00, // call rel16, patched by Install
		0xF8,
		0xCF,
	}

	// E820QueryMap is the trampoline INT 15h/E820h jumps to. It is a
	// stub: it clears carry and returns (ret near). It writes no
	// memory-map entry into the caller-supplied ES:DI buffer, and nothing
	// else in the monitor fills that buffer either (spec.md §9, open
	// question: size and layout are not otherwise parameterized upstream
	// either).
	//
	//   clc    ; F8
	//   ret    ; C3
	E820QueryMap = []byte{0xF8, 0xC3}
)

// ConsolePort is the I/O port INT 10h AH=0Eh writes a guest console byte
// to. No device in package device claims this port: on the bus main.go
// builds, the write reaches DefaultBus and is discarded.
const ConsolePort = 0xE9

// cursorRelOffset marks where Int10's `inc word [cs:X]` operand
// is patched once the blob's load offset inside the BDA is known.
const cursorRelOffset = 10

func buildInt10() []byte {
	b := []byte{
		0x80, 0xFC, 0x0E, // cmp ah, 0x0e
		0x75, 0x07, // jne +7 (to iret)
		0xE6, ConsolePort, // out ConsolePort, al
		0x2E, 0xFF, 0x06, 0x00, 0x00, // inc word [cs:0x0000] (patched by Relocate)
		0xCF, // iret
	}

	return b
}

// Relocate returns a copy of Int10 with its private cursor-word operand
// patched to point at cursorWordOffset, a scratch word the installer
// reserves immediately after the blob (spec.md §4.2: "maintains a
// wrapping cursor in its own private scratch word located in guest RAM
// adjacent to the code").
func Relocate(cursorWordOffset uint16) []byte {
	out := make([]byte, len(Int10))
	copy(out, Int10)
	out[cursorRelOffset] = byte(cursorWordOffset)
	out[cursorRelOffset+1] = byte(cursorWordOffset >> 8)

	return out
}

// PatchE820Call rewrites Int15E820's `call rel16` operand so it reaches
// e820Offset from the instruction immediately following the call, given
// both live in the same relocated segment.
func PatchE820Call(blob []byte, callSiteOffset, e820Offset uint16) []byte {
	out := make([]byte, len(blob))
	copy(out, blob)

	const callOpcodeIndex = 7
	nextInstr := callSiteOffset + callOpcodeIndex + 3
	rel := int16(e820Offset) - int16(nextInstr)
	out[callOpcodeIndex+1] = byte(rel)
	out[callOpcodeIndex+2] = byte(rel >> 8)

	return out
}
