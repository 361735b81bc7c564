// Package memory owns the monitor's guest-physical RAM buffer and the
// handful of pure address-translation helpers every other component
// builds on (spec.md §4.1).
package memory

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Poison is written across a freshly allocated guest RAM buffer so a
// loader bug that leaves a region untouched shows up as this pattern
// in tests rather than as silent zeros.
const Poison = "\xde\xad\xbe\xef"

// ErrMemTooSmall is returned by New when the requested size is below the
// 64 MiB floor (spec.md §6, --mem default/floor).
var ErrMemTooSmall = errors.New("requested guest memory is below the 64 MiB floor")

// ErrMemTooLarge is returned by New when the requested size exceeds the
// ceiling chosen to resolve spec.md §9's open question about an upper
// bound on --mem.
var ErrMemTooLarge = errors.New("requested guest memory exceeds the configured ceiling")

// ErrOutOfRange is returned by ReadAt/WriteAt when the requested window
// falls outside [0, Size()).
var ErrOutOfRange = errors.New("address out of range of guest memory")

// MinSize is the minimum guest RAM size the monitor will configure.
const MinSize = 64 << 20

// MaxSize is the ceiling imposed per spec.md §9 ("implementations should
// impose a sane ceiling"); chosen generously (host RAM is rarely larger
// for this class of VM) rather than probing host memory at runtime, which
// would make New's behavior depend on unrelated host load.
const MaxSize = 64 << 30

// GuestMemory is the monitor's backing buffer for guest physical address
// space [0, size). It is page-aligned because KVM_SET_USER_MEMORY_REGION
// rejects misaligned host pointers (spec.md §4.1).
type GuestMemory struct {
	buf []byte
}

// New mmaps a page-aligned, zero-then-poisoned buffer of the given size.
func New(size uint64) (*GuestMemory, error) {
	if size < MinSize {
		return nil, ErrMemTooSmall
	}

	if size > MaxSize {
		return nil, ErrMemTooLarge
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	for i := range buf {
		buf[i] = Poison[i%len(Poison)]
	}

	return &GuestMemory{buf: buf}, nil
}

// Close unmaps the buffer. It must be called only after the VM handle
// that holds a reference into it has itself been closed (spec.md §5,
// "Lifetime").
func (g *GuestMemory) Close() error {
	if g.buf == nil {
		return nil
	}

	err := unix.Munmap(g.buf)
	g.buf = nil

	return err
}

// Bytes exposes the raw backing slice, e.g. for registering the KVM
// memory slot or the EBDA/BDA scratch writes during bring-up.
func (g *GuestMemory) Bytes() []byte {
	return g.buf
}

// Size returns the guest-physical RAM size, ram_size in spec.md §3.
func (g *GuestMemory) Size() uint64 {
	return uint64(len(g.buf))
}

// FlatToHost translates a guest-physical (linear) offset into a slice
// rooted at that offset. It does not fault on out-of-range offsets: an
// offset at or past the end of RAM yields an empty slice. Callers driven by
// guest-controlled addresses must pair it with HostInRAM (spec.md §4.1).
func (g *GuestMemory) FlatToHost(off uint64) []byte {
	if off > uint64(len(g.buf)) {
		return g.buf[len(g.buf):]
	}

	return g.buf[off:]
}

// SegOffToHost computes the real-mode linear address selector*16+offset
// and translates it the same way as FlatToHost.
func (g *GuestMemory) SegOffToHost(selector, offset uint16) []byte {
	linear := uint64(selector)<<4 + uint64(offset)

	return g.FlatToHost(linear)
}

// HostInRAM reports whether p (a slice previously returned by
// FlatToHost/SegOffToHost) still designates at least one in-range byte.
func (g *GuestMemory) HostInRAM(p []byte) bool {
	if len(g.buf) == 0 || len(p) == 0 {
		return false
	}

	return &p[0] == &g.buf[0] || (addrOf(p) >= addrOf(g.buf) && addrOf(p) < addrOf(g.buf)+uint64(len(g.buf)))
}

// ReadAt implements io.ReaderAt over guest-physical offsets.
func (g *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > g.Size() {
		return 0, ErrOutOfRange
	}

	n := copy(p, g.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt over guest-physical offsets.
func (g *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > g.Size() {
		return 0, ErrOutOfRange
	}

	n := copy(g.buf[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// addrOf returns the address of a slice's backing array without keeping
// it alive beyond the comparison the caller performs; GuestMemory's own
// buffer outlives every slice derived from it for the monitor's lifetime,
// so this is safe for the membership test HostInRAM performs.
func addrOf(p []byte) uint64 {
	if len(p) == 0 {
		return 0
	}

	return uint64(uintptr(ptrOf(p)))
}
