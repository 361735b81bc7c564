package memory

import "unsafe"

// ptrOf returns the address of a byte slice's first element, used only
// for the pointer-range membership test in HostInRAM.
func ptrOf(p []byte) unsafe.Pointer {
	return unsafe.Pointer(&p[0])
}
