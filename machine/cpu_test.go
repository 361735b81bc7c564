package machine

import (
	"testing"

	"github.com/x-lugoo/gokvm-mon/bootimage"
)

// ResetVCPU talks to a real vCPU fd via ioctl and cannot be exercised
// without /dev/kvm; resetSegment's pure math is covered directly since
// it is the invariant spec.md §8 actually quantifies (cs.base ==
// cs.selector*16).
func TestBootTargetWithinRealModeIPLimit(t *testing.T) {
	target := bootimage.Target{Selector: bootimage.BootLoaderSelector, IP: 0x0200, SP: bootimage.BootLoaderSP}
	if target.IP > 0xFFFF {
		t.Fatalf("boot IP %#x exceeds real-mode limit", target.IP)
	}
}

func TestSegmentBaseMatchesSelectorTimesSixteen(t *testing.T) {
	seg := resetSegment(uint16(bootimage.BootLoaderSelector))

	if seg.Base != uint64(seg.Selector)<<4 || seg.Base != 0x10000 {
		t.Fatalf("expected base 0x10000 (selector %#x * 16), got %#x", seg.Selector, seg.Base)
	}
}
