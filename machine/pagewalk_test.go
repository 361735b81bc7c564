package machine

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/x-lugoo/gokvm-mon/kvm"
	"github.com/x-lugoo/gokvm-mon/memory"
)

func newTestMonitor(t *testing.T) (*Monitor, *logrustest.Hook) {
	t.Helper()

	mem, err := memory.New(memory.MinSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	log, hook := logrustest.NewNullLogger()

	return &Monitor{mem: mem, log: logrus.NewEntry(log), run: &kvm.RunData{}}, hook
}

// putEntry writes a little-endian 8-byte page-table entry at addr.
func putEntry(mon *Monitor, addr uint64, entry uint64) {
	binary.LittleEndian.PutUint64(mon.mem.FlatToHost(addr)[:8], entry)
}

func TestLogPageWalkSkipsRealModeGuest(t *testing.T) {
	mon, hook := newTestMonitor(t)

	mon.logPageWalk(kvm.Sregs{CR0: 0}, kvm.Regs{RIP: 0x1000})

	require.Empty(t, hook.AllEntries())
}

func TestLogPageWalkResolvesFourLevels(t *testing.T) {
	mon, hook := newTestMonitor(t)

	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
		ptBase   = 0x4000
		phys     = 0x5000
	)

	linear := uint64(0) // every table index computed from linear=0 lands on index 0 of each table

	putEntry(mon, pml4Base, pdptBase|pagePresent)
	putEntry(mon, pdptBase, pdBase|pagePresent)
	putEntry(mon, pdBase, ptBase|pagePresent)
	putEntry(mon, ptBase, phys|pagePresent)

	sregs := kvm.Sregs{CR0: cr0ProtectedMode | cr0Paging, CR3: pml4Base}
	regs := kvm.Regs{RIP: linear}

	mon.logPageWalk(sregs, regs)

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "page table walk", entries[0].Message)
	require.Equal(t, "0x5000", entries[0].Data["phys"])
}

func TestLogPageWalkStopsAtNotPresentEntry(t *testing.T) {
	mon, hook := newTestMonitor(t)

	const pml4Base = 0x1000

	putEntry(mon, pml4Base, 0) // present bit clear

	sregs := kvm.Sregs{CR0: cr0ProtectedMode | cr0Paging, CR3: pml4Base}
	regs := kvm.Regs{RIP: 0}

	mon.logPageWalk(sregs, regs)

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "page walk: not present", entries[0].Message)
	require.Equal(t, "pml4", entries[0].Data["level"])
}
