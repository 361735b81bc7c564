package machine_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-lugoo/gokvm-mon/device"
	"github.com/x-lugoo/gokvm-mon/machine"
	"github.com/x-lugoo/gokvm-mon/memory"
)

// These exercise the monitor end-to-end against the real /dev/kvm
// device and therefore only run as root with KVM available, mirroring
// the teacher's own root-gated integration test.
func requireKVM(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("requires /dev/kvm")
	}
}

func TestNewProbesCapabilitiesAndAllocatesMemory(t *testing.T) {
	requireKVM(t)

	m, err := machine.New("/dev/kvm", memory.MinSize)
	require.NoError(t, err)
	defer m.Close()
}

func TestBootFlatBinaryHaltRecoversLocally(t *testing.T) {
	requireKVM(t)

	m, err := machine.New("/dev/kvm", memory.MinSize, machine.WithBus(device.DefaultBus{}))
	require.NoError(t, err)
	defer m.Close()

	// hlt
	kern := bytes.NewReader([]byte{0xF4})

	require.NoError(t, m.Boot(kern, nil, ""))

	// HLT is not a terminal exit: the guest idled and the run loop
	// should be told to keep going (spec.md §4.6/§7), not stop. Run()
	// itself isn't exercised here since nothing in this scenario ever
	// injects the interrupt that would make the halted guest progress.
	cont, err := m.RunOnce()
	require.NoError(t, err)
	require.True(t, cont)
}

func TestBootPortIODispatchesToBus(t *testing.T) {
	requireKVM(t)

	bus := device.NewSerial8250(device.COM1Addr, make(chan byte, 16))

	m, err := machine.New("/dev/kvm", memory.MinSize, machine.WithBus(device.Chain{bus, device.DefaultBus{}}))
	require.NoError(t, err)
	defer m.Close()

	// mov al, 'A'; mov dx, 0x3f8; out dx, al; hlt
	program := []byte{0xB0, 'A', 0xBA, 0xF8, 0x03, 0xEE, 0xF4}
	kern := bytes.NewReader(program)

	require.NoError(t, m.Boot(kern, nil, ""))

	cont, err := m.RunOnce()
	require.NoError(t, err)
	require.True(t, cont)

	cont, err = m.RunOnce()
	require.NoError(t, err)
	require.True(t, cont)
}
