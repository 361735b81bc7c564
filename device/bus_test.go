package device_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-lugoo/gokvm-mon/device"
)

type stubBus struct {
	port    uint16
	err     error
	handled bool
}

func (s stubBus) EmulateIO(port uint16, data []byte, _ device.Direction, _, _ uint32) (bool, error) {
	if port != s.port {
		return false, nil
	}

	if s.err != nil {
		return true, s.err
	}

	data[0] = 0xAA

	return true, nil
}

func (s stubBus) EmulateMMIO(_ uint64, _ []byte, _ bool) (bool, error) {
	return false, nil
}

func TestChainTriesNextBusWhenUnclaimed(t *testing.T) {
	chain := device.Chain{stubBus{port: 0x40}, stubBus{port: 0x80}}

	data := make([]byte, 1)
	handled, err := chain.EmulateIO(0x80, data, device.In, 1, 1)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, byte(0xAA), data[0])
}

func TestChainPropagatesErrorFromClaimingBus(t *testing.T) {
	wantErr := errors.New("boom")
	chain := device.Chain{stubBus{port: 0x40, err: wantErr}}

	_, err := chain.EmulateIO(0x40, make([]byte, 1), device.In, 1, 1)
	require.ErrorIs(t, err, wantErr)
}

func TestDefaultBusZeroFillsReads(t *testing.T) {
	var bus device.DefaultBus

	data := []byte{0xFF, 0xFF}
	handled, err := bus.EmulateIO(0x1234, data, device.In, 2, 1)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, []byte{0, 0}, data)
}

func TestDefaultBusDiscardsWrites(t *testing.T) {
	var bus device.DefaultBus

	data := []byte{0x42}
	handled, err := bus.EmulateIO(0x1234, data, device.Out, 1, 1)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, byte(0x42), data[0])
}
