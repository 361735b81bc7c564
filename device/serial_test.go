package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-lugoo/gokvm-mon/device"
)

func TestSerialTransmitsToOutChan(t *testing.T) {
	out := make(chan byte, 1)
	s := device.NewSerial8250(device.COM1Addr, out)

	handled, err := s.EmulateIO(device.COM1Addr, []byte{'A'}, device.Out, 1, 1)
	require.NoError(t, err)
	require.True(t, handled)

	select {
	case b := <-out:
		require.Equal(t, byte('A'), b)
	default:
		t.Fatal("expected transmitted byte on out channel")
	}
}

func TestSerialInputChanFeedsDataRegister(t *testing.T) {
	s := device.NewSerial8250(device.COM1Addr, nil)
	s.InputChan() <- 'Z'

	require.True(t, s.HasPendingInput())

	data := make([]byte, 1)
	handled, err := s.EmulateIO(device.COM1Addr, data, device.In, 1, 1)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, byte('Z'), data[0])
}

func TestSerialIgnoresPortsOutsideItsRange(t *testing.T) {
	s := device.NewSerial8250(device.COM1Addr, nil)

	handled, err := s.EmulateIO(0x2F8, []byte{0}, device.In, 1, 1)
	require.NoError(t, err)
	require.False(t, handled)
}

func TestSerialLineStatusReportsDataReady(t *testing.T) {
	s := device.NewSerial8250(device.COM1Addr, nil)
	s.InputChan() <- 'Q'

	data := make([]byte, 1)
	_, err := s.EmulateIO(device.COM1Addr+5, data, device.In, 1, 1)
	require.NoError(t, err)
	require.NotZero(t, data[0]&0x01)
}
