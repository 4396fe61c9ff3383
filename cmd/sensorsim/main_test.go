package main

import (
	"context"
	"net"
	"testing"
	"time"

	"codeberg.org/mutker/spacenose/internal/reading"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSendsDecodableReadings(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	conn, err := net.Dial("udp", server.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, run(context.Background(), conn, time.Millisecond, 3))

	buf := make([]byte, 1024)
	for want := int64(1); want <= 3; want++ {
		require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
		n, _, err := server.ReadFromUDP(buf)
		require.NoError(t, err)

		r, err := reading.Decode(buf[:n], time.Now(), "")
		require.NoError(t, err)
		assert.Equal(t, want, r.Counter)
		assert.InDelta(t, float64(r.ADC)/adcMax*reference, r.Voltage, 1e-9)
	}
}

func TestWalkStaysInRange(t *testing.T) {
	adc := int64(0)
	for i := 0; i < 1000; i++ {
		adc = walk(adc)
		assert.GreaterOrEqual(t, adc, int64(0))
		assert.Less(t, adc, int64(adcMax))
	}

	assert.Equal(t, int64(adcMax-1), walk(adcMax+100))
}
