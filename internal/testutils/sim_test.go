package testutils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/nusport/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimCentral_ScanAdvertisesThenWaits(t *testing.T) {
	p1 := NewSimPeripheral("A", "00:01")
	p2 := NewSimPeripheral("", "00:02").WithRSSI(-80)
	c := NewSimCentral().AddPeripheral(p1, p2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var seen []device.ScanResult
	start := time.Now()
	require.NoError(t, c.Scan(ctx, func(r device.ScanResult) { seen = append(seen, r) }))

	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "scan MUST last until the context ends")
	require.Len(t, seen, 2)
	assert.Equal(t, "A", seen[0].Peripheral.Name())
	assert.Equal(t, -80, seen[1].RSSI)
	assert.Equal(t, 1, c.ScanCount())
}

func TestSimPeripheral_ConnectAndDiscover(t *testing.T) {
	p, _, _ := NewNUSPeripheral("DEV1", "00:01")

	_, err := p.Services(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)

	require.NoError(t, p.Connect(context.Background()))
	assert.ErrorIs(t, p.Connect(context.Background()), device.ErrAlreadyConnected)

	svcs, err := p.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, svcs, 1)
	chars, err := svcs[0].Characteristics(context.Background())
	require.NoError(t, err)
	assert.Len(t, chars, 2)

	require.NoError(t, p.Disconnect())
	assert.False(t, p.IsConnected())
	assert.Equal(t, 1, p.DisconnectCount())
}

func TestSimPeripheral_ConnectHang(t *testing.T) {
	p := NewSimPeripheral("DEV1", "00:01").WithConnectHang(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, p.Connect(ctx), context.DeadlineExceeded)
	assert.False(t, p.IsConnected())
}

func TestSimCharacteristic_EchoAndSubscriptions(t *testing.T) {
	_, rx, tx := NewNUSPeripheral("DEV1", "00:01")

	var got [][]byte
	sub, err := tx.Notify(true, func(b []byte) { got = append(got, b) })
	require.NoError(t, err)
	assert.False(t, sub.Indicated(), "notify-only TX MUST NOT report indications")

	require.NoError(t, rx.Write(context.Background(), []byte("ping"), false))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, rx.Write(context.Background(), []byte("late"), true))

	assert.Equal(t, [][]byte{[]byte("ping")}, got)
	assert.Equal(t, [][]byte{[]byte("ping"), []byte("late")}, rx.WrittenChunks())
	assert.True(t, rx.Writes()[1].WithResponse)
	assert.Equal(t, 0, tx.ActiveSubscriptions())
	assert.Equal(t, 1, tx.MaxActiveSubscriptions())
	assert.Equal(t, 1, tx.TotalSubscriptions())
}

func TestSimCharacteristic_WriteFaults(t *testing.T) {
	boom := errors.New("boom")
	c := NewSimCharacteristic(NUSRX, device.PropWrite).WithWriteError(1, boom)

	require.NoError(t, c.Write(context.Background(), []byte("a"), true))
	assert.ErrorIs(t, c.Write(context.Background(), []byte("b"), true), boom)
	assert.Len(t, c.Writes(), 1, "failed write MUST NOT be recorded")

	h := NewSimCharacteristic(NUSRX, device.PropWrite).WithWriteHang(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Write(ctx, []byte("x"), true), context.DeadlineExceeded)
}
