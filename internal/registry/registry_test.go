package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func TestRecordSeen_Overwrites(t *testing.T) {
	r := New()

	_, existed := r.RecordSeen("esp32-1", "192.168.1.10", 4000, 5, epoch)
	assert.False(t, existed)

	prev, existed := r.RecordSeen("esp32-1", "192.168.1.11", 4001, 6, epoch.Add(time.Second))
	require.True(t, existed)
	assert.Equal(t, int64(5), prev.PacketNumber)

	got, ok := r.Get("esp32-1")
	require.True(t, ok)
	assert.Equal(t, DeviceStatus{
		LastSeen:      epoch.Add(time.Second),
		RemoteAddress: "192.168.1.11",
		RemotePort:    4001,
		PacketNumber:  6,
	}, got)
}

func TestRecordSeen_OutOfOrderSequenceRegresses(t *testing.T) {
	r := New()
	r.RecordSeen("esp32-1", "10.0.0.1", 1, 100, epoch)
	r.RecordSeen("esp32-1", "10.0.0.1", 1, 42, epoch.Add(time.Second))

	got, _ := r.Get("esp32-1")
	assert.Equal(t, int64(42), got.PacketNumber, "last packet observed wins, not the highest sequence")
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := New()
	assert.NotNil(t, r.Snapshot())
	assert.Empty(t, r.Snapshot())

	r.RecordSeen("a", "10.0.0.1", 1, 1, epoch)
	snap := r.Snapshot()
	snap["b"] = DeviceStatus{}
	delete(snap, "a")

	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("a")
	assert.True(t, ok)
	_, ok = r.Get("b")
	assert.False(t, ok)
}

func TestDeviceStatus_JSON(t *testing.T) {
	b, err := json.Marshal(DeviceStatus{LastSeen: epoch, RemoteAddress: "10.0.0.1", RemotePort: 8888, PacketNumber: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lastSeen":"2026-10-19T09:00:00Z","remoteAddress":"10.0.0.1","remotePort":8888,"packetNumber":3}`, string(b))
}

func TestConcurrentRecordAndSnapshot(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.RecordSeen(fmt.Sprintf("dev-%d", w), "127.0.0.1", 1, int64(i), epoch)
				_ = r.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 4, r.Len())
	for w := 0; w < 4; w++ {
		s, ok := r.Get(fmt.Sprintf("dev-%d", w))
		require.True(t, ok)
		assert.Equal(t, int64(199), s.PacketNumber)
	}
}
