package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacketStats_LogStats(t *testing.T) {
	logs := captureLogs(t)
	ps := NewPacketStats()

	ps.LogStats()
	assert.Empty(t, logs.Lines(), "idle interval should not log")

	ps.AddPacket(100)
	ps.AddPacket(50)
	ps.AddSample()
	ps.AddDecodeError()
	ps.AddDropped()
	time.Sleep(5 * time.Millisecond)
	ps.LogStats()

	assert.True(t, logs.Contains("[ingest] stats (/sec)"))
	assert.True(t, logs.Contains("1 rejected"))
	assert.True(t, logs.Contains("1 dropped on log queue"))

	// Counters stay cumulative; only the logged rate resets.
	ps.LogStats()
	assert.Len(t, logs.Lines(), 1)
	snap := ps.Snapshot()
	assert.Equal(t, int64(2), snap.Received)
	assert.Equal(t, int64(150), snap.Bytes)
	assert.Equal(t, int64(1), snap.Samples)
}
