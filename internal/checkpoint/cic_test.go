package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ftserver/internal/cluster"
)

func checkpointed(c *CIC, id cluster.EntityID, forced bool) cluster.CheckpointInfo {
	info := c.Info(id, 0, forced, 0)
	c.Checkpointed(id, info)
	return info
}

func TestCICIndex(t *testing.T) {
	c := NewCIC()
	assert.Equal(t, uint64(0), c.Index("A"))

	info := checkpointed(c, "A", false)
	assert.Equal(t, ProtocolCIC, info.Protocol)
	assert.Equal(t, uint64(1), info.Index)
	checkpointed(c, "A", false)
	assert.Equal(t, uint64(2), c.Index("A"))

	pb := c.Send("A", 3)
	assert.Equal(t, cluster.Piggyback{Sender: "A", Incarnation: 3, Index: 2}, pb)
}

func TestCICReceive(t *testing.T) {
	tests := []struct {
		name      string
		local     int
		remote    int
		wantForce bool
	}{
		{"sender ahead", 1, 3, true},
		{"same index", 2, 2, false},
		{"sender behind", 3, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCIC()
			for i := 0; i < tt.local; i++ {
				checkpointed(c, "B", false)
			}
			for i := 0; i < tt.remote; i++ {
				checkpointed(c, "A", false)
			}

			logFirst, force := c.Receive("B", c.Send("A", 1))
			assert.False(t, logFirst)
			assert.Equal(t, tt.wantForce, force)
			assert.Equal(t, tt.wantForce, c.NeedsCheckpoint("B"))
		})
	}
}

// TestCICForcedCheckpointAdoptsIndex tests that a forced checkpoint jumps
// to the highest index received
func TestCICForcedCheckpointAdoptsIndex(t *testing.T) {
	c := NewCIC()
	for i := 0; i < 5; i++ {
		checkpointed(c, "A", false)
	}
	checkpointed(c, "C", false)
	checkpointed(c, "C", false)

	_, force := c.Receive("B", c.Send("C", 1))
	require.True(t, force)
	_, force = c.Receive("B", c.Send("A", 1))
	require.True(t, force)

	info := checkpointed(c, "B", true)
	assert.True(t, info.Forced)
	assert.Equal(t, uint64(5), info.Index)
	assert.Equal(t, map[cluster.EntityID]uint64{"A": 5, "C": 2}, info.Dependencies)
	assert.False(t, c.NeedsCheckpoint("B"))

	// Dependencies restart after a checkpoint
	assert.Empty(t, c.Info("B", 0, false, 0).Dependencies)
}

func TestCICRecoveryLine(t *testing.T) {
	c := NewCIC()
	line, ok := c.RecoveryLine()
	assert.True(t, ok)
	assert.Equal(t, uint64(0), line)

	checkpointed(c, "A", false)
	checkpointed(c, "A", false)
	checkpointed(c, "B", false)
	line, _ = c.RecoveryLine()
	assert.Equal(t, uint64(1), line)

	c.Forget("B")
	line, _ = c.RecoveryLine()
	assert.Equal(t, uint64(2), line)

	c.Reset()
	assert.Equal(t, uint64(0), c.Index("A"))
}

func TestCICOutputCommitted(t *testing.T) {
	c := NewCIC()
	assert.False(t, c.NeedsCheckpoint("A"))
	c.OutputCommitted("A")
	assert.True(t, c.NeedsCheckpoint("A"))
	checkpointed(c, "A", false)
	assert.False(t, c.NeedsCheckpoint("A"))
}
