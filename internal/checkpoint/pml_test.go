package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/ftserver/internal/cluster"
)

func TestPML(t *testing.T) {
	p := NewPML()
	assert.Equal(t, ProtocolPML, p.Name())

	logFirst, force := p.Receive("B", cluster.Piggyback{Sender: "A", Index: 9})
	assert.True(t, logFirst)
	assert.False(t, force)

	info := p.Info("B", 3, true, 17)
	assert.Equal(t, cluster.CheckpointInfo{Protocol: ProtocolPML, LogCursor: 17, Forced: true}, info)

	p.OutputCommitted("B")
	assert.False(t, p.NeedsCheckpoint("B"))

	_, ok := p.RecoveryLine()
	assert.False(t, ok)
}
