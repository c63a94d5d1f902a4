package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePrometheus(t *testing.T) {
	WorkersRunning.WithLabelValues("agent-test").Set(2)
	HeartbeatsTotal.WithLabelValues("ok").Inc()

	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, `edge_agent_workers_running{agent_id="agent-test"} 2`)
	assert.Contains(t, out, "edge_agent_heartbeats_total")
}
