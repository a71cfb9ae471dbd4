package datadog

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sira/internal/metrics"
)

func TestNewBackend_RequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := NewBackend(Config{})
	require.Error(t, err)
}

func TestLabelsToTags(t *testing.T) {
	t.Parallel()

	assert.Nil(t, labelsToTags(nil))
	assert.Equal(t,
		[]string{"job:sira", "status:success", "step:join"},
		labelsToTags(metrics.Labels{"step": "join", "job": "sira", "status": "success"}),
	)
}

func TestBackend_SendsToAgent(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	b, err := NewBackend(Config{Addr: conn.LocalAddr().String(), Namespace: "sira."})
	require.NoError(t, err)

	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "projected"})
	b.ObserveHistogram(metrics.StepDuration, 0.25, metrics.Labels{"step": "retrieve"})
	require.NoError(t, b.Flush())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got strings.Builder
	buf := make([]byte, 8192)
	for !strings.Contains(got.String(), metrics.StepDuration) || !strings.Contains(got.String(), metrics.RecordsTotal) {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Contains(t, got.String(), "sira."+metrics.RecordsTotal+":3|c|#kind:projected")
	assert.Contains(t, got.String(), "sira."+metrics.StepDuration+":0.25|h|#step:retrieve")
}

func TestZeroValueBackendIsSafe(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	assert.NotPanics(t, func() {
		b.IncCounter("x", 1, nil)
		b.ObserveHistogram("x", 1, nil)
	})
	assert.NoError(t, b.Flush())
}
