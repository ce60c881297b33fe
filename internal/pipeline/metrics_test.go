package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipelineMetricsIsAProcessWideSingleton(t *testing.T) {
	require.Same(t, PipelineMetrics(), PipelineMetrics())
}
