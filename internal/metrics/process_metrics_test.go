package metrics

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleProcessSelf(t *testing.T) {
	u, err := SampleProcess(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.Greater(t, u.MemoryMB, 0.0)
	assert.GreaterOrEqual(t, u.CPUPercent, 0.0)
}

func TestSampleProcessInvalidPID(t *testing.T) {
	_, err := SampleProcess(0)
	assert.Error(t, err)
}
