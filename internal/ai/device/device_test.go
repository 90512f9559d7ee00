package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAccelerator(kind Kind) bool { return kind == KindCPU || kind == KindCUDA }

func TestSelect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		preference string
		detect     Detector
		expect     Kind
		wantErr    bool
	}{
		{name: "auto falls back to cpu", preference: "auto", detect: CPUOnly, expect: KindCPU},
		{name: "empty means auto", preference: "", detect: nil, expect: KindCPU},
		{name: "auto prefers accelerator", preference: "AUTO", detect: withAccelerator, expect: KindCUDA},
		{name: "explicit cpu", preference: " cpu ", detect: withAccelerator, expect: KindCPU},
		{name: "explicit cuda", preference: "cuda", detect: withAccelerator, expect: KindCUDA},
		{name: "missing accelerator", preference: "cuda", detect: CPUOnly, wantErr: true},
		{name: "unknown device", preference: "tpu", detect: CPUOnly, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dev, err := Select(tt.preference, 2, tt.detect)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, dev.Kind())
			assert.Equal(t, 2, dev.Threads())
		})
	}
}

func TestSelectDefaultsThreads(t *testing.T) {
	dev, err := Select("cpu", 0, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dev.Threads(), 1)
	assert.Contains(t, dev.String(), "cpu")
}

func TestParallelForVisitsEveryIndex(t *testing.T) {
	dev, err := Select("cpu", 3, nil)
	require.NoError(t, err)

	var sum atomic.Int64
	seen := make([]int32, 50)
	dev.ParallelFor(len(seen), func(i int) {
		atomic.AddInt32(&seen[i], 1)
		sum.Add(int64(i))
	})

	for i, n := range seen {
		assert.Equal(t, int32(1), n, "index %d", i)
	}
	assert.Equal(t, int64(49*50/2), sum.Load())
}
