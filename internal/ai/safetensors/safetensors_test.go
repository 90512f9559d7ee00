package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFile(t *testing.T, header string, body []byte) []byte {
	t.Helper()
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)
	return append(out, body...)
}

func TestDecodeHalfPrecision(t *testing.T) {
	// 1.0, -2.0, 0.5 and the smallest subnormal in F16; 1.0 and -3.0 in BF16
	f16 := []byte{0x00, 0x3c, 0x00, 0xc0, 0x00, 0x38, 0x01, 0x00}
	bf16 := []byte{0x80, 0x3f, 0x40, 0xc0}
	header := `{"__metadata__":{"format":"pt"},` +
		`"half":{"dtype":"F16","shape":[2,2],"data_offsets":[0,8]},` +
		`"brain":{"dtype":"BF16","shape":[2],"data_offsets":[8,12]}}`

	tensors, err := Decode(rawFile(t, header, append(f16, bf16...)))
	require.NoError(t, err)
	require.Len(t, tensors, 2)

	half := tensors["half"]
	assert.Equal(t, []int{2, 2}, half.Shape)
	assert.Equal(t, float32(1), half.Data[0])
	assert.Equal(t, float32(-2), half.Data[1])
	assert.Equal(t, float32(0.5), half.Data[2])
	assert.InDelta(t, 5.960464477539063e-08, half.Data[3], 1e-15)

	assert.Equal(t, []float32{1, -3}, tensors["brain"].Data)
}

func TestEncodeThenDecode(t *testing.T) {
	in := map[string]*Tensor{
		"shared.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"final.weight":  {Shape: []int{3}, Data: []float32{0.25, -1, 8}},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "too short", data: []byte{1, 2}},
		{name: "header overflow", data: rawFile(t, `{}`, nil)[:9]},
		{name: "bad json", data: rawFile(t, `{"a":`, nil)},
		{name: "unknown dtype", data: rawFile(t, `{"a":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{name: "size mismatch", data: rawFile(t, `{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{name: "offset outside body", data: rawFile(t, `{"a":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, make([]byte, 4))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestLoadDirFollowsShardIndex(t *testing.T) {
	dir := t.TempDir()

	first, err := Encode(map[string]*Tensor{"a": {Shape: []int{1}, Data: []float32{1}}})
	require.NoError(t, err)
	second, err := Encode(map[string]*Tensor{"b": {Shape: []int{2}, Data: []float32{2, 3}}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "model-00001-of-00002.safetensors"), first, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model-00002-of-00002.safetensors"), second, 0o600))
	index := `{"weight_map":{"a":"model-00001-of-00002.safetensors","b":"model-00002-of-00002.safetensors"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte(index), 0o600))

	tensors, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, tensors["a"].Data)
	assert.Equal(t, []float32{2, 3}, tensors["b"].Data)
}

func TestLoadDirWithoutWeights(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.Error(t, err)
}
