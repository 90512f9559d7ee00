// Package safetensors reads model weights stored in the safetensors format and converts
// them to float32.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

const (
	// SingleFile is the weights file name of unsharded checkpoints.
	SingleFile = "model.safetensors"
	// IndexFile maps tensor names to shard files in sharded checkpoints.
	IndexFile = "model.safetensors.index.json"

	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Len returns the number of elements described by the shape.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type entry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

type index struct {
	WeightMap map[string]string `json:"weight_map"`
}

// LoadDir reads every tensor of the checkpoint in dir, following the shard index when the
// single-file checkpoint is absent.
func LoadDir(dir string) (map[string]*Tensor, error) {
	single := filepath.Join(dir, SingleFile)
	if _, err := os.Stat(single); err == nil {
		return ReadFile(single)
	}

	raw, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("no %s or %s in %s: %w", SingleFile, IndexFile, dir, err)
	}

	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
	}

	shards := make(map[string]struct{})
	for _, shard := range idx.WeightMap {
		shards[shard] = struct{}{}
	}
	names := make([]string, 0, len(shards))
	for shard := range shards {
		names = append(names, shard)
	}
	sort.Strings(names)

	tensors := make(map[string]*Tensor)
	for _, shard := range names {
		part, err := ReadFile(filepath.Join(dir, shard))
		if err != nil {
			return nil, err
		}
		for name, t := range part {
			tensors[name] = t
		}
	}

	return tensors, nil
}

// ReadFile reads a single safetensors file.
func ReadFile(path string) (map[string]*Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	tensors, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return tensors, nil
}

// Decode parses an in-memory safetensors payload.
func Decode(data []byte) (map[string]*Tensor, error) {
	if len(data) < 8 {
		return nil, errors.New("file too short for header length")
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderSize || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	body := data[8+headerLen:]
	tensors := make(map[string]*Tensor, len(header))
	for name, raw := range header {
		if name == metadataKey {
			continue
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parse entry %q: %w", name, err)
		}

		t, err := decodeTensor(e, body)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		tensors[name] = t
	}

	return tensors, nil
}

func decodeTensor(e entry, body []byte) (*Tensor, error) {
	begin, end := e.DataOffsets[0], e.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(body)) {
		return nil, fmt.Errorf("offsets [%d, %d] outside data section of %d bytes", begin, end, len(body))
	}
	raw := body[begin:end]

	t := &Tensor{Shape: append([]int(nil), e.Shape...)}
	n := t.Len()

	var width int
	switch e.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, fmt.Errorf("unsupported dtype %s", e.DType)
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("%d bytes for %d %s elements", len(raw), n, e.DType)
	}

	t.Data = make([]float32, n)
	for i := range t.Data {
		switch e.DType {
		case "F32":
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		case "F16":
			t.Data[i] = halfToFloat32(binary.LittleEndian.Uint16(raw[2*i:]))
		case "BF16":
			t.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16)
		}
	}

	return t, nil
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalise the mantissa
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// Encode serialises tensors as F32 safetensors with names in sorted order.
func Encode(tensors map[string]*Tensor) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]entry, len(names))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		if len(t.Data) != t.Len() {
			return nil, fmt.Errorf("tensor %q has %d values for shape %v", name, len(t.Data), t.Shape)
		}
		size := int64(4 * len(t.Data))
		header[name] = entry{DType: "F32", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	rawHeader, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	out := make([]byte, 8, 8+len(rawHeader)+int(offset))
	binary.LittleEndian.PutUint64(out, uint64(len(rawHeader)))
	out = append(out, rawHeader...)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}

	return out, nil
}
