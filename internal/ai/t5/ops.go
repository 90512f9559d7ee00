package t5

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type activation func(x float32) float32

var activations = map[string]activation{
	"relu": func(x float32) float32 {
		if x < 0 {
			return 0
		}
		return x
	},
	"gelu": func(x float32) float32 {
		v := float64(x)
		return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
	},
	"gelu_new": func(x float32) float32 {
		v := float64(x)
		return float32(0.5 * v * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(v+0.044715*v*v*v))))
	},
	"silu": func(x float32) float32 {
		v := float64(x)
		return float32(v / (1 + math.Exp(-v)))
	},
}

// dense is a linear layer weight stored as [out, in], the layout of torch.nn.Linear.
type dense struct {
	out, in int
	data    []float32
}

// apply computes x·Wᵀ for rows of x.
func (w dense) apply(x []float32, rows int) []float32 {
	out := make([]float32, rows*w.out)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: w.in, Stride: w.in, Data: x},
		blas32.General{Rows: w.out, Cols: w.in, Stride: w.in, Data: w.data},
		0,
		blas32.General{Rows: rows, Cols: w.out, Stride: w.out, Data: out},
	)
	return out
}

// rmsNorm is the T5 layer norm: scale only, no mean subtraction and no bias.
func rmsNorm(x []float32, rows int, weight []float32, eps float64) []float32 {
	width := len(weight)
	out := make([]float32, rows*width)
	for r := 0; r < rows; r++ {
		row := x[r*width : (r+1)*width]
		var sum float64
		for _, v := range row {
			sum += float64(v) * float64(v)
		}
		scale := float32(1 / math.Sqrt(sum/float64(width)+eps))
		dst := out[r*width : (r+1)*width]
		for i, v := range row {
			dst[i] = v * scale * weight[i]
		}
	}
	return out
}

func addInPlace(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// relativeBucket maps a key-minus-query distance to a position-bias bucket. Small distances
// get exact buckets, larger ones share logarithmically sized buckets up to maxDistance.
func relativeBucket(relative int, bidirectional bool, numBuckets, maxDistance int) int {
	bucket := 0
	n := numBuckets
	if bidirectional {
		n /= 2
		if relative > 0 {
			bucket += n
		}
		if relative < 0 {
			relative = -relative
		}
	} else {
		if relative > 0 {
			relative = 0
		}
		relative = -relative
	}

	maxExact := n / 2
	if relative < maxExact {
		return bucket + relative
	}

	large := maxExact + int(math.Log(float64(relative)/float64(maxExact))/
		math.Log(float64(maxDistance)/float64(maxExact))*float64(n-maxExact))
	if large > n-1 {
		large = n - 1
	}
	return bucket + large
}

// attendRow computes one head of unscaled dot-product attention for a single query row.
// keys and values hold n rows of the given stride; the head occupies [offset, offset+len(q)).
func attendRow(q, keys, values []float32, n, stride, offset int, bias []float32, out []float32) {
	dkv := len(q)
	scores := make([]float64, n)
	maxScore := math.Inf(-1)
	for j := 0; j < n; j++ {
		k := keys[j*stride+offset : j*stride+offset+dkv]
		var s float32
		for d, qv := range q {
			s += qv * k[d]
		}
		score := float64(s)
		if bias != nil {
			score += float64(bias[j])
		}
		scores[j] = score
		if score > maxScore {
			maxScore = score
		}
	}

	var sum float64
	for j, s := range scores {
		scores[j] = math.Exp(s - maxScore)
		sum += scores[j]
	}

	for d := range out[:dkv] {
		out[d] = 0
	}
	for j, p := range scores {
		weight := float32(p / sum)
		v := values[j*stride+offset : j*stride+offset+dkv]
		for d, vv := range v {
			out[d] += weight * vv
		}
	}
}
