package varscope

import (
	"math"

	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer fills the storage of a freshly created variable.
//
// Initializers work on host memory so the same initializer serves every
// parameter device. The store copies the filled buffer onto its backend.
type Initializer interface {
	Fill(data []float32, shape tensor.Shape)
}

// InitializerFunc adapts a function to the Initializer interface.
type InitializerFunc func(data []float32, shape tensor.Shape)

// Fill calls f(data, shape).
func (f InitializerFunc) Fill(data []float32, shape tensor.Shape) {
	f(data, shape)
}

// Zeros initializes every element to 0.
//
// Commonly used for biases and batch-norm offsets.
func Zeros() Initializer {
	return Constant(0)
}

// Ones initializes every element to 1.
func Ones() Initializer {
	return Constant(1)
}

// Constant initializes every element to v.
func Constant(v float32) Initializer {
	return InitializerFunc(func(data []float32, _ tensor.Shape) {
		for i := range data {
			data[i] = v
		}
	})
}

// GlorotUniform draws from U(-limit, limit) with
// limit = sqrt(6 / (fan_in + fan_out)).
//
// For a matrix [in, out], fan_in = in and fan_out = out. Vectors use their
// length for both. Higher ranks multiply the last two dims by the product of
// the leading (receptive field) dims.
//
// This is the default initializer when none is given.
func GlorotUniform() Initializer {
	return InitializerFunc(func(data []float32, shape tensor.Shape) {
		fanIn, fanOut := computeFans(shape)
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		dist := distuv.Uniform{Min: -limit, Max: limit}
		for i := range data {
			data[i] = float32(dist.Rand())
		}
	})
}

// RandomUniform draws from U(minVal, maxVal).
func RandomUniform(minVal, maxVal float32) Initializer {
	return InitializerFunc(func(data []float32, _ tensor.Shape) {
		dist := distuv.Uniform{Min: float64(minVal), Max: float64(maxVal)}
		for i := range data {
			data[i] = float32(dist.Rand())
		}
	})
}

// TruncatedNormal draws from N(mean, stddev²), redrawing any value more than
// two standard deviations away from the mean.
func TruncatedNormal(mean, stddev float32) Initializer {
	return InitializerFunc(func(data []float32, _ tensor.Shape) {
		if stddev <= 0 {
			for i := range data {
				data[i] = mean
			}
			return
		}
		dist := distuv.Normal{Mu: float64(mean), Sigma: float64(stddev)}
		bound := 2 * float64(stddev)
		for i := range data {
			v := dist.Rand()
			for math.Abs(v-float64(mean)) > bound {
				v = dist.Rand()
			}
			data[i] = float32(v)
		}
	})
}

func computeFans(shape tensor.Shape) (fanIn, fanOut int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	case 2:
		return shape[0], shape[1]
	}

	receptive := 1
	for _, d := range shape[:len(shape)-2] {
		receptive *= d
	}
	return shape[len(shape)-2] * receptive, shape[len(shape)-1] * receptive
}
