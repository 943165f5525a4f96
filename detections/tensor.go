package detections

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape []int64, data []float32) (Tensor, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("negative dimension in shape %v", shape)
		}
		n *= d
	}
	if int64(len(data)) != n {
		return Tensor{}, fmt.Errorf("tensor data length %d does not match shape %v", len(data), shape)
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// Len returns the number of elements implied by Shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// allFinite reports whether no value is NaN or infinite.
func allFinite(vs ...float32) bool {
	for _, v := range vs {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Handle is an executable model bound to a fixed input shape. Run returns
// the graph outputs in declaration order.
type Handle interface {
	Run(input Tensor) ([]Tensor, error)
	Close() error
}
