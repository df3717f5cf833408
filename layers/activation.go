// Package layers holds instrumented network layers used to inspect the
// activations flowing through a model.
package layers

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Activation is a dense NCHW float32 tensor.
type Activation struct {
	N, C, H, W int
	Data       []float32
}

// NewActivation allocates a zeroed activation.
func NewActivation(n, c, h, w int) *Activation {
	return &Activation{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// NewActivationFromData wraps data, which must hold n*c*h*w values in NCHW
// order. The slice is not copied.
func NewActivationFromData(n, c, h, w int, data []float32) (*Activation, error) {
	if n < 0 || c < 0 || h < 0 || w < 0 {
		return nil, fmt.Errorf("negative dimension in [%d, %d, %d, %d]", n, c, h, w)
	}
	if len(data) != n*c*h*w {
		return nil, fmt.Errorf("data has %d values, shape [%d, %d, %d, %d] needs %d", len(data), n, c, h, w, n*c*h*w)
	}
	return &Activation{N: n, C: c, H: h, W: w, Data: data}, nil
}

// Index returns the flat offset of element (n, c, h, w).
func (a *Activation) Index(n, c, h, w int) int {
	return ((n*a.C+c)*a.H+h)*a.W + w
}

// At returns element (n, c, h, w).
func (a *Activation) At(n, c, h, w int) float32 { return a.Data[a.Index(n, c, h, w)] }

// Clone returns a deep copy.
func (a *Activation) Clone() *Activation {
	out := *a
	out.Data = append([]float32(nil), a.Data...)
	return &out
}

// Shape returns the dimensions as [N, C, H, W].
func (a *Activation) Shape() [4]int { return [4]int{a.N, a.C, a.H, a.W} }

// ToGomlx converts the activation into a gomlx tensor of the same shape.
func (a *Activation) ToGomlx() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(a.Data, a.N, a.C, a.H, a.W)
}

// ActivationFromGomlx copies a rank 4 float32 gomlx tensor.
func ActivationFromGomlx(t *tensors.Tensor) (*Activation, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	v, ok := t.Value().([][][][]float32)
	if !ok {
		return nil, fmt.Errorf("expected a rank 4 float32 tensor, got %T", t.Value())
	}
	a := &Activation{N: len(v)}
	if a.N > 0 {
		a.C = len(v[0])
	}
	if a.C > 0 {
		a.H = len(v[0][0])
	}
	if a.H > 0 {
		a.W = len(v[0][0][0])
	}
	a.Data = make([]float32, 0, a.N*a.C*a.H*a.W)
	for _, img := range v {
		for _, plane := range img {
			for _, row := range plane {
				a.Data = append(a.Data, row...)
			}
		}
	}
	return a, nil
}
