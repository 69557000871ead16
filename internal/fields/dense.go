package fields

import (
	"fmt"
	"math/cmplx"
	"slices"
)

// Dense is an n-dimensional complex tensor stored in row-major order.
type Dense struct {
	shape []int
	data  []complex128
}

// Zeros returns a zero-filled tensor with the given shape. Every dimension
// must be positive.
func Zeros(shape ...int) *Dense {
	n := 1
	for _, d := range shape {
		if d < 1 {
			panic(fmt.Sprintf("fields: non-positive dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return &Dense{shape: slices.Clone(shape), data: make([]complex128, n)}
}

// NewDense wraps data as a tensor with the given shape. The data length
// must equal the shape's element count.
func NewDense(shape []int, data []complex128) (*Dense, error) {
	n := 1
	for _, d := range shape {
		if d < 1 {
			return nil, fmt.Errorf("fields: non-positive dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("fields: %d values for shape %v (want %d)", len(data), shape, n)
	}
	return &Dense{shape: slices.Clone(shape), data: slices.Clone(data)}, nil
}

// Shape returns the tensor dimensions.
func (d *Dense) Shape() []int { return slices.Clone(d.shape) }

// Len returns the total element count.
func (d *Dense) Len() int { return len(d.data) }

// At returns the element at the given multi-index.
func (d *Dense) At(idx ...int) complex128 { return d.data[d.offset(idx)] }

// Set stores v at the given multi-index.
func (d *Dense) Set(v complex128, idx ...int) { d.data[d.offset(idx)] = v }

// Data returns the backing slice (not a copy) in row-major order.
func (d *Dense) Data() []complex128 { return d.data }

func (d *Dense) offset(idx []int) int {
	if len(idx) != len(d.shape) {
		panic(fmt.Sprintf("fields: index rank %d against shape %v", len(idx), d.shape))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= d.shape[i] {
			panic(fmt.Sprintf("fields: index %v out of range for shape %v", idx, d.shape))
		}
		off = off*d.shape[i] + x
	}
	return off
}

func (d *Dense) zerosLike() *Dense {
	return &Dense{shape: slices.Clone(d.shape), data: make([]complex128, len(d.data))}
}

// Clone returns a deep copy.
func (d *Dense) Clone() Container {
	return &Dense{shape: slices.Clone(d.shape), data: slices.Clone(d.data)}
}

func (d *Dense) Add(o Container) (Container, error) { return d.binary(o, opAdd) }
func (d *Dense) Sub(o Container) (Container, error) { return d.binary(o, opSub) }
func (d *Dense) Mul(o Container) (Container, error) { return d.binary(o, opMul) }
func (d *Dense) Div(o Container) (Container, error) { return d.binary(o, opDiv) }

// binary applies code elementwise. Scalars broadcast everywhere; a rank-1
// operand whose length equals this tensor's leading dimension broadcasts
// along the source axis.
func (d *Dense) binary(o Container, code opCode) (Container, error) {
	switch rhs := o.(type) {
	case Scalar:
		out := d.zerosLike()
		for i, v := range d.data {
			out.data[i] = code.apply(v, complex128(rhs))
		}
		return out, nil
	case *Dense:
		if slices.Equal(d.shape, rhs.shape) {
			out := d.zerosLike()
			for i, v := range d.data {
				out.data[i] = code.apply(v, rhs.data[i])
			}
			return out, nil
		}
		if len(rhs.shape) == 1 && len(d.shape) > 1 && rhs.shape[0] == d.shape[0] {
			// Leading-axis broadcast: one rhs value per source index.
			out := d.zerosLike()
			inner := len(d.data) / d.shape[0]
			for i, v := range d.data {
				out.data[i] = code.apply(v, rhs.data[i/inner])
			}
			return out, nil
		}
		return nil, fmt.Errorf("fields: shape mismatch %v %s %v", d.shape, code, rhs.shape)
	}
	return nil, fmt.Errorf("fields: unsupported operand %T", o)
}

// Conj returns the elementwise complex conjugate.
func (d *Dense) Conj() Container {
	out := d.zerosLike()
	for i, v := range d.data {
		out.data[i] = cmplx.Conj(v)
	}
	return out
}

// SumAxis sums along axis, removing it from the shape. Summing the only
// axis of a rank-1 tensor yields a [Scalar].
func (d *Dense) SumAxis(axis int) (Container, error) {
	if axis < 0 || axis >= len(d.shape) {
		return nil, fmt.Errorf("fields: axis %d out of range for shape %v", axis, d.shape)
	}
	if len(d.shape) == 1 {
		return Scalar(d.SumAll()), nil
	}

	outShape := make([]int, 0, len(d.shape)-1)
	outShape = append(outShape, d.shape[:axis]...)
	outShape = append(outShape, d.shape[axis+1:]...)
	out := Zeros(outShape...)

	// Row-major strides: outer block × axis × inner block.
	inner := 1
	for _, dim := range d.shape[axis+1:] {
		inner *= dim
	}
	outer := len(d.data) / (inner * d.shape[axis])
	for o := 0; o < outer; o++ {
		for a := 0; a < d.shape[axis]; a++ {
			base := (o*d.shape[axis] + a) * inner
			for i := 0; i < inner; i++ {
				out.data[o*inner+i] += d.data[base+i]
			}
		}
	}
	return out, nil
}

// SumAll sums every element.
func (d *Dense) SumAll() complex128 {
	var sum complex128
	for _, v := range d.data {
		sum += v
	}
	return sum
}

// Real projects onto the real part.
func (d *Dense) Real() Container {
	out := d.zerosLike()
	for i, v := range d.data {
		out.data[i] = complex(real(v), 0)
	}
	return out
}
