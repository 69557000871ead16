// Package fields implements the arithmetic containers that cluster
// collectives operate on.
//
// A [Container] supports the elementwise operations the reduction
// machinery needs: addition, subtraction, multiplication, division,
// complex conjugation, axis sums, and a real-part projection. [Dense] is
// an n-dimensional complex tensor; [Scalar] wraps a single value;
// [Reducer] is the keyed merging container that combines per-subproblem
// results from multiple workers into one aggregate.
package fields

import (
	"fmt"
	"math/cmplx"
)

// Container is the arithmetic contract shared by all field storage types.
// Binary operations broadcast a [Scalar] operand against any shape, and a
// rank-1 operand along the leading axis of a higher-rank operand (the
// source axis). All other shape mismatches are errors.
type Container interface {
	// Shape returns the dimensions of the container. Scalars return nil.
	Shape() []int

	// Clone returns a deep copy.
	Clone() Container

	Add(o Container) (Container, error)
	Sub(o Container) (Container, error)
	Mul(o Container) (Container, error)
	Div(o Container) (Container, error)

	// Conj returns the elementwise complex conjugate.
	Conj() Container

	// SumAxis sums along the given axis, removing it from the shape.
	SumAxis(axis int) (Container, error)

	// SumAll sums every element into a single value.
	SumAll() complex128

	// Real projects onto the real part (imaginary parts zeroed).
	Real() Container
}

// Scalar is a single complex value satisfying [Container].
type Scalar complex128

// Shape returns nil: scalars are rank zero.
func (s Scalar) Shape() []int { return nil }

// Clone returns the scalar itself (value type).
func (s Scalar) Clone() Container { return s }

func (s Scalar) Add(o Container) (Container, error) { return scalarOp(s, o, opAdd) }
func (s Scalar) Sub(o Container) (Container, error) { return scalarOp(s, o, opSub) }
func (s Scalar) Mul(o Container) (Container, error) { return scalarOp(s, o, opMul) }
func (s Scalar) Div(o Container) (Container, error) { return scalarOp(s, o, opDiv) }

// Conj returns the complex conjugate.
func (s Scalar) Conj() Container { return Scalar(cmplx.Conj(complex128(s))) }

// SumAxis fails: scalars have no axes.
func (s Scalar) SumAxis(axis int) (Container, error) {
	return nil, fmt.Errorf("fields: scalar has no axis %d", axis)
}

// SumAll returns the wrapped value.
func (s Scalar) SumAll() complex128 { return complex128(s) }

// Real zeroes the imaginary part.
func (s Scalar) Real() Container { return Scalar(complex(real(complex128(s)), 0)) }

// elementwise op codes shared by all containers.
type opCode int

const (
	opAdd opCode = iota
	opSub
	opMul
	opDiv
)

func (c opCode) apply(a, b complex128) complex128 {
	switch c {
	case opAdd:
		return a + b
	case opSub:
		return a - b
	case opMul:
		return a * b
	default:
		return a / b
	}
}

func (c opCode) String() string {
	switch c {
	case opAdd:
		return "+"
	case opSub:
		return "-"
	case opMul:
		return "*"
	default:
		return "/"
	}
}

// parseOp maps an operator symbol to its code. Supported: + - * /.
func parseOp(op string) (opCode, error) {
	switch op {
	case "+":
		return opAdd, nil
	case "-":
		return opSub, nil
	case "*":
		return opMul, nil
	case "/":
		return opDiv, nil
	}
	return 0, fmt.Errorf("fields: unknown operator %q", op)
}

// Apply evaluates "a op b" for op in + - * /.
func Apply(op string, a, b Container) (Container, error) {
	code, err := parseOp(op)
	if err != nil {
		return nil, err
	}
	switch code {
	case opAdd:
		return a.Add(b)
	case opSub:
		return a.Sub(b)
	case opMul:
		return a.Mul(b)
	default:
		return a.Div(b)
	}
}

// scalarOp applies s op o, dispatching on the right operand's type.
func scalarOp(s Scalar, o Container, code opCode) (Container, error) {
	switch rhs := o.(type) {
	case Scalar:
		return Scalar(code.apply(complex128(s), complex128(rhs))), nil
	case *Dense:
		out := rhs.zerosLike()
		for i, v := range rhs.data {
			out.data[i] = code.apply(complex128(s), v)
		}
		return out, nil
	case *Reducer:
		return rhs.mapped(func(c Container) (Container, error) {
			return scalarOp(s, c, code)
		})
	}
	return nil, fmt.Errorf("fields: unsupported operand %T", o)
}

// Sqrt returns the elementwise complex square root.
func Sqrt(c Container) (Container, error) {
	switch v := c.(type) {
	case Scalar:
		return Scalar(cmplx.Sqrt(complex128(v))), nil
	case *Dense:
		out := v.zerosLike()
		for i, x := range v.data {
			out.data[i] = cmplx.Sqrt(x)
		}
		return out, nil
	case *Reducer:
		return v.mapped(Sqrt)
	}
	return nil, fmt.Errorf("fields: unsupported operand %T", c)
}

// SumTrailing sums every axis except the leading one, producing a rank-1
// container over the source axis. Rank-0 and rank-1 inputs are returned
// unchanged (as clones).
func SumTrailing(c Container) (Container, error) {
	if r, ok := c.(*Reducer); ok {
		return r.mapped(SumTrailing)
	}
	cur := c.Clone()
	for len(cur.Shape()) > 1 {
		next, err := cur.SumAxis(len(cur.Shape()) - 1)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
