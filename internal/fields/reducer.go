package fields

import (
	"fmt"
	"slices"
)

// Reducer is the keyed merging container: a mapping from subproblem
// identity to a per-key [Container]. Adding two Reducers merges them —
// keys present on both sides add elementwise, keys present on one side
// carry over — which is what lets per-worker partial fields fold into a
// single cluster-wide aggregate.
type Reducer struct {
	items map[string]Container
}

// NewReducer returns a Reducer holding copies of the given items.
func NewReducer(items map[string]Container) *Reducer {
	r := &Reducer{items: make(map[string]Container, len(items))}
	for k, v := range items {
		r.items[k] = v.Clone()
	}
	return r
}

// Keys returns the item keys in sorted order.
func (r *Reducer) Keys() []string {
	keys := make([]string, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Item returns the container stored under key, or (nil, false).
func (r *Reducer) Item(key string) (Container, bool) {
	c, ok := r.items[key]
	return c, ok
}

// Len returns the number of keys.
func (r *Reducer) Len() int { return len(r.items) }

// Shape returns nil: a Reducer has no single tensor shape.
func (r *Reducer) Shape() []int { return nil }

// Clone returns a deep copy.
func (r *Reducer) Clone() Container { return NewReducer(r.items) }

// Add merges two Reducers: shared keys add elementwise, one-sided keys
// carry over unchanged. A scalar operand broadcasts across all keys.
func (r *Reducer) Add(o Container) (Container, error) {
	if s, ok := o.(Scalar); ok {
		return r.mapped(func(c Container) (Container, error) { return c.Add(s) })
	}
	rhs, ok := o.(*Reducer)
	if !ok {
		return nil, fmt.Errorf("fields: cannot add %T to keyed container", o)
	}
	out := NewReducer(r.items)
	for k, v := range rhs.items {
		if mine, exists := out.items[k]; exists {
			sum, err := mine.Add(v)
			if err != nil {
				return nil, fmt.Errorf("fields: merging key %q: %w", k, err)
			}
			out.items[k] = sum
		} else {
			out.items[k] = v.Clone()
		}
	}
	return out, nil
}

func (r *Reducer) Sub(o Container) (Container, error) { return r.keyedBinary(o, opSub) }
func (r *Reducer) Mul(o Container) (Container, error) { return r.keyedBinary(o, opMul) }
func (r *Reducer) Div(o Container) (Container, error) { return r.keyedBinary(o, opDiv) }

// keyedBinary applies code per key. Unlike Add, both sides must hold the
// same key set: a one-sided key in a difference or quotient has no
// meaningful value. Scalars broadcast across all keys.
func (r *Reducer) keyedBinary(o Container, code opCode) (Container, error) {
	if s, ok := o.(Scalar); ok {
		return r.mapped(func(c Container) (Container, error) {
			switch code {
			case opSub:
				return c.Sub(s)
			case opMul:
				return c.Mul(s)
			default:
				return c.Div(s)
			}
		})
	}
	rhs, ok := o.(*Reducer)
	if !ok {
		return nil, fmt.Errorf("fields: cannot apply %s between keyed container and %T", code, o)
	}
	if len(r.items) != len(rhs.items) {
		return nil, fmt.Errorf("fields: key sets differ: %d vs %d keys", len(r.items), len(rhs.items))
	}
	out := &Reducer{items: make(map[string]Container, len(r.items))}
	for k, mine := range r.items {
		theirs, exists := rhs.items[k]
		if !exists {
			return nil, fmt.Errorf("fields: key %q missing from right operand", k)
		}
		var (
			res Container
			err error
		)
		switch code {
		case opSub:
			res, err = mine.Sub(theirs)
		case opMul:
			res, err = mine.Mul(theirs)
		default:
			res, err = mine.Div(theirs)
		}
		if err != nil {
			return nil, fmt.Errorf("fields: key %q: %w", k, err)
		}
		out.items[k] = res
	}
	return out, nil
}

// Conj conjugates each item.
func (r *Reducer) Conj() Container {
	out := &Reducer{items: make(map[string]Container, len(r.items))}
	for k, v := range r.items {
		out.items[k] = v.Conj()
	}
	return out
}

// SumAxis sums each item along axis.
func (r *Reducer) SumAxis(axis int) (Container, error) {
	return r.mapped(func(c Container) (Container, error) { return c.SumAxis(axis) })
}

// SumAll sums every element of every item.
func (r *Reducer) SumAll() complex128 {
	var sum complex128
	for _, v := range r.items {
		sum += v.SumAll()
	}
	return sum
}

// Real projects each item onto its real part.
func (r *Reducer) Real() Container {
	out := &Reducer{items: make(map[string]Container, len(r.items))}
	for k, v := range r.items {
		out.items[k] = v.Real()
	}
	return out
}

// mapped applies fn to each item, building a new Reducer.
func (r *Reducer) mapped(fn func(Container) (Container, error)) (Container, error) {
	out := &Reducer{items: make(map[string]Container, len(r.items))}
	for k, v := range r.items {
		res, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("fields: key %q: %w", k, err)
		}
		out.items[k] = res
	}
	return out, nil
}
