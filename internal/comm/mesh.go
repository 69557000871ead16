// Package comm provides the peer-to-peer collective transport used by the
// worker fleet when a full-duplex substrate is available.
//
// A [Mesh] connects n members with rendezvous channels and implements the
// three rooted collectives the orchestrator needs: broadcast, gather, and
// reduce. Every member participates in each collective by calling the
// matching method with its own mesh rank; the call blocks until the
// collective completes for that member. Members execute tasks serially,
// and the client serializes collective rounds, so at most one collective
// is in flight per member at a time.
package comm

import "fmt"

// Mesh is a fixed-size fleet of members joined by buffered peer channels.
type Mesh struct {
	n     int
	inbox []chan any // one per member, written by peers during a collective
}

// NewMesh returns a mesh connecting n members, ranked 0..n-1.
func NewMesh(n int) *Mesh {
	if n < 1 {
		panic(fmt.Sprintf("comm: mesh size %d, want >= 1", n))
	}
	inbox := make([]chan any, n)
	for i := range inbox {
		// Buffer n so a collective round never blocks a sender on a
		// member that has not entered the collective yet.
		inbox[i] = make(chan any, n)
	}
	return &Mesh{n: n, inbox: inbox}
}

// Size returns the number of members.
func (m *Mesh) Size() int { return m.n }

// Bcast distributes root's value to every member. The root passes the
// value; other members pass nil and receive the root's value. Every
// member receives the broadcast value as the return.
func (m *Mesh) Bcast(me, root int, v any) any {
	if me == root {
		for i := 0; i < m.n; i++ {
			if i != root {
				m.inbox[i] <- v
			}
		}
		return v
	}
	return <-m.inbox[me]
}

// Gather collects each member's value at root, ordered by mesh rank.
// The root returns the full sequence; other members return nil.
func (m *Mesh) Gather(me, root int, v any) []any {
	if me != root {
		m.inbox[root] <- pair{rank: me, val: v}
		return nil
	}
	out := make([]any, m.n)
	out[root] = v
	for i := 0; i < m.n-1; i++ {
		p := (<-m.inbox[root]).(pair)
		out[p.rank] = p.val
	}
	return out
}

// Reduce folds every member's value into one at root using fold, applied
// in mesh-rank order. The root returns the folded value; other members
// return nil. A fold error aborts the collective at root.
func (m *Mesh) Reduce(me, root int, v any, fold func(acc, next any) (any, error)) (any, error) {
	vals := m.Gather(me, root, v)
	if me != root {
		return nil, nil
	}
	acc := vals[0]
	for _, next := range vals[1:] {
		folded, err := fold(acc, next)
		if err != nil {
			return nil, fmt.Errorf("comm: reduce fold: %w", err)
		}
		acc = folded
	}
	return acc, nil
}

// pair tags a gathered value with its sender's mesh rank.
type pair struct {
	rank int
	val  any
}
