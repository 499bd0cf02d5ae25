// Package vclock implements vector clocks: per-node counters whose partial order
// tells causally ordered writes apart from concurrent ones.
package vclock

import (
	"sort"
	"strconv"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal      Ordering = iota // identical counters
	Before                     // receiver happened before the argument
	After                      // receiver happened after the argument
	Concurrent                 // neither dominates
)

// String returns the string representation of an ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock maps node ids to counters. Missing components are zero.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Copy returns a deep copy of c.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the counter for node.
func (c Clock) Get(node string) uint64 {
	return c[node]
}

// Increment returns a copy of c with node's component advanced by one.
func (c Clock) Increment(node string) Clock {
	out := c.Copy()
	out[node]++
	return out
}

// Compare returns how c relates to other in the causal partial order.
func (c Clock) Compare(other Clock) Ordering {
	less, greater := false, false
	for k, v := range c {
		o := other[k]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for k, o := range other {
		if _, ok := c[k]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Descends reports whether c has seen every event in other.
func (c Clock) Descends(other Clock) bool {
	o := c.Compare(other)
	return o == After || o == Equal
}

// Merge returns the component-wise maximum of the given clocks.
// The result does not alias any input.
func Merge(clocks ...Clock) Clock {
	out := New()
	for _, c := range clocks {
		for k, v := range c {
			if v > out[k] {
				out[k] = v
			}
		}
	}
	return out
}

// String renders the clock deterministically, e.g. {n1:2,n2:1}.
func (c Clock) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[k], 10))
	}
	b.WriteByte('}')
	return b.String()
}
