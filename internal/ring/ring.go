// Package ring places keys on a consistent hash ring so every node derives the
// same replica set for a key from the same membership view.
package ring

import (
	"crypto/sha1"
	"encoding/binary"
	"sort"
	"strconv"
)

// DefaultVirtualNodes is used when a ring is built with a non-positive count.
const DefaultVirtualNodes = 16

type point struct {
	hash uint64
	node string
}

// Ring is an immutable consistent hash ring with virtual nodes.
// Build a new ring when membership changes.
type Ring struct {
	points []point
	nodes  []string
}

// New builds a ring over the given node ids.
func New(vnodes int, nodeIDs ...string) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	r := &Ring{}
	seen := make(map[string]struct{}, len(nodeIDs))
	taken := make(map[uint64]struct{}, len(nodeIDs)*vnodes)
	for _, id := range nodeIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		r.nodes = append(r.nodes, id)
		for i := 0; i < vnodes; i++ {
			h := hash64(id + "#" + strconv.Itoa(i))
			// Probe past collisions so placement stays deterministic.
			for {
				if _, exists := taken[h]; !exists {
					break
				}
				h++
			}
			taken[h] = struct{}{}
			r.points = append(r.points, point{hash: h, node: id})
		}
	}
	sort.Strings(r.nodes)
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// Len returns the number of physical nodes on the ring.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// Nodes returns the node ids on the ring in sorted order.
func (r *Ring) Nodes() []string {
	return append([]string(nil), r.nodes...)
}

// Owner returns the primary owner for key; ok=false if the ring is empty.
func (r *Ring) Owner(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}
	return r.points[r.search(key)].node, true
}

// Walk returns up to k distinct nodes starting at the owner of key.
func (r *Ring) Walk(key string, k int) []string {
	if k <= 0 || len(r.points) == 0 {
		return nil
	}
	if k > len(r.nodes) {
		k = len(r.nodes)
	}

	start := r.search(key)
	seen := make(map[string]struct{}, k)
	out := make([]string, 0, k)
	for i := 0; len(out) < k && i < len(r.points); i++ {
		p := r.points[(start+i)%len(r.points)]
		if _, ok := seen[p.node]; ok {
			continue
		}
		seen[p.node] = struct{}{}
		out = append(out, p.node)
	}
	return out
}

func (r *Ring) search(key string) int {
	h := hash64(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func hash64(s string) uint64 {
	sum := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
