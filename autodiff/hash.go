// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autodiff

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Hash digests the shape of the graph: dimensions, every node (op, operands, index, constant)
// and the outputs. Graphs built by the same sequence of constructor calls hash identically,
// call Compact first to ignore dead nodes.
func (g *Graph) Hash() uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}
	put(uint64(g.nx))
	put(uint64(g.np))
	put(uint64(len(g.outputs)))
	for _, v := range g.nodes {
		put(uint64(v.op))
		put(uint64(int64(v.a)))
		put(uint64(int64(v.b)))
		put(uint64(v.idx))
		put(math.Float64bits(v.val))
	}
	for _, o := range g.outputs {
		put(uint64(o))
	}
	return d.Sum64()
}
