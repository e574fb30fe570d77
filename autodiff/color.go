// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autodiff

import (
	"gonum.org/v1/gonum/graph/coloring"
	"gonum.org/v1/gonum/graph/simple"
)

// ColorColumns partitions the n columns of a sparse pattern into structurally orthogonal groups:
// two columns sharing a row never receive the same color. Perturbing every column of a group at
// once therefore recovers all their Jacobian entries from a single evaluation.
//
// It returns the number of colors and the color of each column.
func ColorColumns(n int, p Pattern) (int, []int) {
	colors := make([]int, n)
	if n == 0 {
		return 0, colors
	}
	byRow := make(map[int][]int)
	for k, r := range p.Rows {
		byRow[r] = append(byRow[r], p.Cols[k])
	}
	ig := simple.NewUndirectedGraph()
	for c := 0; c < n; c++ {
		ig.AddNode(simple.Node(c))
	}
	for _, cols := range byRow {
		for i, a := range cols {
			for _, b := range cols[i+1:] {
				if a != b {
					ig.SetEdge(simple.Edge{F: simple.Node(a), T: simple.Node(b)})
				}
			}
		}
	}
	_, m, err := coloring.WelshPowell(ig, nil)
	if err != nil {
		panic("column coloring failed: " + err.Error())
	}
	// renumber densely in column order so the result is deterministic
	dense := make(map[int]int)
	for c := 0; c < n; c++ {
		raw := m[int64(c)]
		d, ok := dense[raw]
		if !ok {
			d = len(dense)
			dense[raw] = d
		}
		colors[c] = d
	}
	return len(dense), colors
}

// ColorGroups lists the columns of each color in increasing order.
func ColorGroups(k int, colors []int) [][]int {
	groups := make([][]int, k)
	for c, g := range colors {
		groups[g] = append(groups[g], c)
	}
	return groups
}
