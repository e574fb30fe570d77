// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"cmp"
	"slices"
	"sync"
)

// Coalesce compacts a coordinate list with repeated (row, col) entries.
// It returns the unique pairs ordered by row then column, and for every input entry
// the position of its pair in the compacted list.
func Coalesce(rows, cols []int) (urows, ucols, index []int) {
	if len(rows) != len(cols) {
		panic("coordinate dimension not match")
	}
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := cmp.Compare(rows[a], rows[b]); c != 0 {
			return c
		}
		return cmp.Compare(cols[a], cols[b])
	})
	index = make([]int, len(rows))
	for _, i := range order {
		n := len(urows)
		if n == 0 || urows[n-1] != rows[i] || ucols[n-1] != cols[i] {
			urows = append(urows, rows[i])
			ucols = append(ucols, cols[i])
			n++
		}
		index[i] = n - 1
	}
	return urows, ucols, index
}

// Accumulate sums values into the compacted slots produced by Coalesce.
func Accumulate(index []int, values, out []float64) {
	if len(index) != len(values) {
		panic("value dimension not match")
	}
	clear(out)
	for k, v := range values {
		out[index[k]] += v
	}
}

type uniqueIndex struct {
	once              sync.Once
	rows, cols, index []int
}

// UniqueJacobian returns the Jacobian pattern with shared pairs merged, and the map from
// Jacobian slots to unique entries for use with Accumulate.
// It is computed once and is safe for concurrent use.
func (s *Structure) UniqueJacobian() (rows, cols, index []int) {
	u := &s.unique
	u.once.Do(func() {
		u.rows, u.cols, u.index = Coalesce(s.JacRows, s.JacCols)
	})
	return u.rows, u.cols, u.index
}
