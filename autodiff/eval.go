// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autodiff

import "math"

// Tape evaluates a graph with a private scratch buffer.
// A tape is not safe for concurrent use, create one per goroutine.
type Tape struct {
	g   *Graph
	buf []float64
}

// NewTape allocates a tape for g.
func (g *Graph) NewTape() *Tape {
	return &Tape{g: g, buf: make([]float64, len(g.nodes))}
}

// Graph returns the graph evaluated by the tape.
func (t *Tape) Graph() *Graph { return t.g }

// Forward evaluates every node.
//
// Variable i is read from x[xi[i]] and parameter j from p[pi[j]];
// a nil index slice means the identity mapping.
// Parameters beyond len(pi) (or len(p) with a nil pi) are read from w,
// which carries the weights appended by HessianGraph.
func (t *Tape) Forward(x []float64, xi []int, p []float64, pi []int, w []float64) {
	g, buf := t.g, t.buf
	if len(buf) != len(g.nodes) {
		panic("tape size not match graph")
	}
	np := len(pi)
	if pi == nil {
		np = len(p)
	}
	for i, v := range g.nodes {
		var r float64
		switch v.op {
		case OpConst:
			r = v.val
		case OpVar:
			if xi != nil {
				r = x[xi[v.idx]]
			} else {
				r = x[v.idx]
			}
		case OpParam:
			switch {
			case v.idx >= np:
				r = w[v.idx-np]
			case pi != nil:
				r = p[pi[v.idx]]
			default:
				r = p[v.idx]
			}
		case OpAdd:
			r = buf[v.a] + buf[v.b]
		case OpSub:
			r = buf[v.a] - buf[v.b]
		case OpMul:
			r = buf[v.a] * buf[v.b]
		case OpDiv:
			r = buf[v.a] / buf[v.b]
		case OpNeg:
			r = -buf[v.a]
		case OpPow:
			r = pow(buf[v.a], v.val)
		case OpSin:
			r = math.Sin(buf[v.a])
		case OpCos:
			r = math.Cos(buf[v.a])
		case OpExp:
			r = math.Exp(buf[v.a])
		case OpLog:
			r = math.Log(buf[v.a])
		case OpSqrt:
			r = math.Sqrt(buf[v.a])
		default:
			panic("unknown op")
		}
		buf[i] = r
	}
}

// Output returns the value of the k-th output after Forward.
func (t *Tape) Output(k int) float64 {
	return t.buf[t.g.outputs[k]]
}

// Eval is a convenience that evaluates all outputs into y using identity index mappings.
func (t *Tape) Eval(x, p, y []float64) {
	t.Forward(x, nil, p, nil, nil)
	for k, o := range t.g.outputs {
		y[k] = t.buf[o]
	}
}

func pow(a, k float64) float64 {
	switch k {
	case 2:
		return a * a
	case 3:
		return a * a * a
	case -1:
		return 1 / a
	case 0.5:
		return math.Sqrt(a)
	}
	return math.Pow(a, k)
}
