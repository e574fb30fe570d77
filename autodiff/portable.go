// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autodiff

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Portable is the serialized form of a graph, suitable for handing to a code generator
// living in another process.
type Portable struct {
	NX      int            `yaml:"nx"`
	NP      int            `yaml:"np,omitempty"`
	Nodes   []PortableNode `yaml:"nodes"`
	Outputs []int          `yaml:"outputs"`
}

// PortableNode is one node of a Portable graph.
// Args reference earlier nodes by position.
type PortableNode struct {
	Op    string  `yaml:"op"`
	Args  []int   `yaml:"args,omitempty,flow"`
	Index int     `yaml:"index,omitempty"`
	Value float64 `yaml:"value,omitempty"`
}

// Portable converts the graph to its serialized form.
func (g *Graph) Portable() Portable {
	p := Portable{NX: g.nx, NP: g.np, Nodes: make([]PortableNode, len(g.nodes))}
	for i, v := range g.nodes {
		n := PortableNode{Op: v.op.String(), Index: v.idx, Value: v.val}
		if v.a >= 0 {
			n.Args = append(n.Args, int(v.a))
		}
		if v.b >= 0 {
			n.Args = append(n.Args, int(v.b))
		}
		p.Nodes[i] = n
	}
	p.Outputs = make([]int, len(g.outputs))
	for k, o := range g.outputs {
		p.Outputs[k] = int(o)
	}
	return p
}

// Graph rebuilds a graph through the simplifying constructors,
// so the result may hold fewer nodes than the portable form.
func (p Portable) Graph() (g *Graph, err error) {
	if p.NX <= 0 || p.NP < 0 {
		return nil, errors.Errorf("autodiff: invalid portable dimensions nx=%d np=%d", p.NX, p.NP)
	}
	defer func() {
		if r := recover(); r != nil {
			g, err = nil, errors.Errorf("autodiff: malformed portable graph: %v", r)
		}
	}()
	g = NewGraph(p.NX, p.NP)
	nodes := make([]Node, len(p.Nodes))
	arg := func(i, k int) Node {
		n := p.Nodes[i]
		if k >= len(n.Args) || n.Args[k] < 0 || n.Args[k] >= i {
			panic(errors.Errorf("node %d (%s) argument %d undefined", i, n.Op, k))
		}
		return nodes[n.Args[k]]
	}
	for i, n := range p.Nodes {
		op, ok := ParseOp(n.Op)
		if !ok {
			return nil, errors.Errorf("autodiff: node %d has unknown op %q", i, n.Op)
		}
		var r Node
		switch op {
		case OpConst:
			r = g.Const(n.Value)
		case OpVar:
			r = g.X(n.Index)
		case OpParam:
			r = g.P(n.Index)
		case OpAdd:
			r = g.Add(arg(i, 0), arg(i, 1))
		case OpSub:
			r = g.Sub(arg(i, 0), arg(i, 1))
		case OpMul:
			r = g.Mul(arg(i, 0), arg(i, 1))
		case OpDiv:
			r = g.Div(arg(i, 0), arg(i, 1))
		case OpNeg:
			r = g.Neg(arg(i, 0))
		case OpPow:
			r = g.Pow(arg(i, 0), n.Value)
		case OpSin:
			r = g.Sin(arg(i, 0))
		case OpCos:
			r = g.Cos(arg(i, 0))
		case OpExp:
			r = g.Exp(arg(i, 0))
		case OpLog:
			r = g.Log(arg(i, 0))
		case OpSqrt:
			r = g.Sqrt(arg(i, 0))
		}
		nodes[i] = r
	}
	outs := make([]Node, len(p.Outputs))
	for k, o := range p.Outputs {
		if o < 0 || o >= len(nodes) {
			return nil, errors.Errorf("autodiff: output %d references undefined node %d", k, o)
		}
		outs[k] = nodes[o]
	}
	g.SetOutputs(outs...)
	return g, g.Validate()
}

// Encode writes the portable form of g as YAML.
func Encode(w io.Writer, g *Graph) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(g.Portable()); err != nil {
		return errors.Wrap(err, "autodiff: encode graph")
	}
	return enc.Close()
}

// Decode reads a YAML portable graph.
func Decode(r io.Reader) (*Graph, error) {
	var p Portable
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		return nil, errors.Wrap(err, "autodiff: decode graph")
	}
	return p.Graph()
}
