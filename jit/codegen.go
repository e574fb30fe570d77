// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"bytes"
	"fmt"
	"go/format"
	"io"
	"math"
	"strconv"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/pkg/errors"
)

// Generate writes a Go plugin source file exporting every kernel of the units.
// Each kernel is straight-line code, one local per graph node, with constants inlined.
func Generate(w io.Writer, units ...*Unit) error {
	if err := validateUnits(units); err != nil {
		return err
	}
	var b bytes.Buffer
	b.WriteString("// Code generated by jit. DO NOT EDIT.\n\n")
	b.WriteString("package main\n\nimport \"math\"\n\nvar _ = math.Sqrt\n")
	for _, u := range units {
		for _, kind := range u.Kinds() {
			b.WriteByte('\n')
			emitKernel(&b, u, kind)
		}
	}
	src, err := format.Source(b.Bytes())
	if err != nil {
		return errors.Wrap(err, "jit: format generated source")
	}
	_, err = w.Write(src)
	return err
}

var signatures = [...][2]string{
	KindF:            {"x, y []float64, xi []int", "x, p, y []float64, xi, pi []int"},
	KindJacobian:     {"x, jac []float64, xi []int", "x, p, jac []float64, xi, pi []int"},
	KindAdditiveGrad: {"x, grad []float64, xi, gi []int", "x, p, grad []float64, xi, pi, gi []int"},
	KindHessian:      {"x, w, hess []float64, xi, hi []int", "x, p, w, hess []float64, xi, pi, hi []int"},
}

func emitKernel(b *bytes.Buffer, u *Unit, kind Kind) {
	sig := signatures[kind][0]
	if u.HasParameter {
		sig = signatures[kind][1]
	}
	fmt.Fprintf(b, "func %s(%s) {\n", Symbol(kind, u.Name, u.HasParameter), sig)
	g := u.graph(kind).Compact()
	refs := emitNodes(b, g, u.NP)
	for k, o := range g.Outputs() {
		ref := refs[o]
		switch kind {
		case KindF:
			fmt.Fprintf(b, "\ty[%d] = %s\n", k, ref)
		case KindJacobian:
			fmt.Fprintf(b, "\tjac[%d] = %s\n", k, ref)
		case KindAdditiveGrad:
			if ref != "0" {
				fmt.Fprintf(b, "\tgrad[gi[%d]] += %s\n", k, ref)
			}
		case KindHessian:
			if ref != "0" {
				fmt.Fprintf(b, "\thess[hi[%d]] += %s\n", k, ref)
			}
		}
	}
	b.WriteString("}\n")
}

// emitNodes binds every non-constant node to a local and returns the expression of each node.
func emitNodes(b *bytes.Buffer, g *autodiff.Graph, np int) []string {
	refs := make([]string, g.Len())
	for i := range refs {
		op, x, y, idx, val := g.Vertex(autodiff.Node(i))
		var expr string
		switch op {
		case autodiff.OpConst:
			refs[i] = literal(val)
			continue
		case autodiff.OpVar:
			expr = fmt.Sprintf("x[xi[%d]]", idx)
		case autodiff.OpParam:
			if idx < np {
				expr = fmt.Sprintf("p[pi[%d]]", idx)
			} else {
				expr = fmt.Sprintf("w[%d]", idx-np)
			}
		case autodiff.OpAdd:
			expr = refs[x] + " + " + refs[y]
		case autodiff.OpSub:
			expr = refs[x] + " - " + refs[y]
		case autodiff.OpMul:
			expr = refs[x] + " * " + refs[y]
		case autodiff.OpDiv:
			expr = refs[x] + " / " + refs[y]
		case autodiff.OpNeg:
			expr = "-" + refs[x]
		case autodiff.OpPow:
			expr = powExpr(refs[x], val)
		case autodiff.OpSin:
			expr = "math.Sin(" + refs[x] + ")"
		case autodiff.OpCos:
			expr = "math.Cos(" + refs[x] + ")"
		case autodiff.OpExp:
			expr = "math.Exp(" + refs[x] + ")"
		case autodiff.OpLog:
			expr = "math.Log(" + refs[x] + ")"
		case autodiff.OpSqrt:
			expr = "math.Sqrt(" + refs[x] + ")"
		default:
			panic(errors.Errorf("jit: cannot generate %s", op))
		}
		refs[i] = "v" + strconv.Itoa(i)
		fmt.Fprintf(b, "\t%s := %s\n", refs[i], expr)
	}
	return refs
}

func powExpr(a string, k float64) string {
	switch k {
	case 2:
		return a + " * " + a
	case 3:
		return a + " * " + a + " * " + a
	case -1:
		return "1 / " + a
	case 0.5:
		return "math.Sqrt(" + a + ")"
	}
	return "math.Pow(" + a + ", " + literal(k) + ")"
}

func literal(v float64) string {
	switch {
	case math.IsNaN(v):
		return "math.NaN()"
	case math.IsInf(v, 1):
		return "math.Inf(1)"
	case math.IsInf(v, -1):
		return "math.Inf(-1)"
	case v < 0 || v == 0 && math.Signbit(v):
		return "(" + strconv.FormatFloat(v, 'g', -1, 64) + ")"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
