// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"math"
	"reflect"
	"testing"
)

func almostEqual[T float64 | []float64](a, b T, tol float64) bool {
	equalWithinAbs := func(a, b float64) bool {
		return a == b || math.Abs(a-b) <= tol
	}
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Float64:
		return equalWithinAbs(any(a).(float64), any(b).(float64))
	case reflect.Slice:
		a, b := any(a).([]float64), any(b).([]float64)
		if len(a) != len(b) {
			return false
		}
		for i, a := range a {
			if !equalWithinAbs(a, b[i]) {
				return false
			}
		}
		return true
	default:
		panic("unknown type")
	}
}

// stack joins scalar constraint evaluations into one callback over the dense normals.
// Every element follows the Evaluation convention with g receiving ∇𝒄ⱼ(𝐱).
func stack(n int, eq, neq []Evaluation) (cons Constraints, m, meq int) {
	rows := append(append([]Evaluation(nil), eq...), neq...)
	m, meq = len(rows), len(eq)
	g := make([]float64, n)
	cons = func(x, c, jac []float64) {
		for i, f := range rows {
			if jac == nil {
				c[i] = f(x, nil)
				continue
			}
			c[i] = f(x, g)
			for j, v := range g {
				jac[i+j*m] = v
			}
		}
	}
	return
}

// values evaluates the constraints of p at x.
func values(p Problem, x []float64) []float64 {
	c := make([]float64, p.M)
	p.Cons(x, c, nil)
	return c
}

func fit(t *testing.T, p Problem, x []float64) *Result {
	t.Helper()
	s, err := p.New()
	if err != nil {
		t.Fatal(err)
	}
	return s.Fit(x, s.Init())
}

// Case Sources : https://github.com/jacobwilliams/slsqp/blob/master/test/slsqp_test.f90
func TestRosenbrock(t *testing.T) {

	objective := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0] = -400.0*(x[1]-x[0]*x[0])*x[0] - 2.0*(1.0-x[0])
			d[1] = 200.0 * (x[1] - x[0]*x[0])
		}
		return 100.0*math.Pow(x[1]-x[0]*x[0], 2) + math.Pow(1.0-x[0], 2)
	}
	circle := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0], d[1] = -2.0*x[0], -2.0*x[1]
		}
		return 1.0 - x[0]*x[0] - x[1]*x[1]
	}

	cons, m, meq := stack(2, nil, []Evaluation{circle})
	p := Problem{
		N:      2,
		Object: objective,
		M:      m, MEq: meq, Cons: cons,
		Stop:   Termination{Accuracy: 1e-8, MaxIterations: 50},
		Bounds: []Bound{{-1, 1}, {-1, 1}},
	}
	r := fit(t, p, []float64{0.1, 0.1})

	wantX := []float64{0.7864151509718389, 0.6176983165954114}
	wantF := 0.0456748087191604

	switch {
	case !r.OK:
		t.Fatal("TestRosenbrock: Not Converge")
	case !almostEqual(r.F, wantF, 1e-6):
		t.Fatal("TestRosenbrock: Bad Objective")
	case !almostEqual(r.X, wantX, 1e-6):
		t.Fatal("TestRosenbrock: Bad Solution")
	case values(p, r.X)[0] < -1e-8:
		t.Fatal("TestRosenbrock: Cons Violation")
	}
}

// Case Sources : https://github.com/jacobwilliams/slsqp/blob/master/test/slsqp_test_2.f90
func TestBasic(t *testing.T) {

	objective := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0], d[1], d[2] = 2*x[0], 2*x[1], 1
		}
		return x[0]*x[0] + x[1]*x[1] + x[2]
	}
	equality := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0], d[1], d[2] = x[1], x[0], -1
		}
		return x[0]*x[1] - x[2]
	}
	inequality := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0], d[1], d[2] = 0, 0, 1
		}
		return x[2] - 1
	}

	cons, m, meq := stack(3, []Evaluation{equality}, []Evaluation{inequality})
	if m != 2 || meq != 1 {
		t.Fatal("TestBasic: Bad Constraint Count")
	}

	for _, exact := range []bool{false, true} {
		r := fit(t, Problem{
			N:      3,
			Object: objective,
			M:      m,
			MEq:    meq,
			Cons:   cons,
			Line:   LineSearch{Exact: exact, Alpha: &Bound{Lower: 0.1, Upper: 0.5}},
			Stop:   Termination{Accuracy: 1e-7, MaxIterations: 50},
			Bounds: []Bound{{-10, 10}, {-10, 10}, {-10, 10}},
		}, []float64{1, 2, 3})

		switch {
		case !r.OK:
			t.Fatal("TestBasic: Not Converge")
		case !almostEqual(r.X, []float64{1, 1, 1}, 1e-6):
			t.Fatal("TestBasic: Bad Solution")
		case !almostEqual(r.F, 3, 1e-6):
			t.Fatal("TestBasic: Bad Objective")
		}
	}
}

// Case Sources : https://github.com/jacobwilliams/slsqp/blob/master/test/slsqp_test_71.f90
func TestProb71(t *testing.T) {

	objective := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0] = x[3] * (2.0*x[0] + x[1] + x[2])
			d[1] = x[0] * x[3]
			d[2] = x[0]*x[3] + 1.0
			d[3] = x[0] * (x[0] + x[1] + x[2])
			d[4] = 0.0
		}
		return x[0]*x[3]*(x[0]+x[1]+x[2]) + x[2]
	}

	// both rows are equalities; the normals are sparse with (1,4) structurally zero
	normals := Normals{
		Rows: []int{0, 0, 0, 0, 0, 1, 1, 1, 1},
		Cols: []int{0, 1, 2, 3, 4, 0, 1, 2, 3},
	}
	cons := func(x, c, jac []float64) {
		c[0] = x[0]*x[1]*x[2]*x[3] - x[4] - 25
		c[1] = x[0]*x[0] + x[1]*x[1] + x[2]*x[2] + x[3]*x[3] - 40
		if jac == nil {
			return
		}
		jac[0] = x[1] * x[2] * x[3]
		jac[1] = x[0] * x[2] * x[3]
		jac[2] = x[0] * x[1] * x[3]
		jac[3] = x[0] * x[1] * x[2]
		jac[4] = -1
		for j := range 4 {
			jac[5+j] = 2 * x[j]
		}
	}

	p := Problem{
		N:       5,
		Object:  objective,
		M:       2,
		MEq:     2,
		Cons:    cons,
		Normals: normals,
		Stop:    Termination{Accuracy: 1e-8, MaxIterations: 50},
		Bounds:  []Bound{{1, 5}, {1, 5}, {1, 5}, {1, 5}, {0, 1e10}},
	}
	r := fit(t, p, []float64{1, 5, 5, 1, -24})

	wantX := []float64{1, 4.7429996586260321, 3.8211499562762130, 1.3794082970345380, 0}
	wantF := 17.0140172891520542

	switch {
	case !r.OK:
		t.Fatal("TestProb71: Not Converge")
	case !almostEqual(r.F, wantF, 1e-6):
		t.Fatal("TestProb71: Bad Objective")
	case !almostEqual(r.X, wantX, 1e-5):
		t.Fatal("TestProb71: Bad Solution")
	case !almostEqual(values(p, r.X), []float64{0, 0}, 1e-6):
		t.Fatal("TestProb71: Cons Violation")
	}
}

func TestVectorConstraints(t *testing.T) {

	objective := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0], d[1] = 2*(x[0]-1), 2*(x[1]-2)
		}
		return (x[0]-1)*(x[0]-1) + (x[1]-2)*(x[1]-2)
	}
	// x₀ + x₁ = 2, x₀ ≥ 0
	dense := func(x, c, jac []float64) {
		c[0] = x[0] + x[1] - 2
		c[1] = x[0]
		if jac != nil {
			jac[0], jac[2] = 1, 1
			jac[1] = 1
		}
	}
	// ∂c₀/∂x₀ is reported in two halves
	sparse := func(x, c, jac []float64) {
		c[0] = x[0] + x[1] - 2
		c[1] = x[0]
		if jac != nil {
			jac[0], jac[1], jac[2], jac[3] = 0.5, 1, 1, 0.5
		}
	}
	normals := Normals{Rows: []int{0, 0, 1, 0}, Cols: []int{0, 1, 0, 0}}

	var results []*Result
	for _, p := range []Problem{
		{N: 2, Object: objective, M: 2, MEq: 1, Cons: dense},
		{N: 2, Object: objective, M: 2, MEq: 1, Cons: sparse, Normals: normals},
	} {
		p.Stop = Termination{Accuracy: 1e-10, MaxIterations: 100}
		r := fit(t, p, []float64{0, 0})
		switch {
		case !r.OK:
			t.Fatal("TestVectorConstraints: Not Converge")
		case !almostEqual(r.X, []float64{0.5, 1.5}, 1e-6):
			t.Fatalf("TestVectorConstraints: Bad Solution %v", r.X)
		case !almostEqual(values(p, r.X), []float64{0, 0.5}, 1e-6):
			t.Fatal("TestVectorConstraints: Bad Constraints")
		case len(r.Lambda) != 2 || len(r.G) != 2:
			t.Fatal("TestVectorConstraints: Bad Result Shape")
		}
		results = append(results, r)
	}
	if !almostEqual(results[0].X, results[1].X, 0) || results[0].NumIter != results[1].NumIter {
		t.Fatal("TestVectorConstraints: sparse normals diverge from dense ones")
	}
}

func TestScatterNormals(t *testing.T) {
	loc := sqpLoc{
		a:   []float64{9, 9, 9, 9, 9, 9, 9, 9},
		jac: []float64{1, 2, 3, 4},
	}
	loc.scatter(Normals{Rows: []int{1, 0, 1, 1}, Cols: []int{0, 2, 0, 1}}, 2, 3)
	// column-major 2×3 followed by the untouched extra column
	if !almostEqual(loc.a, []float64{0, 4, 0, 4, 2, 0, 9, 9}, 0) {
		t.Fatalf("TestScatterNormals: Bad Assembly %v", loc.a)
	}
}

func TestBoundClip(t *testing.T) {

	objective := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0] = 2*x[0] - 2
		}
		return (x[0] - 1) * (x[0] - 1)
	}

	tests := []struct {
		init    float64
		bnd     []Bound
		desired float64
	}{
		{10, []Bound{{math.NaN(), 0}}, 0},
		{-10, []Bound{{2, math.NaN()}}, 2},
		{-10, []Bound{{math.Inf(-1), 0}}, 0},
		{10, []Bound{{2, math.Inf(1)}}, 2},
		{-0.5, []Bound{{-1, 0}}, 0},
		{10, []Bound{{-1, 0}}, 0},
	}

	for _, tt := range tests {
		r := fit(t, Problem{
			N:      1,
			Object: objective,
			Bounds: tt.bnd,
			Stop:   Termination{Accuracy: 1e-6, MaxIterations: 50},
		}, []float64{tt.init})

		switch {
		case !r.OK:
			t.Fatal("TestBoundClip: Not Converge")
		case !almostEqual(r.X[0], tt.desired, 1e-6):
			t.Fatalf("TestBoundClip: Bound Violation %v", r.X[0])
		}
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test_slsqp.py (test_infeasible_initial)
func TestInfeasibleInit(t *testing.T) {

	objective := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0] = 2*x[0] - 2
		}
		return x[0]*x[0] - 2*x[0] + 1
	}
	upper := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0] = -1
		}
		return 0 - x[0]
	}
	lower := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0] = 1
		}
		return x[0] - 2
	}
	above := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0] = 1
		}
		return x[0] + 1
	}

	tests := []struct {
		init    float64
		cons    []Evaluation
		desired float64
	}{
		{10, []Evaluation{upper}, 0},
		{-10, []Evaluation{lower}, 2},
		{-10, []Evaluation{upper}, 0},
		{10, []Evaluation{lower}, 2},
		{-0.5, []Evaluation{upper, above}, 0},
		{10, []Evaluation{upper, above}, 0},
	}

	for _, tt := range tests {
		cons, m, meq := stack(1, nil, tt.cons)
		r := fit(t, Problem{
			N:      1,
			Object: objective,
			M:      m, MEq: meq, Cons: cons,
			Stop: Termination{Accuracy: 1e-6, MaxIterations: 50},
		}, []float64{tt.init})

		switch {
		case !r.OK:
			t.Fatal("TestInfeasibleInit: Not Converge")
		case !almostEqual(r.X[0], tt.desired, 1e-6):
			t.Fatalf("TestInfeasibleInit: Bad Solution %v", r.X[0])
		}
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test_slsqp.py (test_inconsistent_inequalities)
func TestInconsistentCons(t *testing.T) {

	objective := func(x []float64, d []float64) float64 {
		if d != nil {
			d[0], d[1] = -1, 4
		}
		return -1*x[0] + 4*x[1]
	}
	cons := func(x, c, jac []float64) {
		c[0] = x[1] - x[0] - 1
		c[1] = x[0] - x[1]
		if jac != nil {
			jac[0], jac[2] = -1, 1
			jac[1], jac[3] = 1, -1
		}
	}

	r := fit(t, Problem{
		N:      2,
		Object: objective,
		M:      2, Cons: cons,
		Stop:   Termination{Accuracy: 1e-6, MaxIterations: 50},
		Bounds: []Bound{{-5, 5}, {-5, 5}},
	}, []float64{1, 5})

	if r.OK {
		t.Fatal("TestInconsistentCons: Unexpected Convergence")
	}
}

func TestEvalPanic(t *testing.T) {
	r := fit(t, Problem{
		N:      1,
		Object: func(x []float64, d []float64) float64 { panic("boom") },
		Stop:   Termination{Accuracy: 1e-6, MaxIterations: 10},
	}, []float64{1})
	if r.OK || r.Status != BadArgument {
		t.Fatal("TestEvalPanic: Unexpected Status")
	}
}

func TestProblemCheck(t *testing.T) {
	obj := func(x []float64, d []float64) float64 { return x[0] }
	stop := Termination{Accuracy: 1e-6, MaxIterations: 10}
	none := func(x, c, jac []float64) {}
	for _, p := range []Problem{
		{N: 0, Object: obj, Stop: stop},
		{N: 1, Object: obj, Stop: stop, M: 1},
		{N: 1, Object: obj, Stop: stop, M: 1, MEq: 2, Cons: none},
		{N: 1, Object: obj, Stop: stop, M: 2, MEq: 2, Cons: none},
		{N: 2, Object: obj, Stop: stop, M: 1, Cons: none, Normals: Normals{Rows: []int{0}, Cols: []int{2}}},
		{N: 2, Object: obj, Stop: stop, M: 1, Cons: none, Normals: Normals{Rows: []int{1}, Cols: []int{0}}},
		{N: 2, Object: obj, Stop: stop, M: 1, Cons: none, Normals: Normals{Rows: []int{0, 0}, Cols: []int{0}}},
		{N: 1, Stop: stop},
		{N: 1, Object: obj, Stop: stop, Bounds: []Bound{{1, 0}}},
	} {
		if _, err := p.New(); err == nil {
			t.Fatalf("TestProblemCheck: %+v accepted", p)
		}
	}
}
