// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/curioloop/optinterface/jit"
	"github.com/curioloop/optinterface/model"
	"github.com/curioloop/optinterface/nlcore"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) build(path string) (*Built, error) {
	pf, err := loadProblem(path)
	if err != nil {
		return nil, err
	}
	opts := []model.Option{model.WithLogger(a.logger)}
	if a.metrics != nil {
		opts = append(opts, model.WithMetrics(a.metrics))
	}
	comp, err := a.kernelCompiler()
	if err != nil {
		return nil, err
	}
	opts = append(opts, model.WithCompiler(comp))
	return pf.Build(opts...)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// SolveReport is printed by the solve command.
type SolveReport struct {
	RunID      string             `yaml:"run_id"`
	Status     string             `yaml:"status"`
	Objective  float64            `yaml:"objective"`
	Violation  float64            `yaml:"max_violation"`
	Iterations int                `yaml:"iterations"`
	Variables  map[string]float64 `yaml:"variables"`
	Rows       []float64          `yaml:"rows,omitempty,flow"`
	Duals      []float64          `yaml:"duals,omitempty,flow"`
}

func (a *app) solveCmd() *cobra.Command {
	var failUnsolved bool
	cmd := &cobra.Command{
		Use:   "solve FILE",
		Short: "Solve a problem file and print the solution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.build(args[0])
			if err != nil {
				return err
			}
			sol, err := b.Model.Optimize(cmd.Context())
			if err != nil {
				return err
			}
			r := SolveReport{
				RunID:      sol.RunID,
				Status:     sol.Status.String(),
				Objective:  sol.Objective,
				Violation:  sol.Violation,
				Iterations: sol.Iterations,
				Variables:  make(map[string]float64, len(b.VarNames)),
				Rows:       sol.Rows,
				Duals:      sol.Duals,
			}
			for _, name := range b.VarNames {
				r.Variables[name] = sol.Value(b.Vars[name])
			}
			if err = writeYAML(cmd.OutOrStdout(), r); err != nil {
				return err
			}
			if failUnsolved && sol.Status != model.LocallySolved {
				return errors.Errorf("solve ended with status %s", sol.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failUnsolved, "strict", false, "exit with an error unless locally solved")
	return cmd
}

// GroupReport describes one aggregated group.
type GroupReport struct {
	Function  string `yaml:"function"`
	Role      string `yaml:"role"`
	Instances int    `yaml:"instances"`
	JacNNZ    int    `yaml:"jac_nnz"`
	HessNNZ   int    `yaml:"hess_nnz"`
}

// StructureReport is printed by the structure command.
type StructureReport struct {
	Variables   int           `yaml:"variables"`
	Constraints int           `yaml:"constraints"`
	Linear      int           `yaml:"linear"`
	Quadratic   int           `yaml:"quadratic"`
	Nonlinear   int           `yaml:"nonlinear"`
	Triangle    string        `yaml:"triangle"`
	JacobianNNZ int           `yaml:"jacobian_nnz"`
	UniqueNNZ   int           `yaml:"jacobian_unique_nnz"`
	HessianNNZ  int           `yaml:"hessian_nnz"`
	GradientNNZ int           `yaml:"gradient_nnz"`
	Groups      []GroupReport `yaml:"groups"`
	Jacobian    [][2]int      `yaml:"jacobian,omitempty,flow"`
	Hessian     [][2]int      `yaml:"hessian,omitempty,flow"`
}

func structureReport(p *nlcore.Problem, s *nlcore.Structure, entries bool) (*StructureReport, error) {
	urows, _, _ := s.UniqueJacobian()
	r := &StructureReport{
		Variables:   s.NumVariables,
		Constraints: s.NumConstraints(),
		Linear:      s.NumLinear,
		Quadratic:   s.NumQuadratic,
		Nonlinear:   s.NumNonlinear,
		Triangle:    s.Triangle.String(),
		JacobianNNZ: len(s.JacRows),
		UniqueNNZ:   len(urows),
		HessianNNZ:  len(s.HessRows),
		GradientNNZ: len(s.GradCols),
	}
	for _, g := range p.Groups() {
		t, err := p.Template(g.Func)
		if err != nil {
			return nil, err
		}
		r.Groups = append(r.Groups, GroupReport{
			Function:  t.Name,
			Role:      g.Role.String(),
			Instances: len(g.Instances),
			JacNNZ:    t.JacNNZ(),
			HessNNZ:   t.HessNNZ(),
		})
	}
	if entries {
		for e := range s.JacRows {
			r.Jacobian = append(r.Jacobian, [2]int{s.JacRows[e], s.JacCols[e]})
		}
		for e := range s.HessRows {
			r.Hessian = append(r.Hessian, [2]int{s.HessRows[e], s.HessCols[e]})
		}
	}
	return r, nil
}

func (a *app) structureCmd() *cobra.Command {
	var entries bool
	cmd := &cobra.Command{
		Use:   "structure FILE",
		Short: "Print the aggregated groups and the global sparsity of a problem file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.build(args[0])
			if err != nil {
				return err
			}
			p := b.Model.Problem()
			s, err := p.AnalyzeContext(cmd.Context())
			if err != nil {
				return err
			}
			r, err := structureReport(p, s, entries)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().BoolVar(&entries, "entries", false, "also print every Jacobian and Hessian coordinate")
	return cmd
}

func (a *app) codegenCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "codegen FILE",
		Short: "Generate Go plugin source for the kernels of every function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.build(args[0])
			if err != nil {
				return err
			}
			p := b.Model.Problem()
			units := make([]*jit.Unit, 0, len(b.Functions))
			for _, fi := range b.Functions {
				t, err := p.Template(fi)
				if err != nil {
					return err
				}
				units = append(units, t.Unit())
			}
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return errors.WithStack(err)
				}
				defer f.Close()
				w = f
			}
			return jit.Generate(w, units...)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the source to this file instead of stdout")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	var tol float64
	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Compare compiled derivatives with finite differences at the start point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.build(args[0])
			if err != nil {
				return err
			}
			comp, err := a.kernelCompiler()
			if err != nil {
				return err
			}
			p := b.Model.Problem()
			if err = p.Compile(cmd.Context(), comp); err != nil {
				return err
			}
			if _, err = p.AnalyzeContext(cmd.Context()); err != nil {
				return err
			}
			d, err := nlcore.NewDispatcher(p)
			if err != nil {
				return err
			}
			defer d.Close()
			r, err := nlcore.CheckDerivatives(d, p.StartPoint())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gradient error %.3g at column %d\njacobian error %.3g at (%d, %d)\n",
				r.GradientError, r.GradientCol, r.JacobianError, r.JacobianRow, r.JacobianCol)
			if !r.OK(tol) {
				return errors.Errorf("derivative error exceeds %g", tol)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&tol, "tol", 1e-6, "largest accepted relative error")
	return cmd
}
