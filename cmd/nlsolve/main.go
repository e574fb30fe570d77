// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nlsolve loads a YAML problem file and solves it, prints its global
// derivative structure or generates the kernel source of its templates.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/curioloop/optinterface/jit"
	"github.com/curioloop/optinterface/nlcore"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nlsolve:", err)
		os.Exit(1)
	}
}

// app holds the state shared by all subcommands.
type app struct {
	logLevel    string
	logJSON     bool
	metricsAddr string
	compiler    string
	keepBuild   bool

	logger  *slog.Logger
	metrics *nlcore.Metrics
	server  *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "nlsolve",
		Short: "Solve and inspect nonlinear models described in YAML",
		Long: `nlsolve builds a model from a YAML problem file whose nonlinear functions are
portable expression graphs, then solves it with SLSQP or reports its structure.

Examples:
  nlsolve solve problem.yaml
  nlsolve structure problem.yaml --entries
  nlsolve codegen problem.yaml -o kernels.go
  nlsolve check problem.yaml --tol 1e-6`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.BoolVar(&a.logJSON, "log-json", false, "log as JSON")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&a.compiler, "compiler", "interp", "kernel compiler: interp or plugin")
	flags.BoolVar(&a.keepBuild, "keep-build", false, "keep the plugin build directory")

	root.AddCommand(a.solveCmd(), a.structureCmd(), a.codegenCmd(), a.checkCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	if a.logJSON {
		a.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	} else {
		a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
	}

	if a.metricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	a.metrics = nlcore.NewMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.server = &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", a.metricsAddr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", a.metricsAddr)
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *app) kernelCompiler() (jit.Compiler, error) {
	switch a.compiler {
	case "interp":
		return jit.Interpreter{}, nil
	case "plugin":
		return &jit.PluginCompiler{Keep: a.keepBuild, Logger: a.logger}, nil
	}
	return nil, errors.Errorf("unknown compiler %q", a.compiler)
}
