// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"time"

	"github.com/pkg/errors"
)

// Compiler turns units into a library of kernels.
type Compiler interface {
	Compile(ctx context.Context, units ...*Unit) (Library, error)
}

// PluginCompiler generates Go source, builds it with -buildmode=plugin and opens the result.
// The host binary and the plugin must be built by the same toolchain; a Go toolchain must be
// available at run time.
type PluginCompiler struct {
	GoBin   string // defaults to "go" on PATH
	WorkDir string // parent of the build directory, defaults to os.TempDir
	Keep    bool   // keep the build directory for inspection
	Logger  *slog.Logger
}

const pluginGoMod = "module nljit\n\ngo 1.21\n"

func (c *PluginCompiler) Compile(ctx context.Context, units ...*Unit) (Library, error) {
	if err := validateUnits(units); err != nil {
		return nil, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := os.MkdirTemp(c.WorkDir, "nljit-")
	if err != nil {
		return nil, errors.Wrap(err, "jit: create build directory")
	}
	if !c.Keep {
		defer os.RemoveAll(dir)
	}

	var src bytes.Buffer
	if err = Generate(&src, units...); err != nil {
		return nil, err
	}
	if err = os.WriteFile(filepath.Join(dir, "go.mod"), []byte(pluginGoMod), 0o644); err != nil {
		return nil, errors.Wrap(err, "jit: write go.mod")
	}
	if err = os.WriteFile(filepath.Join(dir, "kernels.go"), src.Bytes(), 0o644); err != nil {
		return nil, errors.Wrap(err, "jit: write kernels")
	}

	bin := c.GoBin
	if bin == "" {
		bin = "go"
	}
	so := filepath.Join(dir, "kernels.so")
	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, "build", "-buildmode=plugin", "-o", so, ".")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Wrapf(err, "jit: build plugin: %s", bytes.TrimSpace(out))
	}
	logger.Debug("jit plugin built", "dir", dir, "units", len(units), "bytes", src.Len(), "elapsed", time.Since(start))

	p, err := plugin.Open(so)
	if err != nil {
		return nil, errors.Wrap(err, "jit: open plugin")
	}
	return pluginLibrary{p}, nil
}

type pluginLibrary struct {
	p *plugin.Plugin
}

func (l pluginLibrary) Lookup(symbol string) (any, error) {
	s, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, errors.Wrap(ErrSymbolNotFound, symbol)
	}
	return s, nil
}
