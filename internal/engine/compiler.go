package engine

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/waldiez/studio/internal/common/filelock"
)

// Compiler turns a flow file into a runnable Python script and returns the
// script's path.
type Compiler interface {
	Compile(ctx context.Context, src string) (string, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, src string) (string, error)

func (f CompilerFunc) Compile(ctx context.Context, src string) (string, error) { return f(ctx, src) }

// Gatherer collects run state after a flow was interrupted. It must not
// block and failures are ignored.
type Gatherer interface {
	Gather(ctx context.Context, src string)
}

const compileTimeout = 2 * time.Minute

// ModuleCompiler exports flows by running the flow tooling module:
// python -m <module> convert --file <src> --output <dest> --force.
type ModuleCompiler struct {
	Python string
	Module string
}

// NewModuleCompiler returns the default compiler.
func NewModuleCompiler(python, module string) *ModuleCompiler {
	return &ModuleCompiler{Python: python, Module: module}
}

// ScriptPath is where a flow's compiled script is written.
func ScriptPath(src string) string {
	return strings.TrimSuffix(src, filepath.Ext(src)) + ".py"
}

func (c *ModuleCompiler) Compile(ctx context.Context, src string) (string, error) {
	out := ScriptPath(src)
	if err := c.Export(ctx, src, out); err != nil {
		return "", err
	}
	return out, nil
}

// Export converts src to dest; the destination extension (.py or .ipynb)
// selects the output format.
func (c *ModuleCompiler) Export(ctx context.Context, src, dest string) error {
	// Two runs of the same flow would otherwise race on the output file.
	unlock, err := filelock.Lock(ctx, dest)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Python, "-m", c.Module, "convert", "--file", src, "--output", dest, "--force")
	cmd.Dir = filepath.Dir(src)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return errors.New(lastLine(msg))
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ModuleGatherer runs python -m <module> gather in the background.
type ModuleGatherer struct {
	Python string
	Module string
}

func (g *ModuleGatherer) Gather(_ context.Context, src string) {
	cmd := exec.Command(g.Python, "-m", g.Module, "gather")
	cmd.Dir = filepath.Dir(src)
	if err := cmd.Start(); err != nil {
		return
	}
	go func() { _ = cmd.Wait() }()
}
