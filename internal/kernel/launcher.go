package kernel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/process"
)

// LaunchConfig describes how kernel processes are started.
type LaunchConfig struct {
	// Python is the interpreter that has ipykernel installed.
	Python string
	// KernelName is recorded in the connection file.
	KernelName string
	// Dir is the kernel's working directory.
	Dir string
	// RuntimeDir holds connection files; os.TempDir when empty.
	RuntimeDir string
}

// defaultArgv mirrors the python3 kernelspec.
var defaultArgv = []string{"-m", "ipykernel_launcher", "-f", "{connection_file}"}

// NewProcessLauncher returns a Launcher that runs ipykernel as a child
// process and connects to it over ZeroMQ.
func NewProcessLauncher(cfg LaunchConfig, ctl process.Controller, log *logger.Logger) Launcher {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.KernelName == "" {
		cfg.KernelName = "python3"
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = os.TempDir()
	}
	return func(ctx context.Context) (Kernel, error) {
		info, err := newConnectionInfo(cfg.KernelName)
		if err != nil {
			return nil, err
		}
		connFile, err := writeConnectionFile(cfg.RuntimeDir, info)
		if err != nil {
			return nil, err
		}
		k := &processKernel{
			cfg:      cfg,
			info:     info,
			connFile: connFile,
			ctl:      ctl,
			log:      log.WithComponent("kernel").WithFields(zap.String("connection_file", connFile)),
		}
		if err := k.spawn(); err != nil {
			_ = os.Remove(connFile)
			return nil, err
		}
		return k, nil
	}
}

type processKernel struct {
	cfg      LaunchConfig
	info     ConnectionInfo
	connFile string
	ctl      process.Controller
	log      *logger.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

func (k *processKernel) spawn() error {
	args := make([]string, len(defaultArgv))
	for i, a := range defaultArgv {
		args[i] = strings.ReplaceAll(a, "{connection_file}", k.connFile)
	}
	cmd := exec.Command(k.cfg.Python, args...)
	cmd.Dir = k.cfg.Dir
	cmd.Env = process.Environ(map[string]string{"PYTHONUNBUFFERED": "1"})
	k.ctl.Prepare(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch kernel: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	k.mu.Lock()
	k.cmd = cmd
	k.exited = exited
	k.mu.Unlock()
	k.log.Info("kernel process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (k *processKernel) NewClient() Client {
	return newZMQClient(k.info, k.log)
}

func (k *processKernel) Interrupt(context.Context) error {
	k.mu.Lock()
	cmd := k.cmd
	k.mu.Unlock()
	if cmd == nil {
		return ErrNoKernel
	}
	return k.ctl.Interrupt(cmd.Process)
}

// Restart kills the kernel and starts a new one on the same connection
// file, so existing clients reconnect transparently.
func (k *processKernel) Restart(ctx context.Context) error {
	if err := k.stop(ctx, true); err != nil {
		k.log.Warn("kernel stop during restart failed", zap.Error(err))
	}
	return k.spawn()
}

func (k *processKernel) Shutdown(ctx context.Context, now bool) error {
	err := k.stop(ctx, now)
	_ = os.Remove(k.connFile)
	return err
}

func (k *processKernel) stop(ctx context.Context, now bool) error {
	k.mu.Lock()
	cmd, exited := k.cmd, k.exited
	k.cmd = nil
	k.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if !now {
		c := newZMQClient(k.info, k.log)
		if err := c.Start(ctx); err == nil {
			_ = c.requestShutdown(false)
		}
		select {
		case <-exited:
			c.Stop()
			return nil
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		c.Stop()
	}

	if err := k.ctl.Kill(cmd.Process); err != nil {
		return err
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
