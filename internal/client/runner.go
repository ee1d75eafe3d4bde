package client

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/aspect-build/tunnelkeeper/internal/redact"
)

// RunConfig describes a child process launched with a secret bundle.
type RunConfig struct {
	Command string
	Args    []string
	Env     []string
	// Secrets are masked in the child's stdout and stderr.
	Secrets []string
}

// Run starts the child with masked output, forwards SIGINT and SIGTERM to
// it, and returns its exit code.
func Run(cfg RunConfig) (int, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Stdin = os.Stdin
	setProcAttr(cmd)

	stdout := redact.NewWriter(os.Stdout, cfg.Secrets)
	stderr := redact.NewWriter(os.Stderr, cfg.Secrets)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start command: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				_ = cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	_ = stdout.Flush()
	_ = stderr.Flush()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("wait command: %w", err)
	}
	return 0, nil
}
