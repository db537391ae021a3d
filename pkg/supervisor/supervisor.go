// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor spawns and watches the terminal-sharing subprocess.
//
// Each session runs one ttyd process bound to a fixed port. ttyd accepts a
// single client, and its child command is a docker run of the workload image
// with a locked-down profile: memory and pid caps, all capabilities dropped,
// no privilege escalation. Workload credentials travel via a 0600 env file
// mounted into the container, never via the argument vector.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/stacklok/demo-coordinator/pkg/logger"
)

// Default workload restrictions.
const (
	DefaultMemoryLimit = "512m"
	DefaultPidsLimit   = 256
)

// Config describes how sessions are spawned.
type Config struct {
	// TTYDPath is the ttyd binary; resolved via PATH when relative.
	TTYDPath string

	// Port is the fixed port ttyd binds; the reverse proxy forwards
	// /terminal traffic to it.
	Port int

	// Image is the workload container image.
	Image string

	// Command overrides the image entrypoint arguments. Empty means the
	// image default.
	Command []string

	// EnvHostPath / EnvContainerPath locate the credential file on the host
	// and inside the container.
	EnvHostPath      string
	EnvContainerPath string

	// Credentials are written into the credential file at spawn time.
	Credentials map[string]string

	// MemoryLimit and PidsLimit bound the workload container.
	MemoryLimit string
	PidsLimit   int
}

// Handle controls a running terminal subprocess.
type Handle interface {
	// Stop sends the termination signal (soft kill).
	Stop() error
	// Kill force-kills the subprocess.
	Kill() error
	// Done is closed once the subprocess has exited.
	Done() <-chan struct{}
}

// Supervisor spawns ttyd processes per Config.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor, filling in workload restriction defaults.
func New(cfg Config) *Supervisor {
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.PidsLimit == 0 {
		cfg.PidsLimit = DefaultPidsLimit
	}
	return &Supervisor{cfg: cfg}
}

// Launch writes the credential file and starts ttyd for sessionID. onExit is
// invoked from a watcher goroutine once the subprocess exits, with the exit
// error if any. The returned cleanup func removes the credential file and is
// safe to call from every session-end path.
//
// On failure the credential file is removed before returning.
func (s *Supervisor) Launch(_ context.Context, sessionID string, onExit func(error)) (Handle, func(), error) {
	envFile, err := WriteEnvFile(s.cfg.EnvHostPath, s.cfg.Credentials)
	if err != nil {
		return nil, nil, err
	}

	// #nosec G204 -- args are assembled from configuration, not user input
	cmd := exec.Command(s.cfg.TTYDPath, s.buildArgs(sessionID)...)

	// Stdio is captured for post-mortem logging but never forwarded to
	// clients; the browser talks to ttyd's own port through the proxy.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		envFile.Remove()
		return nil, nil, fmt.Errorf("failed to spawn terminal subprocess: %w", err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(p.done)
		if err != nil && !isExpectedExit(err) {
			logger.Warnw("terminal subprocess exited abnormally",
				"session_id", sessionID, "error", err, "stderr", stderr.String())
		}
		onExit(err)
	}()

	logger.Infow("terminal subprocess started",
		"session_id", sessionID, "pid", cmd.Process.Pid, "port", s.cfg.Port)
	return p, envFile.Remove, nil
}

// buildArgs assembles the ttyd argument vector. ttyd serves exactly one
// client and exits when that client disconnects; reconnects go through the
// coordinator, which spawns a fresh process.
func (s *Supervisor) buildArgs(sessionID string) []string {
	args := []string{
		"--port", strconv.Itoa(s.cfg.Port),
		"--once",
		"--max-clients", "1",
		"--writable",
	}

	args = append(args,
		"docker", "run",
		"--rm", "-i",
		"--name", "demo-session-"+shortID(sessionID),
		"--memory", s.cfg.MemoryLimit,
		"--pids-limit", strconv.Itoa(s.cfg.PidsLimit),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"-v", s.cfg.EnvHostPath+":"+s.cfg.EnvContainerPath+":ro",
		"-e", "SESSION_ENV_FILE="+s.cfg.EnvContainerPath,
		s.cfg.Image,
	)
	return append(args, s.cfg.Command...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// isExpectedExit filters the exit statuses of a deliberately signalled or
// single-shot subprocess.
func isExpectedExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled()
}

type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	killOnce sync.Once
}

func (p *process) Stop() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM to terminal subprocess: %w", err)
	}
	return nil
}

func (p *process) Kill() error {
	var killErr error
	p.killOnce.Do(func() {
		if err := p.cmd.Process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			killErr = fmt.Errorf("failed to send SIGKILL to terminal subprocess: %w", err)
		}
	})
	return killErr
}

func (p *process) Done() <-chan struct{} {
	return p.done
}
