// ABOUTME: Dialers produce the byte stream a session speaks over.
// ABOUTME: ProcessDialer spawns the backend binary and talks over its stdio.

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/jsonrpc"
	"github.com/2389/coven-relay/internal/procenv"
)

// Dialer opens a transport to a backend.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// ProcessDialer starts the backend as a child process.
type ProcessDialer struct {
	Command string
	Args    []string
	Env     *procenv.Builder
	Logger  *slog.Logger

	// KillAfter bounds how long Close waits for the process to exit.
	KillAfter time.Duration
}

func (d *ProcessDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	env := d.Env
	if env == nil {
		env = &procenv.Builder{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend_process")

	cmd, err := env.Command(d.Command, d.Args, nil)
	if err != nil {
		return nil, &jsonrpc.TransportError{Op: "spawn " + d.Command, Err: err}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &jsonrpc.TransportError{Op: "spawn " + d.Command, Err: err}
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = &lineLogger{logger: logger}

	if err := cmd.Start(); err != nil {
		return nil, &jsonrpc.TransportError{Op: "spawn " + procenv.CommandLine(cmd.Path, d.Args), Err: err}
	}
	logger.Info("backend process started", "pid", cmd.Process.Pid, "command", cmd.Path)

	p := &processConn{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    pr,
		exited:    make(chan struct{}),
		killAfter: d.KillAfter,
		logger:    logger,
	}
	if p.killAfter == 0 {
		p.killAfter = 2 * time.Second
	}
	go func() {
		err := cmd.Wait()
		p.waitErr = err
		pw.CloseWithError(io.EOF)
		close(p.exited)
		logger.Info("backend process exited", "error", err)
	}()
	return p, nil
}

type processConn struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *io.PipeReader
	exited    chan struct{}
	waitErr   error
	killAfter time.Duration
	logger    *slog.Logger
	closeOnce sync.Once
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin and kills the process if it lingers.
func (p *processConn) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(p.killAfter):
			p.logger.Warn("backend process did not exit, killing", "pid", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		_ = p.stdout.Close()
	})
	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		return fmt.Errorf("wait backend process: %w", p.waitErr)
	}
	return nil
}

// lineLogger turns the child's stderr into debug log lines.
type lineLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.buf.Next(i+1)), "\r\n")
		if line != "" {
			l.logger.Debug("backend stderr", "line", line)
		}
	}
	return len(p), nil
}
