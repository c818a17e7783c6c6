// ABOUTME: Subprocess tool server speaking newline-delimited JSON-RPC on stdin/stdout.
// ABOUTME: Stderr is drained into debug logs and an early exit is reported as a StartError.

package toolserver

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

// DefaultGraceWindow is how long a freshly spawned server must stay alive.
const DefaultGraceWindow = 300 * time.Millisecond

const stopTimeout = 2 * time.Second

// noisyStderr lists substrings of stderr lines that are never logged.
var noisyStderr = []string{
	"ExperimentalWarning",
	"--trace-warnings",
	"npm WARN",
	"npm notice",
	"Debugger attached",
	"Waiting for the debugger",
	"running on stdio",
}

// StdioOptions configures a StdioConn.
type StdioOptions struct {
	Env         *procenv.Builder
	Logger      *slog.Logger
	GraceWindow time.Duration
	Timeout     time.Duration
}

// StdioConn is a tool server running as a child process.
type StdioConn struct {
	cfg         ServerConfig
	env         *procenv.Builder
	logger      *slog.Logger
	grace       time.Duration
	timeout     time.Duration
	commandLine string

	mu      sync.Mutex
	cmd     *exec.Cmd
	conn    *jsonrpc.Conn
	stderr  *stderrLog
	exited  chan struct{}
	waitErr error
}

// NewStdioConn creates an unstarted subprocess connection.
func NewStdioConn(cfg ServerConfig, opts StdioOptions) *StdioConn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := opts.Env
	if env == nil {
		env = &procenv.Builder{}
	}
	grace := opts.GraceWindow
	if grace == 0 {
		grace = DefaultGraceWindow
	}
	return &StdioConn{
		cfg:     cfg,
		env:     env,
		logger:  logger.With("tool_server", cfg.Name, "transport", string(KindStdio)),
		grace:   grace,
		timeout: opts.Timeout,
	}
}

func (s *StdioConn) Name() string { return s.cfg.Name }
func (s *StdioConn) Kind() Kind   { return KindStdio }

// CommandLine returns the resolved command line once Start has resolved it.
func (s *StdioConn) CommandLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandLine
}

// Start spawns the process and waits out the grace window. A failed Start
// leaves the connection unstarted, so it can be retried.
func (s *StdioConn) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return nil
	}

	cmd, err := s.env.Command(s.cfg.Command, s.cfg.Args, s.cfg.Env)
	if err != nil {
		s.mu.Unlock()
		return &StartError{Server: s.cfg.Name, CommandLine: procenv.CommandLine(s.cfg.Command, s.cfg.Args), Err: err}
	}
	s.commandLine = procenv.CommandLine(cmd.Path, s.cfg.Args)
	cmd.Dir = s.cfg.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return &StartError{Server: s.cfg.Name, CommandLine: s.commandLine, Err: err}
	}
	stdoutR, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW
	s.stderr = newStderrLog(s.logger)
	cmd.Stderr = s.stderr

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		_ = stdoutW.Close()
		return &StartError{Server: s.cfg.Name, CommandLine: s.commandLine, Err: err}
	}
	s.logger.Info("tool server spawned", "command", s.commandLine, "pid", cmd.Process.Pid)

	s.cmd = cmd
	s.exited = make(chan struct{})
	exited := s.exited
	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(exited)
	}()

	codec := jsonrpc.NewLineCodec(stdoutR, stdin, stdin)
	s.conn = jsonrpc.NewConn(codec, jsonrpc.Options{
		Name:           s.cfg.Name,
		Logger:         s.logger,
		DefaultTimeout: s.timeout,
	})
	s.conn.Start()
	s.mu.Unlock()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-exited:
		s.mu.Lock()
		waitErr := s.waitErr
		s.mu.Unlock()
		if waitErr == nil {
			waitErr = errors.New("process exited during startup")
		}
		_ = s.conn.Close()
		s.clearStarted()
		return &StartError{
			Server:      s.cfg.Name,
			CommandLine: s.commandLine,
			Stderr:      s.stderr.Tail(),
			Err:         waitErr,
		}
	case <-timer.C:
		return nil
	case <-ctx.Done():
		_ = s.Stop()
		s.clearStarted()
		return ctx.Err()
	}
}

func (s *StdioConn) clearStarted() {
	s.mu.Lock()
	s.cmd, s.conn = nil, nil
	s.mu.Unlock()
}

func (s *StdioConn) rpc() (*jsonrpc.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotStarted
	}
	return s.conn, nil
}

// Initialize performs the protocol handshake.
func (s *StdioConn) Initialize(ctx context.Context) error {
	conn, err := s.rpc()
	if err != nil {
		return err
	}
	res, err := handshake(ctx, conn)
	if err != nil {
		return err
	}
	s.logger.Debug("tool server initialized", "server_name", res.ServerInfo.Name, "protocol", res.ProtocolVersion)
	return nil
}

// ListTools returns every tool the server advertises.
func (s *StdioConn) ListTools(ctx context.Context) ([]Tool, error) {
	conn, err := s.rpc()
	if err != nil {
		return nil, err
	}
	return listAllTools(ctx, conn)
}

// CallTool invokes one tool and renders its result as text.
func (s *StdioConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	conn, err := s.rpc()
	if err != nil {
		return "", err
	}
	return callTool(ctx, conn, name, args)
}

// Stop closes stdin, waits briefly for the process to exit and kills it if
// it does not.
func (s *StdioConn) Stop() error {
	s.mu.Lock()
	conn, cmd, exited := s.conn, s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if conn != nil {
		_ = conn.Close()
	}
	select {
	case <-exited:
	case <-time.After(stopTimeout):
		s.logger.Warn("tool server did not exit, killing")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("killing %s: %w", s.cfg.Name, err)
		}
		<-exited
	}
	s.logger.Info("tool server stopped")
	return nil
}

// stderrLog turns stderr output into debug log lines and keeps a short tail
// for startup errors.
type stderrLog struct {
	logger *slog.Logger

	mu      sync.Mutex
	partial []byte
	tail    []string
}

const stderrTailLines = 10

func newStderrLog(logger *slog.Logger) *stderrLog {
	return &stderrLog{logger: logger}
}

func (l *stderrLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.partial[:i]), "\r")
		l.partial = l.partial[i+1:]
		l.record(line)
	}
	return len(p), nil
}

func (l *stderrLog) record(line string) {
	if strings.TrimSpace(line) == "" || isNoisy(line) {
		return
	}
	l.logger.Debug("tool server stderr", "line", line)
	l.tail = append(l.tail, line)
	if len(l.tail) > stderrTailLines {
		l.tail = l.tail[len(l.tail)-stderrTailLines:]
	}
}

// Tail returns the last few meaningful stderr lines, including any
// unterminated final line.
func (l *stderrLog) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := append([]string(nil), l.tail...)
	if rest := strings.TrimSpace(string(l.partial)); rest != "" && !isNoisy(rest) {
		lines = append(lines, rest)
	}
	return strings.Join(lines, "\n")
}

func isNoisy(line string) bool {
	for _, n := range noisyStderr {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}
