// Package remote runs commands on the container host over SSH. Dockhand never
// requires a local Docker daemon; every docker, git, and filesystem operation
// on the VM goes through this executor.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds one-shot commands that do not carry their own.
const DefaultTimeout = 120 * time.Second

// Config holds the SSH connection settings for the container host.
type Config struct {
	// Host is the remote host, "host" or "host:port".
	Host string
	// User is the SSH user.
	User string
	// KeyPath is a path to the private key file. Mutually exclusive with Key.
	KeyPath string
	// Key is the private key material itself. When set it is written to an
	// owner-only file under the state directory at construction time.
	Key string
	// StateDir receives the materialized key when Key is set.
	StateDir string
}

// Executor runs commands on the remote host.
type Executor struct {
	host    string
	port    string
	user    string
	keyPath string
	log     *zap.Logger
}

// New validates the config and builds an executor. An inline key is
// materialized to disk with a trailing newline (OpenSSH rejects keys
// without one) and 0600 permissions.
func New(cfg Config, log *zap.Logger) (*Executor, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("remote: host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("remote: user is required")
	}

	keyPath := cfg.KeyPath
	switch {
	case cfg.Key != "" && cfg.KeyPath != "":
		return nil, fmt.Errorf("remote: key and key_path are mutually exclusive")
	case cfg.Key != "":
		if cfg.StateDir == "" {
			return nil, fmt.Errorf("remote: state_dir is required for an inline key")
		}
		if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
			return nil, fmt.Errorf("remote: create state dir: %w", err)
		}
		keyPath = filepath.Join(cfg.StateDir, "ssh_key")
		material := cfg.Key
		if !strings.HasSuffix(material, "\n") {
			material += "\n"
		}
		if err := os.WriteFile(keyPath, []byte(material), 0o600); err != nil {
			return nil, fmt.Errorf("remote: write key file: %w", err)
		}
	case cfg.KeyPath != "":
		if _, err := os.Stat(cfg.KeyPath); err != nil {
			return nil, fmt.Errorf("remote: key file: %w", err)
		}
	default:
		return nil, fmt.Errorf("remote: one of key or key_path is required")
	}

	host, port := cfg.Host, "22"
	if h, p, ok := strings.Cut(cfg.Host, ":"); ok {
		host, port = h, p
	}
	return &Executor{host: host, port: port, user: cfg.User, keyPath: keyPath, log: log}, nil
}

func (e *Executor) sshArgs(remoteCmd string) []string {
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "BatchMode=yes",
		"-o", "ServerAliveInterval=30",
		"-p", e.port,
		"-i", e.keyPath,
		e.user + "@" + e.host,
		remoteCmd,
	}
}

// Run executes one command on the host and returns its combined output. A
// zero timeout uses DefaultTimeout. The command runs through a login shell so
// the remote PATH and profile apply.
func (e *Executor) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wrapped := "bash -lc " + ShellQuote(command)
	cmd := exec.CommandContext(ctx, "ssh", e.sshArgs(wrapped)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return string(out), fmt.Errorf("remote: command timed out after %s: %s", timeout, firstLine(command))
		}
		return string(out), fmt.Errorf("remote: %s: %w: %s", firstLine(command), err, bytes.TrimSpace(out))
	}
	return string(out), nil
}

// Process is a long-lived remote command with line-oriented stdin/stdout.
type Process struct {
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	stdinC  interface{ Close() error }
	stdout  *bufio.Scanner
	done    chan struct{}
	waitErr error
}

// Spawn starts a long-lived command on the host and wires up its pipes.
// Stderr is drained to the log in the background so the remote process can
// never block on a full pipe.
func (e *Executor) Spawn(ctx context.Context, command string) (*Process, error) {
	wrapped := "bash -lc " + ShellQuote(command)
	cmd := exec.CommandContext(ctx, "ssh", e.sshArgs(wrapped)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("remote: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("remote: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("remote: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("remote: start %s: %w", firstLine(command), err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			e.log.Debug("remote stderr", zap.String("line", sc.Text()))
		}
	}()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	p := &Process{
		cmd:    cmd,
		stdin:  bufio.NewWriter(stdin),
		stdinC: stdin,
		stdout: sc,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// WriteLine sends one line to the remote process's stdin.
func (p *Process) WriteLine(line string) error {
	if _, err := p.stdin.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("remote: write stdin: %w", err)
	}
	return p.stdin.Flush()
}

// ReadLine blocks for the next stdout line. It returns false once the stream
// is exhausted; Err reports any scan failure after that.
func (p *Process) ReadLine() (string, bool) {
	if p.stdout.Scan() {
		return p.stdout.Text(), true
	}
	return "", false
}

// Err returns the scanner error, if any, after ReadLine reports false.
func (p *Process) Err() error { return p.stdout.Err() }

// Done is closed when the remote process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Close terminates the remote process and reaps it.
func (p *Process) Close() error {
	_ = p.stdinC.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return p.waitErr
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes, so it
// survives the remote shell untouched.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
