package devcontainer

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dockhand-dev/dockhand/remote"
)

// overrideFileName is where synthesized configs land inside the workspace.
const overrideFileName = ".devcontainer/dockhand-override.json"

// Host performs devcontainer operations on the container VM through the
// remote executor.
type Host struct {
	exec      *remote.Executor
	upTimeout time.Duration
}

// NewHost wraps an executor. upTimeout bounds `devcontainer up`; zero means
// 120s.
func NewHost(exec *remote.Executor, upTimeout time.Duration) *Host {
	if upTimeout <= 0 {
		upTimeout = 120 * time.Second
	}
	return &Host{exec: exec, upTimeout: upTimeout}
}

// HasConfig reports whether the workspace ships its own devcontainer config,
// checking both supported locations.
func (h *Host) HasConfig(ctx context.Context, workspace string) (bool, error) {
	cmd := fmt.Sprintf("test -f %s || test -f %s",
		remote.ShellQuote(path.Join(workspace, ".devcontainer/devcontainer.json")),
		remote.ShellQuote(path.Join(workspace, ".devcontainer.json")))
	if _, err := h.exec.Run(ctx, cmd, 0); err != nil {
		if strings.Contains(err.Error(), "timed out") {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReadConfig returns the raw bytes of the workspace's config, preferring the
// .devcontainer/ directory form.
func (h *Host) ReadConfig(ctx context.Context, workspace string) ([]byte, error) {
	cmd := fmt.Sprintf("cat %s 2>/dev/null || cat %s",
		remote.ShellQuote(path.Join(workspace, ".devcontainer/devcontainer.json")),
		remote.ShellQuote(path.Join(workspace, ".devcontainer.json")))
	out, err := h.exec.Run(ctx, cmd, 0)
	if err != nil {
		return nil, fmt.Errorf("devcontainer: read config: %w", err)
	}
	return []byte(out), nil
}

// WriteConfig materializes content at relPath under the workspace and
// returns the absolute path on the VM.
func (h *Host) WriteConfig(ctx context.Context, workspace, relPath string, content []byte) (string, error) {
	dst := path.Join(workspace, relPath)
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s",
		remote.ShellQuote(path.Dir(dst)),
		remote.ShellQuote(string(content)),
		remote.ShellQuote(dst))
	if _, err := h.exec.Run(ctx, cmd, 0); err != nil {
		return "", fmt.Errorf("devcontainer: write %s: %w", relPath, err)
	}
	return dst, nil
}

// WriteDefaultConfig writes a synthesized config for a repo without one.
func (h *Host) WriteDefaultConfig(ctx context.Context, workspace, image, network string, hostPort int) (string, error) {
	return h.WriteConfig(ctx, workspace, ".devcontainer/devcontainer.json",
		GenerateDefaultConfig(image, network, hostPort))
}

// WriteOverrideConfig writes the merged override for a repo with its own
// config.
func (h *Host) WriteOverrideConfig(ctx context.Context, workspace string, original []byte, hostPort int) (string, error) {
	return h.WriteConfig(ctx, workspace, overrideFileName,
		BuildOverrideConfig(original, hostPort))
}

// Up brings the workspace's devcontainer up and returns the container ID.
// overrideConfig, when non-empty, is passed through to the CLI.
func (h *Host) Up(ctx context.Context, workspace, overrideConfig string) (string, error) {
	cmd := "devcontainer up --workspace-folder " + remote.ShellQuote(workspace)
	if overrideConfig != "" {
		cmd += " --override-config " + remote.ShellQuote(overrideConfig)
	}
	out, err := h.exec.Run(ctx, cmd, h.upTimeout)
	if err != nil {
		return "", fmt.Errorf("devcontainer: up: %w", err)
	}
	return parseUpOutput(out)
}

// parseUpOutput finds the CLI's result JSON. The devcontainer CLI logs
// freely to stdout and emits a single JSON object with containerId on the
// last non-empty line.
func parseUpOutput(out string) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		id := extractJSONField(line, "containerId")
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("devcontainer: no containerId in up output")
}

func extractJSONField(line, field string) string {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return ""
	}
	s, _ := obj[field].(string)
	return s
}
