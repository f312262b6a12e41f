// Package devcontainer reads, hashes, and synthesizes devcontainer.json
// configs. Repo-provided configs are JSONC; everything Dockhand writes back
// is plain JSON.
package devcontainer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// WorkerPort is the fixed gRPC port the agent worker listens on inside every
// container. The host side varies per container; the inside never does.
const WorkerPort = 50051

// workerLaunch starts the agent worker when the container comes up. It must
// not block postStart, hence the background redirect.
const workerLaunch = "nohup dockhand-agent --listen 0.0.0.0:50051 >/tmp/dockhand-agent.log 2>&1 &"

// Config is the parsed view of a devcontainer.json. Unknown fields are kept
// in raw so an override merge never loses them.
type Config struct {
	Image            string
	RunArgs          []string
	PostStartCommand string

	raw map[string]interface{}
}

// Parse decodes JSONC content. Any failure yields an empty config rather
// than an error: a broken repo config falls back to defaults.
func Parse(content []byte) Config {
	var raw map[string]interface{}
	if err := json.Unmarshal(StripComments(content), &raw); err != nil {
		return Config{raw: map[string]interface{}{}}
	}
	cfg := Config{raw: raw}
	if img, ok := raw["image"].(string); ok {
		cfg.Image = img
	}
	if psc, ok := raw["postStartCommand"].(string); ok {
		cfg.PostStartCommand = psc
	}
	if args, ok := raw["runArgs"].([]interface{}); ok {
		for _, a := range args {
			if s, ok := a.(string); ok {
				cfg.RunArgs = append(cfg.RunArgs, s)
			}
		}
	}
	return cfg
}

// StripComments removes JSONC line and block comments, leaving string
// contents untouched. Newlines inside block comments are preserved so
// decode errors still point at the right line.
func StripComments(content []byte) []byte {
	var out []byte
	inString := false
	escaped := false
	i := 0
	for i < len(content) {
		c := content[i]
		switch {
		case inString:
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			i++
		case c == '"':
			inString = true
			out = append(out, c)
			i++
		case c == '/' && i+1 < len(content) && content[i+1] == '/':
			for i < len(content) && content[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(content) && content[i+1] == '*':
			i += 2
			for i < len(content) {
				if content[i] == '*' && i+1 < len(content) && content[i+1] == '/' {
					i += 2
					break
				}
				if content[i] == '\n' {
					out = append(out, '\n')
				}
				i++
			}
		default:
			out = append(out, c)
			i++
		}
	}
	return out
}

// HashConfig returns the hex SHA-256 of the raw config bytes. Used to detect
// config drift between a running container and the repo's current file.
func HashConfig(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// GenerateDefaultConfig synthesizes a config for repos that ship none: the
// base image, an optional docker network, the shared agent-credentials
// volume, API key passthrough, and the worker port published on hostPort.
func GenerateDefaultConfig(image, network string, hostPort int) []byte {
	runArgs := []string{}
	if network != "" {
		runArgs = append(runArgs, "--network", network)
	}
	runArgs = append(runArgs, "-p", portMapping(hostPort))

	cfg := map[string]interface{}{
		"name":    "dockhand-session",
		"image":   image,
		"runArgs": runArgs,
		"mounts": []string{
			"source=dockhand-claude-config,target=/home/node/.claude,type=volume",
		},
		"remoteEnv": map[string]string{
			"ANTHROPIC_API_KEY": "${localEnv:ANTHROPIC_API_KEY}",
		},
		"postStartCommand": workerLaunch,
	}
	out, _ := json.MarshalIndent(cfg, "", "  ")
	return out
}

// BuildOverrideConfig takes the repo's own config and merges in what every
// session container needs: the worker bootstrap and exactly one published
// worker port. All other runArgs (network, caps, ulimits) pass through.
func BuildOverrideConfig(original []byte, hostPort int) []byte {
	cfg := Parse(original)
	raw := cfg.raw

	args := make([]string, 0, len(cfg.RunArgs)+2)
	skipNext := false
	for i, a := range cfg.RunArgs {
		if skipNext {
			skipNext = false
			continue
		}
		if (a == "-p" || a == "--publish") && i+1 < len(cfg.RunArgs) &&
			strings.HasSuffix(cfg.RunArgs[i+1], fmt.Sprintf(":%d", WorkerPort)) {
			skipNext = true
			continue
		}
		args = append(args, a)
	}
	args = append(args, "-p", portMapping(hostPort))
	raw["runArgs"] = args

	if cfg.PostStartCommand != "" {
		raw["postStartCommand"] = cfg.PostStartCommand + " && " + workerLaunch
	} else {
		raw["postStartCommand"] = workerLaunch
	}

	out, _ := json.MarshalIndent(raw, "", "  ")
	return out
}

func portMapping(hostPort int) string {
	return fmt.Sprintf("%d:%d", hostPort, WorkerPort)
}
