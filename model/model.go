// Package model defines the core domain types shared across all Dockhand
// packages. It has zero dependencies on other Dockhand packages.
package model

import (
	"fmt"
	"time"
)

// SessionType classifies what drives a session.
type SessionType string

const (
	// TypeStandard is a plain user-driven coding session.
	TypeStandard SessionType = "standard"
	// TypeOrchestrator is a session whose agent manages child sessions
	// through the in-band marker protocol.
	TypeOrchestrator SessionType = "orchestrator"
	// TypeWorker is a child session spawned by an orchestrator.
	TypeWorker SessionType = "worker"
	// TypeReviewer is a child session spawned to review another session's work.
	TypeReviewer SessionType = "reviewer"
)

// Label returns the human-facing label used in thread root posts.
func (t SessionType) Label() string {
	switch t {
	case TypeOrchestrator:
		return "Orchestrator"
	case TypeWorker:
		return "Worker"
	case TypeReviewer:
		return "Reviewer"
	default:
		return "Session"
	}
}

// Session is one agent conversation anchored in one chat thread, backed by
// one container and one worker stream.
type Session struct {
	ID              string      `json:"id"`
	ChannelID       string      `json:"channel_id"`
	ThreadID        string      `json:"thread_id"`
	Project         string      `json:"project"`      // org/repo[@branch]
	ProjectPath     string      `json:"project_path"` // absolute path on the VM
	ContainerName   string      `json:"container_name"`
	Type            SessionType `json:"session_type"`
	ParentSessionID string      `json:"parent_session_id,omitempty"`
	WorktreePath    string      `json:"worktree_path,omitempty"`
	PlanMode        bool        `json:"plan_mode"`
	PendingTitle    bool        `json:"pending_title"`
	AgentSessionID  string      `json:"agent_session_id,omitempty"`
	MessageCount    int         `json:"message_count"`
	CompactionCount int         `json:"compaction_count"`
	CreatedAt       time.Time   `json:"created_at"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
}

// ShortID returns the first 8 characters of the session ID, the form shown
// to chat users.
func (s *Session) ShortID() string { return ShortID(s.ID) }

// ShortID truncates an ID to its 8-character display prefix.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ContainerState is the lifecycle state of a devcontainer entry.
type ContainerState string

const (
	StateRunning  ContainerState = "running"
	StateStopping ContainerState = "stopping"
	StateStopped  ContainerState = "stopped"
)

// ParseContainerState maps a stored string to a state. Unknown strings parse
// to Stopped so that a corrupt row can never resurrect a container.
func ParseContainerState(s string) ContainerState {
	switch ContainerState(s) {
	case StateRunning, StateStopping:
		return ContainerState(s)
	default:
		return StateStopped
	}
}

// ContainerEntry is a devcontainer running on the remote VM, keyed by
// (repo, branch) where branch "" means the default branch.
type ContainerEntry struct {
	ID                   int64          `json:"id"`
	Repo                 string         `json:"repo"`
	Branch               string         `json:"branch"`
	Name                 string         `json:"name"`
	State                ContainerState `json:"state"`
	SessionCount         int            `json:"session_count"`
	GRPCPort             int            `json:"grpc_port"`
	ConfigHash           string         `json:"config_hash,omitempty"`
	LastActivityAt       time.Time      `json:"last_activity_at"`
	LastSessionStoppedAt *time.Time     `json:"last_session_stopped_at,omitempty"`
}

// Key returns the registry key for the entry.
func (c *ContainerEntry) Key() string { return ContainerKey(c.Repo, c.Branch) }

// ContainerKey builds the map key for a (repo, branch) pair.
func ContainerKey(repo, branch string) string {
	return repo + "\x00" + branch
}

// ProjectChannel is the stable org/repo → chat channel mapping. Created on
// demand, never rewritten.
type ProjectChannel struct {
	Project     string    `json:"project"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// PendingApproval is an outstanding network-access request awaiting an
// operator verdict.
type PendingApproval struct {
	RequestID string    `json:"request_id"`
	ChannelID string    `json:"channel_id"`
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	Domain    string    `json:"domain"`
	PostID    string    `json:"post_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is one append-only record of an approval decision.
type AuditEntry struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Domain     string    `json:"domain"`
	Action     string    `json:"action"`
	ApprovedBy string    `json:"approved_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// FormatAge renders a duration the way session listings show it.
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
