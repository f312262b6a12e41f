package model

import (
	"fmt"
	"regexp"
	"strings"
)

// WorktreeMode says whether a session gets the main clone or a worktree.
type WorktreeMode int

const (
	// WorktreeNone means the session uses the main clone exclusively.
	WorktreeNone WorktreeMode = iota
	// WorktreeAuto means a worktree with a generated name.
	WorktreeAuto
	// WorktreeNamed means a worktree with a user-supplied name.
	WorktreeNamed
)

// RepoRef is a parsed chat repository token:
//
//	<org>/<repo>[@<branch>] [--worktree[=<name>]]
type RepoRef struct {
	Org          string
	Repo         string
	Branch       string
	Worktree     WorktreeMode
	WorktreeName string
}

var worktreeNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidWorktreeName reports whether n is a safe worktree directory name:
// limited charset, no leading dot, no parent traversal.
func ValidWorktreeName(n string) bool {
	if n == "" || strings.HasPrefix(n, ".") || strings.Contains(n, "..") {
		return false
	}
	return worktreeNameRe.MatchString(n)
}

// ParseRepoRef parses a repo token from a chat command. defaultOrg, when
// non-empty, is prefixed to a bare token with no "/".
func ParseRepoRef(input, defaultOrg string) (*RepoRef, error) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty repository reference")
	}

	ref := &RepoRef{}
	token := fields[0]
	for _, f := range fields[1:] {
		switch {
		case f == "--worktree":
			ref.Worktree = WorktreeAuto
		case strings.HasPrefix(f, "--worktree="):
			name := strings.TrimPrefix(f, "--worktree=")
			if !ValidWorktreeName(name) {
				return nil, fmt.Errorf("invalid worktree name %q: allowed characters are [A-Za-z0-9_.-], no leading '.' and no '..'", name)
			}
			ref.Worktree = WorktreeNamed
			ref.WorktreeName = name
		default:
			return nil, fmt.Errorf("unexpected argument %q", f)
		}
	}

	if at := strings.Index(token, "@"); at >= 0 {
		ref.Branch = token[at+1:]
		token = token[:at]
		if ref.Branch == "" {
			return nil, fmt.Errorf("empty branch in %q", input)
		}
	}

	if !strings.Contains(token, "/") {
		if defaultOrg == "" {
			return nil, fmt.Errorf("repository must be org/repo, got %q", token)
		}
		token = defaultOrg + "/" + token
	}

	parts := strings.SplitN(token, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return nil, fmt.Errorf("repository must be org/repo, got %q", token)
	}
	ref.Org, ref.Repo = parts[0], parts[1]
	return ref, nil
}

// FullName returns "org/repo".
func (r *RepoRef) FullName() string { return r.Org + "/" + r.Repo }

// Project returns "org/repo" or "org/repo@branch", the form persisted on
// sessions and shown in thread titles.
func (r *RepoRef) Project() string {
	if r.Branch != "" {
		return r.FullName() + "@" + r.Branch
	}
	return r.FullName()
}

// String renders the ref back to its chat token form. ParseRepoRef(String())
// round-trips.
func (r *RepoRef) String() string {
	s := r.Project()
	switch r.Worktree {
	case WorktreeAuto:
		s += " --worktree"
	case WorktreeNamed:
		s += " --worktree=" + r.WorktreeName
	}
	return s
}

// WorktreeDirName returns the directory name for this ref's worktree:
// the named worktree, or repo-<sid8> for auto mode.
func (r *RepoRef) WorktreeDirName(sessionID string) string {
	if r.Worktree == WorktreeNamed {
		return r.WorktreeName
	}
	return fmt.Sprintf("%s-%s", r.Repo, ShortID(sessionID))
}
