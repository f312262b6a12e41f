// Package gitrepo manages clones and worktrees on the container host. The
// git binary runs remotely through the executor; this process never touches
// a working copy directly.
package gitrepo

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/remote"
)

const gitTimeout = 5 * time.Minute

// ErrRepoBusy reports that a repo's main clone is already held by a session.
type ErrRepoBusy struct {
	FullName          string
	ExistingSessionID string
}

func (e *ErrRepoBusy) Error() string {
	return fmt.Sprintf("gitrepo: %s is in use by session %s", e.FullName, e.ExistingSessionID)
}

// Manager owns the clone directory layout and the main-clone locks.
type Manager struct {
	exec     *remote.Executor
	baseDir  string
	cloneURL string
	autoPull bool
	log      *zap.Logger

	mu       sync.Mutex
	acquired map[string]string // full_name -> session_id
}

// New builds a manager. baseDir is the VM directory holding clones;
// cloneURLPrefix is prepended to "org/repo.git" (e.g. "git@github.com:" or
// "https://github.com/"). autoPull enables a best-effort ff-only pull on
// reuse.
func New(exec *remote.Executor, baseDir, cloneURLPrefix string, autoPull bool, log *zap.Logger) *Manager {
	return &Manager{
		exec:     exec,
		baseDir:  baseDir,
		cloneURL: cloneURLPrefix,
		autoPull: autoPull,
		log:      log,
		acquired: make(map[string]string),
	}
}

// RepoPath returns the main clone path for a ref.
func (m *Manager) RepoPath(ref model.RepoRef) string {
	return path.Join(m.baseDir, ref.Org, ref.Repo)
}

// EnsureRepo clones the repo if the main clone is missing and returns its
// path. With autoPull set, an existing clone gets a ff-only pull; pull
// failures are logged and swallowed since a stale clone is still usable.
func (m *Manager) EnsureRepo(ctx context.Context, ref model.RepoRef) (string, error) {
	repoPath := m.RepoPath(ref)
	checkCmd := "test -d " + remote.ShellQuote(path.Join(repoPath, ".git"))
	if _, err := m.exec.Run(ctx, checkCmd, 0); err != nil {
		url := m.cloneURL + ref.FullName() + ".git"
		clone := fmt.Sprintf("mkdir -p %s && git clone %s %s",
			remote.ShellQuote(path.Dir(repoPath)),
			remote.ShellQuote(url),
			remote.ShellQuote(repoPath))
		if ref.Branch != "" {
			clone = fmt.Sprintf("mkdir -p %s && git clone --branch %s %s %s",
				remote.ShellQuote(path.Dir(repoPath)),
				remote.ShellQuote(ref.Branch),
				remote.ShellQuote(url),
				remote.ShellQuote(repoPath))
		}
		if out, err := m.exec.Run(ctx, clone, gitTimeout); err != nil {
			return "", fmt.Errorf("gitrepo: clone %s: %w: %s", ref.FullName(), err, strings.TrimSpace(out))
		}
		m.log.Info("repo cloned", zap.String("repo", ref.FullName()), zap.String("path", repoPath))
		return repoPath, nil
	}

	if m.autoPull {
		pull := fmt.Sprintf("git -C %s pull --ff-only", remote.ShellQuote(repoPath))
		if out, err := m.exec.Run(ctx, pull, gitTimeout); err != nil {
			m.log.Warn("auto-pull failed, continuing with existing clone",
				zap.String("repo", ref.FullName()),
				zap.String("output", strings.TrimSpace(out)),
				zap.Error(err))
		}
	}
	return repoPath, nil
}

// CreateWorktree adds a worktree for the session off the main clone and
// returns its path. The branch is pinned when the ref names one.
func (m *Manager) CreateWorktree(ctx context.Context, ref model.RepoRef, sessionID string) (string, error) {
	repoPath := m.RepoPath(ref)
	wtPath := path.Join(m.baseDir, "worktrees", ref.WorktreeDirName(sessionID))

	cmd := fmt.Sprintf("mkdir -p %s && git -C %s worktree add %s",
		remote.ShellQuote(path.Join(m.baseDir, "worktrees")),
		remote.ShellQuote(repoPath),
		remote.ShellQuote(wtPath))
	if ref.Branch != "" {
		cmd += " " + remote.ShellQuote(ref.Branch)
	} else {
		cmd += " --detach"
	}
	if out, err := m.exec.Run(ctx, cmd, gitTimeout); err != nil {
		return "", fmt.Errorf("gitrepo: worktree for %s: %w: %s", ref.FullName(), err, strings.TrimSpace(out))
	}
	m.log.Info("worktree created",
		zap.String("repo", ref.FullName()), zap.String("path", wtPath))
	return wtPath, nil
}

// TryAcquireRepo takes the exclusive lock on a repo's main clone. Non-worktree
// sessions must hold it; worktree sessions never call this.
func (m *Manager) TryAcquireRepo(ref model.RepoRef, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, held := m.acquired[ref.FullName()]; held {
		return &ErrRepoBusy{FullName: ref.FullName(), ExistingSessionID: owner}
	}
	m.acquired[ref.FullName()] = sessionID
	return nil
}

// ReleaseRepoBySession frees any main-clone locks the session holds.
func (m *Manager) ReleaseRepoBySession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fullName, owner := range m.acquired {
		if owner == sessionID {
			delete(m.acquired, fullName)
		}
	}
}

// HeldBy returns the session holding the repo lock, if any.
func (m *Manager) HeldBy(fullName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, held := m.acquired[fullName]
	return owner, held
}

// CleanupWorktreeByPath detaches and deletes a worktree. Best effort: the
// directory is removed even when git no longer knows about it.
func (m *Manager) CleanupWorktreeByPath(ctx context.Context, wtPath string) {
	if wtPath == "" || !strings.HasPrefix(wtPath, path.Join(m.baseDir, "worktrees")+"/") {
		m.log.Warn("refusing to clean up path outside worktree dir", zap.String("path", wtPath))
		return
	}
	cmd := fmt.Sprintf("git worktree remove --force %s 2>/dev/null; rm -rf %s",
		remote.ShellQuote(wtPath), remote.ShellQuote(wtPath))
	if _, err := m.exec.Run(ctx, cmd, gitTimeout); err != nil {
		m.log.Warn("worktree cleanup failed", zap.String("path", wtPath), zap.Error(err))
	}
}
