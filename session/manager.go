// Package session implements the session core: starting agent sessions in
// devcontainers, routing prompts to them, and the single teardown path that
// every exit route funnels through.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/chat"
	"github.com/dockhand-dev/dockhand/devcontainer"
	"github.com/dockhand-dev/dockhand/gitrepo"
	"github.com/dockhand-dev/dockhand/internal/config"
	"github.com/dockhand-dev/dockhand/metrics"
	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/pipeline"
	"github.com/dockhand-dev/dockhand/registry"
	"github.com/dockhand-dev/dockhand/remote"
	"github.com/dockhand-dev/dockhand/store/sqlite"
	"github.com/dockhand-dev/dockhand/worker"
)

// ApprovalRequester is the approval coordinator's surface the pipeline needs.
type ApprovalRequester interface {
	Request(ctx context.Context, sess *model.Session, domain string) error
}

// live is the in-memory half of a running session.
type live struct {
	client *worker.Client
	pipe   *pipeline.Pipeline

	// events fans worker streams into the session's pipeline.
	events chan model.OutputEvent
	cancel context.CancelFunc

	// turnMu serializes agent turns so output order matches prompt order.
	turnMu sync.Mutex

	// mu guards sess: the worker recv goroutine, the pipeline hooks, and
	// command handlers all touch the record.
	mu   sync.Mutex
	sess *model.Session

	liveness livenessState
}

// snapshot copies the session record.
func (l *live) snapshot() model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.sess
}

// update mutates the record under the lock and returns the new value.
func (l *live) update(fn func(*model.Session)) model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.sess)
	return *l.sess
}

// Manager owns the live session map and composes every other component into
// the start/stop/restart flows.
type Manager struct {
	cfg   *config.Config
	store *sqlite.Store
	chat  *chat.Client
	exec  *remote.Executor
	dc    *devcontainer.Host
	reg   *registry.Registry
	repos *gitrepo.Manager
	m     *metrics.Metrics
	log   *zap.Logger

	approvals ApprovalRequester

	mu   sync.Mutex
	live map[string]*live

	// buildMu hands out one lock per container key so concurrent starts for
	// the same (repo, branch) build at most one container.
	buildMu  sync.Mutex
	building map[string]*sync.Mutex
}

// NewManager wires the session core. The approval coordinator is attached
// afterwards via SetApprovals since it needs the manager as its notifier.
func NewManager(cfg *config.Config, store *sqlite.Store, chatc *chat.Client,
	exec *remote.Executor, dc *devcontainer.Host, reg *registry.Registry,
	repos *gitrepo.Manager, m *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		chat:     chatc,
		exec:     exec,
		dc:       dc,
		reg:      reg,
		repos:    repos,
		m:        m,
		log:      log,
		live:     make(map[string]*live),
		building: make(map[string]*sync.Mutex),
	}
}

// SetApprovals attaches the approval coordinator.
func (mg *Manager) SetApprovals(a ApprovalRequester) { mg.approvals = a }

// vmAddr returns host:port for a worker published on the container VM.
func (mg *Manager) vmAddr(port int) string {
	host := mg.cfg.VMHost
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// StartSession runs the full start flow and returns the new session. Any
// failure after a side effect rolls back through the same cleanup helpers
// the teardown path uses.
func (mg *Manager) StartSession(ctx context.Context, channelID string, ref model.RepoRef,
	sessType model.SessionType, parentID string, planMode bool) (*model.Session, error) {

	sid := uuid.NewString()
	log := mg.log.With(zap.String("session_id", sid), zap.String("repo", ref.FullName()))

	// Step 1-2: working copy. The main clone is exclusive; worktrees are not.
	repoHeld := false
	worktreePath := ""
	if ref.Worktree == model.WorktreeNone {
		if err := mg.repos.TryAcquireRepo(ref, sid); err != nil {
			var busy *gitrepo.ErrRepoBusy
			if errors.As(err, &busy) {
				mg.m.SessionStartErrors.Inc()
				return nil, fmt.Errorf(
					"%s is already in use by session `%s` — start with `--worktree` to work in parallel",
					busy.FullName, model.ShortID(busy.ExistingSessionID))
			}
			return nil, err
		}
		repoHeld = true
	}

	fail := func(err error) (*model.Session, error) {
		if worktreePath != "" {
			mg.repos.CleanupWorktreeByPath(ctx, worktreePath)
		}
		if repoHeld {
			mg.repos.ReleaseRepoBySession(sid)
		}
		mg.m.SessionStartErrors.Inc()
		return nil, err
	}

	projectPath, err := mg.repos.EnsureRepo(ctx, ref)
	if err != nil {
		return fail(err)
	}
	if ref.Worktree != model.WorktreeNone {
		worktreePath, err = mg.repos.CreateWorktree(ctx, ref, sid)
		if err != nil {
			return fail(err)
		}
		projectPath = worktreePath
	}

	// Step 3: anchor the thread.
	rootText := fmt.Sprintf("%s for %s", sessType.Label(), ref.Project())
	threadID, err := mg.chat.PostMessage(ctx, channelID, rootText)
	if err != nil {
		return fail(fmt.Errorf("post thread root: %w", err))
	}
	if _, err := mg.chat.PostInThread(ctx, channelID, threadID, "_Starting session..._"); err != nil {
		log.Warn("transient starting post failed", zap.Error(err))
	}

	// Step 4: container.
	entry, err := mg.ensureContainer(ctx, ref, projectPath, log)
	if err != nil {
		return fail(err)
	}

	// Step 5: attach.
	client, err := worker.Connect(mg.vmAddr(entry.GRPCPort),
		mg.cfg.WorkerConnectTimeout, mg.cfg.WorkerCallTimeout, log)
	if err != nil {
		return fail(fmt.Errorf("connect worker: %w", err))
	}
	if _, err := mg.reg.IncrementSessions(ctx, ref.FullName(), ref.Branch,
		mg.cfg.MaxSessionsPerContainer); err != nil {
		client.Close()
		if errors.Is(err, registry.ErrSessionLimit) {
			return fail(fmt.Errorf(
				"container for %s is at its limit of %d sessions — stop one first",
				ref.FullName(), mg.cfg.MaxSessionsPerContainer))
		}
		return fail(err)
	}

	sess := &model.Session{
		ID:              sid,
		ChannelID:       channelID,
		ThreadID:        threadID,
		Project:         ref.Project(),
		ProjectPath:     projectPath,
		ContainerName:   entry.Name,
		Type:            sessType,
		ParentSessionID: parentID,
		WorktreePath:    worktreePath,
		PlanMode:        planMode,
		CreatedAt:       time.Now().UTC(),
		LastActivityAt:  time.Now().UTC(),
	}

	// Step 6: persist. A failure here unwinds everything done so far.
	if err := mg.store.CreateSession(ctx, sess); err != nil {
		client.Close()
		if _, derr := mg.reg.DecrementSessions(ctx, ref.FullName(), ref.Branch); derr != nil {
			log.Warn("rollback decrement failed", zap.Error(derr))
		}
		return fail(fmt.Errorf("persist session: %w", err))
	}

	// Step 7: pipeline.
	mg.attach(sess, client)
	mg.m.SessionsStarted.Inc()
	log.Info("session started",
		zap.String("container", entry.Name),
		zap.String("type", string(sessType)),
		zap.String("path", projectPath))

	if parentID != "" {
		mg.notifyParent(ctx, parentID, fmt.Sprintf("[SESSION_CREATED: %s %s %s %s]",
			sid, sessType, projectPath, threadID))
	}
	return sess, nil
}

// containerLock returns the build lock for a container key.
func (mg *Manager) containerLock(key string) *sync.Mutex {
	mg.buildMu.Lock()
	defer mg.buildMu.Unlock()
	mu, ok := mg.building[key]
	if !ok {
		mu = &sync.Mutex{}
		mg.building[key] = mu
	}
	return mu
}

// ensureContainer returns the registry entry for the ref's container,
// building it on the VM first when absent. The per-key lock spans the
// lookup and the build so two starts for the same (repo, branch) cannot
// both bring up a container.
func (mg *Manager) ensureContainer(ctx context.Context, ref model.RepoRef, projectPath string, log *zap.Logger) (model.ContainerEntry, error) {
	mu := mg.containerLock(model.ContainerKey(ref.FullName(), ref.Branch))
	mu.Lock()
	defer mu.Unlock()

	if entry, ok := mg.reg.Get(ref.FullName(), ref.Branch); ok {
		return entry, nil
	}

	port := mg.reg.AllocatePort(mg.cfg.GRPCPortBase)

	hasOwn, err := mg.dc.HasConfig(ctx, projectPath)
	if err != nil {
		return model.ContainerEntry{}, err
	}
	configHash := ""
	overridePath := ""
	if hasOwn {
		content, err := mg.dc.ReadConfig(ctx, projectPath)
		if err != nil {
			return model.ContainerEntry{}, err
		}
		configHash = devcontainer.HashConfig(content)
		overridePath, err = mg.dc.WriteOverrideConfig(ctx, projectPath, content, port)
		if err != nil {
			return model.ContainerEntry{}, err
		}
	} else {
		if _, err := mg.dc.WriteDefaultConfig(ctx, projectPath,
			mg.cfg.ContainerImage, mg.cfg.ContainerNetwork, port); err != nil {
			return model.ContainerEntry{}, err
		}
	}

	name, err := mg.dc.Up(ctx, projectPath, overridePath)
	if err != nil {
		return model.ContainerEntry{}, err
	}
	log.Info("container built", zap.String("container", name), zap.Int("port", port))

	id, err := mg.reg.Register(ctx, ref.FullName(), ref.Branch, name, configHash, port)
	if err != nil {
		return model.ContainerEntry{}, err
	}

	// The worker needs a moment after postStart; gate on health.
	probe, err := worker.Connect(mg.vmAddr(port), 0, mg.cfg.WorkerCallTimeout, log)
	if err != nil {
		return model.ContainerEntry{}, err
	}
	defer probe.Close()
	if err := probe.WaitForHealth(ctx, mg.cfg.WorkerHealthRetries, mg.cfg.WorkerHealthInterval); err != nil {
		return model.ContainerEntry{}, err
	}

	entry, ok := mg.reg.Get(ref.FullName(), ref.Branch)
	if !ok {
		return model.ContainerEntry{}, fmt.Errorf("container %d vanished after register", id)
	}
	return entry, nil
}

// attach builds the live record and starts the session's pipeline.
func (mg *Manager) attach(sess *model.Session, client *worker.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &live{
		sess:   sess,
		client: client,
		events: make(chan model.OutputEvent, 256),
		cancel: cancel,
	}
	l.liveness.touch(model.EventTextLine)

	hooks := pipeline.Hooks{
		OnNetworkRequest: func(ctx context.Context, domain string) {
			if mg.approvals == nil {
				return
			}
			snap := l.snapshot()
			if err := mg.approvals.Request(ctx, &snap, domain); err != nil {
				mg.log.Warn("network request failed",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		},
		OnOrchestratorMarker: func(_ context.Context, m pipeline.Marker) {
			// Marker handlers reply through SendPrompt, which waits for
			// the turn in flight; running them on the pipeline goroutine
			// would stop it draining the very events that turn produces.
			// The session context cancels them on teardown.
			snap := l.snapshot()
			go mg.handleOrchestratorMarker(ctx, &snap, m)
		},
		OnTitle: func(ctx context.Context, title string) {
			snap := l.update(func(s *model.Session) { s.PendingTitle = false })
			if err := mg.store.UpdateSession(ctx, &snap); err != nil {
				mg.log.Warn("title persist failed", zap.Error(err))
			}
		},
		OnResponseComplete: func(ctx context.Context, in, out int) {
			if _, err := mg.store.TouchSession(ctx, sess.ID); err != nil {
				mg.log.Warn("touch failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
		},
		OnClose: func(ctx context.Context) {
			// Pipeline exit is the teardown trigger for crashed workers too.
			if err := mg.CleanupSession(context.Background(), sess.ID); err != nil &&
				!errors.Is(err, ErrNotLive) {
				mg.log.Warn("cleanup after stream close failed",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		},
	}
	l.pipe = pipeline.New(*sess, mg.chat, hooks, mg.log)

	mg.mu.Lock()
	mg.live[sess.ID] = l
	mg.mu.Unlock()

	go l.pipe.Run(ctx, l.events)
}

// ErrNotLive reports that a session is not in the live map (already cleaned
// up, or lost to a crash).
var ErrNotLive = errors.New("session: not live")

// get returns the live record without claiming it.
func (mg *Manager) get(sessionID string) (*live, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	l, ok := mg.live[sessionID]
	return l, ok
}

// claim atomically removes and returns the live record. Exactly one caller
// wins; everyone else sees false. This is the teardown election.
func (mg *Manager) claim(sessionID string) (*live, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	l, ok := mg.live[sessionID]
	if ok {
		delete(mg.live, sessionID)
	}
	return l, ok
}

// ListLive snapshots the live sessions.
func (mg *Manager) ListLive() []model.Session {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]model.Session, 0, len(mg.live))
	for _, l := range mg.live {
		out = append(out, l.snapshot())
	}
	return out
}

// CleanupSession is the single teardown path. Safe to call from any number
// of goroutines; only the claim winner does work.
func (mg *Manager) CleanupSession(ctx context.Context, sessionID string) error {
	l, won := mg.claim(sessionID)
	if !won {
		return ErrNotLive
	}
	sess := l.snapshot()
	log := mg.log.With(zap.String("session_id", sessionID))

	l.cancel()
	if l.client != nil {
		l.client.Close()
	}

	if ref, err := model.ParseRepoRef(sess.Project, ""); err == nil {
		if _, err := mg.reg.DecrementSessions(ctx, ref.FullName(), ref.Branch); err != nil {
			log.Warn("decrement failed", zap.Error(err))
		}
	}
	if sess.WorktreePath != "" {
		mg.repos.CleanupWorktreeByPath(ctx, sess.WorktreePath)
	}
	mg.repos.ReleaseRepoBySession(sessionID)

	if err := mg.store.DeleteSession(ctx, sessionID); err != nil {
		log.Error("session row delete failed", zap.Error(err))
	}

	if sess.ParentSessionID != "" {
		mg.notifyParent(ctx, sess.ParentSessionID,
			fmt.Sprintf("[SESSION_ENDED: %s]", sessionID))
	}
	mg.m.SessionsStopped.Inc()
	log.Info("session cleaned up")
	return nil
}

// RestartSession swaps the worker connection in place, preserving the
// container and the session row. The current agent turn is interrupted.
func (mg *Manager) RestartSession(ctx context.Context, sessionID string) error {
	l, ok := mg.get(sessionID)
	if !ok {
		return ErrNotLive
	}

	if agentSID := l.snapshot().AgentSessionID; agentSID != "" {
		if _, err := l.client.Interrupt(ctx, agentSID); err != nil {
			mg.log.Warn("interrupt during restart failed", zap.Error(err))
		}
	}

	sess := l.snapshot()
	entry, ok := mg.containerFor(&sess)
	if !ok {
		return fmt.Errorf("session %s has no live container", sessionID)
	}
	fresh, err := worker.Connect(mg.vmAddr(entry.GRPCPort),
		mg.cfg.WorkerConnectTimeout, mg.cfg.WorkerCallTimeout, mg.log)
	if err != nil {
		return fmt.Errorf("reconnect worker: %w", err)
	}

	l.turnMu.Lock()
	old := l.client
	l.client = fresh
	snap := l.update(func(s *model.Session) { s.AgentSessionID = "" })
	l.turnMu.Unlock()
	old.Close()

	if err := mg.store.UpdateSession(ctx, &snap); err != nil {
		mg.log.Warn("restart persist failed", zap.Error(err))
	}
	mg.log.Info("session restarted", zap.String("session_id", sessionID))
	return nil
}

func (mg *Manager) containerFor(sess *model.Session) (model.ContainerEntry, bool) {
	ref, err := model.ParseRepoRef(sess.Project, "")
	if err != nil {
		return model.ContainerEntry{}, false
	}
	return mg.reg.Get(ref.FullName(), ref.Branch)
}

// SendPrompt forwards one user prompt to the session's agent and pipes the
// resulting stream through the pipeline. Blocks until the turn completes.
func (mg *Manager) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	l, ok := mg.get(sessionID)
	if !ok {
		return ErrNotLive
	}

	l.turnMu.Lock()
	defer l.turnMu.Unlock()

	if l.client == nil {
		return fmt.Errorf("session %s has no worker attached", sessionID)
	}

	onInit := func(agentSID string) {
		snap := l.update(func(s *model.Session) { s.AgentSessionID = agentSID })
		if err := mg.store.UpdateSession(context.Background(), &snap); err != nil {
			mg.log.Warn("agent session id persist failed", zap.Error(err))
		}
	}

	var (
		stream <-chan model.OutputEvent
		err    error
	)
	sess := l.snapshot()
	if sess.AgentSessionID == "" {
		req := worker.ExecuteRequest{Prompt: prompt, Env: map[string]string{}}
		if sess.Type == model.TypeOrchestrator {
			req.SystemAppend = pipeline.OrchestratorPrompt
		}
		if sess.PlanMode {
			req.PermissionMode = "plan"
		}
		stream, err = l.client.Execute(ctx, req, onInit)
	} else {
		stream, err = l.client.SendMessage(ctx, sess.AgentSessionID, prompt, onInit)
	}
	if err != nil {
		return err
	}
	return mg.forwardTurn(ctx, sessionID, l, stream)
}

// forwardTurn pipes one turn's worker stream into the session's pipeline.
// A dead agent process ends the session: the stream is the only sign the
// worker gives, so teardown is kicked off here once the turn drains.
func (mg *Manager) forwardTurn(ctx context.Context, sessionID string, l *live,
	stream <-chan model.OutputEvent) error {

	died := false
	for ev := range stream {
		l.liveness.touch(ev.Kind)
		if ev.Kind == model.EventProcessDied {
			died = true
		}
		select {
		case l.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if died {
		go func() {
			if err := mg.CleanupSession(context.Background(), sessionID); err != nil &&
				!errors.Is(err, ErrNotLive) {
				mg.log.Warn("cleanup after process death failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}()
	}
	return nil
}

// NotifySession delivers an in-band marker to a session's agent. Implements
// the approval coordinator's notifier.
func (mg *Manager) NotifySession(ctx context.Context, sessionID, marker string) error {
	return mg.SendPrompt(ctx, sessionID, marker)
}

func (mg *Manager) notifyParent(ctx context.Context, parentID, marker string) {
	if err := mg.NotifySession(ctx, parentID, marker); err != nil {
		mg.log.Warn("parent notify failed",
			zap.String("parent_session_id", parentID),
			zap.String("marker", marker),
			zap.Error(err))
	}
}

// Interrupt cancels the session's current agent turn.
func (mg *Manager) Interrupt(ctx context.Context, sessionID string) (bool, error) {
	l, ok := mg.get(sessionID)
	if !ok {
		return false, ErrNotLive
	}
	agentSID := l.snapshot().AgentSessionID
	if agentSID == "" {
		return false, nil
	}
	return l.client.Interrupt(ctx, agentSID)
}

// ClearConversation drops the agent-side conversation so the next prompt
// starts fresh on the same container.
func (mg *Manager) ClearConversation(ctx context.Context, sessionID string) error {
	l, ok := mg.get(sessionID)
	if !ok {
		return ErrNotLive
	}
	l.turnMu.Lock()
	snap := l.update(func(s *model.Session) { s.AgentSessionID = "" })
	l.turnMu.Unlock()
	return mg.store.UpdateSession(ctx, &snap)
}

// Compact asks the agent to compact its context and records the compaction.
func (mg *Manager) Compact(ctx context.Context, sessionID string) error {
	if err := mg.SendPrompt(ctx, sessionID, "/compact"); err != nil {
		return err
	}
	return mg.store.RecordCompaction(ctx, sessionID)
}

// SetPlanMode flips plan mode for subsequent turns.
func (mg *Manager) SetPlanMode(ctx context.Context, sessionID string, on bool) error {
	l, ok := mg.get(sessionID)
	if !ok {
		return ErrNotLive
	}
	snap := l.update(func(s *model.Session) { s.PlanMode = on })
	return mg.store.UpdateSession(ctx, &snap)
}

// RequestTitle arms title capture and asks the agent for a summary.
func (mg *Manager) RequestTitle(ctx context.Context, sessionID string) error {
	l, ok := mg.get(sessionID)
	if !ok {
		return ErrNotLive
	}
	snap := l.update(func(s *model.Session) { s.PendingTitle = true })
	if err := mg.store.UpdateSession(ctx, &snap); err != nil {
		return err
	}
	l.pipe.AwaitTitle()
	return mg.SendPrompt(ctx, sessionID, pipeline.TitlePrompt)
}

// SetTitle applies an operator-provided title directly.
func (mg *Manager) SetTitle(ctx context.Context, sessionID, title string) error {
	l, ok := mg.get(sessionID)
	if !ok {
		return ErrNotLive
	}
	sess := l.snapshot()
	full := fmt.Sprintf("%s for %s — %s", sess.Type.Label(), sess.Project, title)
	return mg.chat.UpdatePost(ctx, sess.ThreadID, full)
}
