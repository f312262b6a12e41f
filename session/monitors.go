package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/remote"
)

const monitorTick = 60 * time.Second

// livenessState tracks per-session output recency for the stall warning.
type livenessState struct {
	mu            sync.Mutex
	lastOutputAt  time.Time
	lastEventType model.OutputEventKind
	warningPosted bool
}

// touch records activity and clears any previous warning.
func (ls *livenessState) touch(kind model.OutputEventKind) {
	ls.mu.Lock()
	ls.lastOutputAt = time.Now()
	ls.lastEventType = kind
	ls.warningPosted = false
	ls.mu.Unlock()
}

// stale reports whether the session has been quiet past timeout and has not
// been warned about yet.
func (ls *livenessState) stale(timeout time.Duration) (time.Duration, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	idle := time.Since(ls.lastOutputAt)
	if idle >= timeout && !ls.warningPosted {
		return idle, true
	}
	return idle, false
}

func (ls *livenessState) markWarned() {
	ls.mu.Lock()
	ls.warningPosted = true
	ls.mu.Unlock()
}

// RunIdleMonitor reaps containers that have been session-free past the idle
// timeout. A zero timeout disables the monitor.
func (mg *Manager) RunIdleMonitor(ctx context.Context) error {
	if mg.cfg.IdleTimeout <= 0 {
		mg.log.Info("idle monitor disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	t := time.NewTicker(monitorTick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			mg.reapIdleContainers(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (mg *Manager) reapIdleContainers(ctx context.Context) {
	now := time.Now().UTC()
	for _, c := range mg.reg.ListAll() {
		if c.State != model.StateRunning || c.SessionCount != 0 {
			continue
		}
		idleSince := c.LastActivityAt
		if c.LastSessionStoppedAt != nil {
			idleSince = *c.LastSessionStoppedAt
		}
		if now.Sub(idleSince) < mg.cfg.IdleTimeout {
			continue
		}

		log := mg.log.With(
			zap.String("container", c.Name),
			zap.String("repo", c.Repo),
			zap.String("branch", c.Branch))
		log.Info("reaping idle container", zap.Duration("idle", now.Sub(idleSince)))

		if err := mg.reg.SetState(ctx, c.Repo, c.Branch, model.StateStopping); err != nil {
			log.Warn("state transition failed", zap.Error(err))
			continue
		}
		rm := fmt.Sprintf("%s rm -f %s", mg.cfg.ContainerRuntime, remote.ShellQuote(c.Name))
		if out, err := mg.exec.Run(ctx, rm, 0); err != nil {
			// Best effort: the entry still goes away so a fresh container
			// can be built next time.
			log.Warn("container remove failed", zap.String("output", out), zap.Error(err))
		}
		if err := mg.reg.Remove(ctx, c.Repo, c.Branch); err != nil {
			log.Warn("registry remove failed", zap.Error(err))
			continue
		}
		mg.m.ContainersReaped.Inc()
	}
}

// RunLivenessMonitor posts a one-time warning into threads whose agent has
// gone quiet. A zero timeout disables the monitor.
func (mg *Manager) RunLivenessMonitor(ctx context.Context) error {
	if mg.cfg.LivenessTimeout <= 0 {
		mg.log.Info("liveness monitor disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	t := time.NewTicker(monitorTick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			mg.warnStaleSessions(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (mg *Manager) warnStaleSessions(ctx context.Context) {
	mg.mu.Lock()
	stale := make([]*live, 0)
	for _, l := range mg.live {
		if _, isStale := l.liveness.stale(mg.cfg.LivenessTimeout); isStale {
			stale = append(stale, l)
		}
	}
	mg.mu.Unlock()

	for _, l := range stale {
		sess := l.snapshot()
		idle, _ := l.liveness.stale(mg.cfg.LivenessTimeout)
		msg := fmt.Sprintf("_No output from the agent for %s. It may be stuck; `restart` or `stop` if needed._",
			model.FormatAge(idle))
		if _, err := mg.chat.PostInThread(ctx, sess.ChannelID, sess.ThreadID, msg); err != nil {
			mg.log.Warn("liveness warning post failed",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		l.liveness.markWarned()
	}
}
