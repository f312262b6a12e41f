package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/pipeline"
)

// childSummary is the JSON shape sent back on [SESSION_STATUS].
type childSummary struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Project string `json:"project"`
	Path    string `json:"path"`
	Thread  string `json:"thread"`
	Age     string `json:"age"`
}

// handleOrchestratorMarker services the child-management protocol. Failures
// go back to the orchestrator as [SESSION_ERROR] markers; they never tear
// the parent down.
func (mg *Manager) handleOrchestratorMarker(ctx context.Context, parent *model.Session, m pipeline.Marker) {
	switch m.Kind {
	case pipeline.MarkerCreateSession:
		mg.spawnChild(ctx, parent, m.Arg, model.TypeWorker)

	case pipeline.MarkerCreateReviewer:
		mg.spawnChild(ctx, parent, m.Arg, model.TypeReviewer)

	case pipeline.MarkerSessionStatus:
		mg.reportChildren(ctx, parent)

	case pipeline.MarkerStopSession:
		mg.stopChild(ctx, parent, m.Arg)
	}
}

func (mg *Manager) spawnChild(ctx context.Context, parent *model.Session, repoInput string, t model.SessionType) {
	ref, err := model.ParseRepoRef(repoInput, mg.cfg.DefaultOrg)
	if err != nil {
		mg.notifyParent(ctx, parent.ID, fmt.Sprintf("[SESSION_ERROR: %v]", err))
		return
	}
	// Children always get their own worktree so siblings never contend for
	// the main clone.
	if ref.Worktree == model.WorktreeNone {
		ref.Worktree = model.WorktreeAuto
	}
	if _, err := mg.StartSession(ctx, parent.ChannelID, *ref, t, parent.ID, false); err != nil {
		mg.log.Warn("child session start failed",
			zap.String("parent_session_id", parent.ID), zap.Error(err))
		mg.notifyParent(ctx, parent.ID, fmt.Sprintf("[SESSION_ERROR: %v]", err))
	}
	// Success is announced by StartSession via [SESSION_CREATED].
}

func (mg *Manager) reportChildren(ctx context.Context, parent *model.Session) {
	now := time.Now().UTC()
	var children []childSummary
	for _, s := range mg.ListLive() {
		if s.ParentSessionID != parent.ID {
			continue
		}
		children = append(children, childSummary{
			ID:      s.ID,
			Type:    string(s.Type),
			Project: s.Project,
			Path:    s.ProjectPath,
			Thread:  s.ThreadID,
			Age:     model.FormatAge(now.Sub(s.CreatedAt)),
		})
	}
	if children == nil {
		children = []childSummary{}
	}
	payload, err := json.Marshal(children)
	if err != nil {
		mg.notifyParent(ctx, parent.ID, fmt.Sprintf("[SESSION_ERROR: %v]", err))
		return
	}
	mg.notifyParent(ctx, parent.ID, fmt.Sprintf("[SESSIONS: %s]", payload))
}

func (mg *Manager) stopChild(ctx context.Context, parent *model.Session, prefix string) {
	target, err := mg.store.GetSessionByIDPrefix(ctx, prefix)
	if err != nil {
		mg.notifyParent(ctx, parent.ID, fmt.Sprintf("[SESSION_ERROR: %v]", err))
		return
	}
	if target.ParentSessionID != parent.ID {
		mg.notifyParent(ctx, parent.ID,
			fmt.Sprintf("[SESSION_ERROR: session %s is not your child]", model.ShortID(target.ID)))
		return
	}
	if err := mg.CleanupSession(ctx, target.ID); err != nil {
		mg.notifyParent(ctx, parent.ID, fmt.Sprintf("[SESSION_ERROR: %v]", err))
		return
	}
	mg.notifyParent(ctx, parent.ID, fmt.Sprintf("[SESSION_STOPPED: %s]", target.ID))
}
