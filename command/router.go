// Package command turns chat messages into session operations. One consumer
// drains the listener queue; each message is dispatched on its own goroutine
// so a long agent turn never backs the queue up into drops.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/chat"
	"github.com/dockhand-dev/dockhand/internal/config"
	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/session"
	"github.com/dockhand-dev/dockhand/store/sqlite"
)

const helpText = "**Dockhand commands**\n" +
	"`start <org/repo[@branch]> [--worktree[=name]] [--plan]` — start a coding session\n" +
	"`orchestrate <org/repo[@branch]>` — start an orchestrator session\n" +
	"`stop <session-prefix>` — stop a session by ID prefix\n" +
	"`status` — list live sessions\n" +
	"`help` — this text\n\n" +
	"Inside a session thread: `stop`, `compact`, `clear`, `restart`, " +
	"`plan [on|off]`, `title [text]`, `context`"

// minStopPrefix guards against a one-character prefix matching the wrong
// session.
const minStopPrefix = 4

// Router parses chat events and routes them to the session manager.
type Router struct {
	cfg   *config.Config
	chat  *chat.Client
	store *sqlite.Store
	mgr   *session.Manager
	log   *zap.Logger
}

func NewRouter(cfg *config.Config, chatc *chat.Client, store *sqlite.Store,
	mgr *session.Manager, log *zap.Logger) *Router {
	return &Router{cfg: cfg, chat: chatc, store: store, mgr: mgr, log: log.Named("command")}
}

// Run is the single consumer of the listener queue. It returns when the
// context is cancelled or the queue is closed.
func (r *Router) Run(ctx context.Context, events <-chan *chat.Post) error {
	for {
		select {
		case p, ok := <-events:
			if !ok {
				return nil
			}
			go r.handle(ctx, p)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) handle(ctx context.Context, p *chat.Post) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic handling message", zap.Any("panic", rec))
		}
	}()

	msg := strings.TrimSpace(p.Message)
	if msg == "" {
		return
	}

	if p.RootID != "" {
		r.handleThread(ctx, p, msg)
		return
	}

	if rest, ok := r.stripTrigger(msg); ok {
		r.handleCommand(ctx, p, rest)
		return
	}
	r.routeBareMessage(ctx, p, msg)
}

// stripTrigger removes the leading bot trigger, reporting whether it was
// present.
func (r *Router) stripTrigger(msg string) (string, bool) {
	trigger := r.cfg.BotTrigger
	if !strings.HasPrefix(msg, trigger) {
		return "", false
	}
	rest := msg[len(trigger):]
	if rest != "" && !strings.HasPrefix(rest, " ") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func (r *Router) handleCommand(ctx context.Context, p *chat.Post, cmd string) {
	verb, args := splitVerb(cmd)
	switch verb {
	case "start":
		r.cmdStart(ctx, p, args, model.TypeStandard)
	case "orchestrate":
		r.cmdStart(ctx, p, args, model.TypeOrchestrator)
	case "stop":
		r.cmdStop(ctx, p, args)
	case "status":
		r.cmdStatus(ctx, p)
	case "help", "":
		r.reply(ctx, p, helpText)
	default:
		r.reply(ctx, p, fmt.Sprintf("Unknown command `%s`. Try `%s help`.", verb, r.cfg.BotTrigger))
	}
}

func splitVerb(cmd string) (string, string) {
	verb, args, _ := strings.Cut(cmd, " ")
	return strings.ToLower(verb), strings.TrimSpace(args)
}

func (r *Router) cmdStart(ctx context.Context, p *chat.Post, args string, sessType model.SessionType) {
	planMode := false
	fields := strings.Fields(args)
	kept := fields[:0]
	for _, f := range fields {
		if f == "--plan" {
			planMode = true
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		r.reply(ctx, p, fmt.Sprintf("Usage: `%s start <org/repo[@branch]>`", r.cfg.BotTrigger))
		return
	}

	ref, err := model.ParseRepoRef(strings.Join(kept, " "), r.cfg.DefaultOrg)
	if err != nil {
		r.reply(ctx, p, err.Error())
		return
	}

	channelID, channelName, err := r.resolveProjectChannel(ctx, ref, p.UserID)
	if err != nil {
		r.log.Error("project channel resolution failed",
			zap.String("repo", ref.FullName()), zap.Error(err))
		r.reply(ctx, p, fmt.Sprintf("Could not resolve a channel for `%s`: %v", ref.FullName(), err))
		return
	}

	sess, err := r.mgr.StartSession(ctx, channelID, *ref, sessType, "", planMode)
	if err != nil {
		r.reply(ctx, p, fmt.Sprintf("Failed to start session for `%s`: %v", ref.FullName(), err))
		return
	}
	if channelID != p.ChannelID {
		r.reply(ctx, p, fmt.Sprintf("Started session `%s` for `%s` in ~%s.",
			sess.ShortID(), ref.FullName(), channelName))
	}
}

func (r *Router) cmdStop(ctx context.Context, p *chat.Post, args string) {
	prefix := strings.TrimSpace(args)
	if len(prefix) < minStopPrefix {
		r.reply(ctx, p, fmt.Sprintf("Give at least %d characters of the session ID.", minStopPrefix))
		return
	}
	sess, err := r.store.GetSessionByIDPrefix(ctx, prefix)
	if err == sqlite.ErrNotFound {
		r.reply(ctx, p, fmt.Sprintf("No session matches `%s`.", prefix))
		return
	}
	if err != nil {
		r.reply(ctx, p, fmt.Sprintf("Lookup failed: %v", err))
		return
	}
	if err := r.mgr.CleanupSession(ctx, sess.ID); err != nil && err != session.ErrNotLive {
		r.reply(ctx, p, fmt.Sprintf("Stop failed: %v", err))
		return
	}
	r.reply(ctx, p, fmt.Sprintf("Stopped session `%s` (%s).", sess.ShortID(), sess.Project))
}

func (r *Router) cmdStatus(ctx context.Context, p *chat.Post) {
	live := r.mgr.ListLive()
	if len(live) == 0 {
		r.reply(ctx, p, "No live sessions.")
		return
	}
	now := time.Now().UTC()
	var b strings.Builder
	b.WriteString("**Live sessions**\n")
	b.WriteString("| ID | Project | Type | Age | Idle |\n|---|---|---|---|---|\n")
	for _, s := range live {
		idle := s.LastActivityAt
		if idle.IsZero() {
			idle = s.CreatedAt
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %s |\n",
			s.ShortID(), s.Project, s.Type,
			model.FormatAge(now.Sub(s.CreatedAt)), model.FormatAge(now.Sub(idle)))
	}
	r.reply(ctx, p, b.String())
}

// handleThread routes a message posted inside an existing thread. Trigger
// messages are in-session commands; anything else goes to the agent as a
// prompt.
func (r *Router) handleThread(ctx context.Context, p *chat.Post, msg string) {
	sess, err := r.store.GetSessionByThread(ctx, p.ChannelID, p.RootID)
	if err == sqlite.ErrNotFound {
		return // not a session thread
	}
	if err != nil {
		r.log.Error("thread lookup failed", zap.Error(err))
		return
	}

	if rest, ok := r.stripTrigger(msg); ok {
		r.handleThreadCommand(ctx, p, sess, rest)
		return
	}
	r.forwardPrompt(ctx, p, sess.ID, msg)
}

func (r *Router) handleThreadCommand(ctx context.Context, p *chat.Post, sess *model.Session, cmd string) {
	verb, args := splitVerb(cmd)
	var err error
	switch verb {
	case "stop":
		if err = r.mgr.CleanupSession(ctx, sess.ID); err == nil {
			r.replyThread(ctx, p, "Session stopped.")
		}
	case "compact":
		r.replyThread(ctx, p, "_Compacting conversation..._")
		err = r.mgr.Compact(ctx, sess.ID)
	case "clear":
		if err = r.mgr.ClearConversation(ctx, sess.ID); err == nil {
			r.replyThread(ctx, p, "Conversation cleared. The next message starts fresh.")
		}
	case "restart":
		if err = r.mgr.RestartSession(ctx, sess.ID); err == nil {
			r.replyThread(ctx, p, "Worker restarted. The conversation starts fresh.")
		}
	case "plan":
		on := true
		switch strings.ToLower(args) {
		case "", "on":
		case "off":
			on = false
		default:
			r.replyThread(ctx, p, "Usage: `plan [on|off]`")
			return
		}
		if err = r.mgr.SetPlanMode(ctx, sess.ID, on); err == nil {
			state := "enabled"
			if !on {
				state = "disabled"
			}
			r.replyThread(ctx, p, fmt.Sprintf("Plan mode %s.", state))
		}
	case "title":
		if args == "" {
			err = r.mgr.RequestTitle(ctx, sess.ID)
		} else {
			err = r.mgr.SetTitle(ctx, sess.ID, args)
		}
	case "context", "status":
		info := sessionInfo(sess)
		if n, cerr := r.store.CountPendingRequests(ctx, sess.ID); cerr == nil && n > 0 {
			info += fmt.Sprintf("\nPending network requests: %d", n)
		}
		r.replyThread(ctx, p, info)
	default:
		r.replyThread(ctx, p, fmt.Sprintf("Unknown command `%s`. In-thread commands: stop, compact, clear, restart, plan, title, context.", verb))
	}

	if err == session.ErrNotLive {
		r.replyThread(ctx, p, "This session is no longer running.")
	} else if err != nil {
		r.replyThread(ctx, p, fmt.Sprintf("Command failed: %v", err))
	}
}

func sessionInfo(sess *model.Session) string {
	age := model.FormatAge(time.Now().UTC().Sub(sess.CreatedAt))
	plan := "off"
	if sess.PlanMode {
		plan = "on"
	}
	return fmt.Sprintf("**Session `%s`**\nProject: %s\nType: %s\nAge: %s\nMessages: %d\nCompactions: %d\nPlan mode: %s",
		sess.ShortID(), sess.Project, sess.Type, age,
		sess.MessageCount, sess.CompactionCount, plan)
}

// routeBareMessage sends a non-command top-level message to the channel's
// single non-worker session, if there is exactly one.
func (r *Router) routeBareMessage(ctx context.Context, p *chat.Post, msg string) {
	candidates, err := r.store.GetNonWorkerSessionsByChannel(ctx, p.ChannelID)
	if err != nil {
		r.log.Error("channel session lookup failed", zap.Error(err))
		return
	}
	switch len(candidates) {
	case 0:
		return
	case 1:
		r.forwardPrompt(ctx, p, candidates[0].ID, msg)
	default:
		r.reply(ctx, p, fmt.Sprintf(
			"%d sessions are live in this channel — reply in a session thread instead.", len(candidates)))
	}
}

func (r *Router) forwardPrompt(ctx context.Context, p *chat.Post, sessionID, prompt string) {
	if err := r.mgr.SendPrompt(ctx, sessionID, prompt); err != nil {
		if err == session.ErrNotLive {
			r.replyThread(ctx, p, "This session is no longer running.")
			return
		}
		r.log.Error("prompt delivery failed",
			zap.String("session_id", sessionID), zap.Error(err))
		r.replyThread(ctx, p, fmt.Sprintf("Could not reach the agent: %v", err))
	}
}

// resolveProjectChannel returns the stable channel for a repo, creating it
// (and the mapping row) on first use. New channels get the whole team
// invited and land in the configured sidebar category for the requester.
func (r *Router) resolveProjectChannel(ctx context.Context, ref *model.RepoRef, requesterID string) (string, string, error) {
	project := ref.Org + "/" + ref.Repo
	if pc, err := r.store.GetProjectChannel(ctx, project); err == nil {
		return pc.ChannelID, pc.ChannelName, nil
	} else if err != sqlite.ErrNotFound {
		return "", "", err
	}

	name := chat.SanitizeChannelName(ref.Repo)
	ch, err := r.chat.GetChannelByName(ctx, r.cfg.ChatTeamID, name)
	if err != nil {
		ch, err = r.chat.CreateChannel(ctx, r.cfg.ChatTeamID, name, ref.Repo)
		if err != nil {
			return "", "", fmt.Errorf("create channel %q: %w", name, err)
		}
		r.inviteTeam(ctx, ch.ID)
	}

	if r.cfg.SidebarCategory != "" && requesterID != "" {
		if catID, err := r.chat.EnsureSidebarCategory(ctx, requesterID, r.cfg.ChatTeamID, r.cfg.SidebarCategory); err != nil {
			r.log.Warn("sidebar category failed", zap.Error(err))
		} else if err := r.chat.AddChannelToCategory(ctx, requesterID, r.cfg.ChatTeamID, catID, ch.ID); err != nil {
			r.log.Warn("sidebar placement failed", zap.Error(err))
		}
	}

	pc := &model.ProjectChannel{
		Project: project, ChannelID: ch.ID, ChannelName: name,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateProjectChannel(ctx, pc); err != nil {
		return "", "", err
	}
	return ch.ID, name, nil
}

func (r *Router) inviteTeam(ctx context.Context, channelID string) {
	members, err := r.chat.GetTeamMemberIDs(ctx, r.cfg.ChatTeamID)
	if err != nil {
		r.log.Warn("team member listing failed", zap.Error(err))
		return
	}
	for _, uid := range members {
		if err := r.chat.AddUserToChannel(ctx, channelID, uid); err != nil {
			r.log.Debug("channel invite failed", zap.String("user_id", uid), zap.Error(err))
		}
	}
}

func (r *Router) reply(ctx context.Context, p *chat.Post, msg string) {
	if _, err := r.chat.PostMessage(ctx, p.ChannelID, msg); err != nil {
		r.log.Error("reply failed", zap.Error(err))
	}
}

// replyThread answers inside the thread the message came from, or falls back
// to the channel for top-level messages.
func (r *Router) replyThread(ctx context.Context, p *chat.Post, msg string) {
	root := p.RootID
	if root == "" {
		r.reply(ctx, p, msg)
		return
	}
	if _, err := r.chat.PostInThread(ctx, p.ChannelID, root, msg); err != nil {
		r.log.Error("thread reply failed", zap.Error(err))
	}
}
