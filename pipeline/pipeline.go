// Package pipeline turns a session's worker event stream into chat posts.
// Output is batched to keep the thread readable; marker lines and tool
// actions are pulled out of the text flow and handled separately.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/chat"
	"github.com/dockhand-dev/dockhand/model"
)

const (
	maxBatchBytes = 14 * 1024
	maxBatchLines = 80
	flushDelay    = 200 * time.Millisecond

	// contextWarnTokens is 80% of the agent's 200k context window.
	contextWarnTokens = 160_000
)

// Hooks are the pipeline's callbacks into the rest of the system. All are
// optional; marker handling is best-effort and never kills the stream.
type Hooks struct {
	// OnNetworkRequest handles [NETWORK_REQUEST: domain].
	OnNetworkRequest func(ctx context.Context, domain string)
	// OnOrchestratorMarker handles child-management markers.
	OnOrchestratorMarker func(ctx context.Context, m Marker)
	// OnTitle receives a captured or generated session title.
	OnTitle func(ctx context.Context, title string)
	// OnResponseComplete receives per-turn token counts.
	OnResponseComplete func(ctx context.Context, inputTokens, outputTokens int)
	// OnClose runs after the final flush when the stream ends.
	OnClose func(ctx context.Context)
}

// Pipeline consumes one session's events. Run owns all state; only
// pendingTitle may be touched from other goroutines.
type Pipeline struct {
	sess  model.Session
	chat  *chat.Client
	hooks Hooks
	log   *zap.Logger

	pendingTitle atomic.Bool

	batch      []string
	batchBytes int

	statusPostID string
	statusLines  []string
	inputTokens  int
}

// New builds a pipeline for one session. sess is a snapshot; the pipeline
// never reads the store.
func New(sess model.Session, chatc *chat.Client, hooks Hooks, log *zap.Logger) *Pipeline {
	p := &Pipeline{sess: sess, chat: chatc, hooks: hooks, log: log}
	p.pendingTitle.Store(sess.PendingTitle)
	return p
}

// AwaitTitle arms title capture: the next complete text line becomes the
// session title instead of being posted.
func (p *Pipeline) AwaitTitle() { p.pendingTitle.Store(true) }

// Run consumes events until the stream closes or ctx is cancelled. The final
// flush and the OnClose hook always run.
func (p *Pipeline) Run(ctx context.Context, events <-chan model.OutputEvent) {
	timer := time.NewTimer(flushDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	defer func() {
		p.flush(ctx)
		if p.hooks.OnClose != nil {
			p.hooks.OnClose(ctx)
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ctx, ev, timer)
		case <-timer.C:
			p.flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, ev model.OutputEvent, timer *time.Timer) {
	switch ev.Kind {
	case model.EventTextLine:
		if m, ok := ParseMarker(ev.Text); ok {
			p.flush(ctx)
			p.dispatchMarker(ctx, m)
			return
		}
		if p.pendingTitle.Load() && strings.TrimSpace(ev.Text) != "" {
			p.pendingTitle.Store(false)
			p.flush(ctx)
			p.applyTitle(ctx, strings.TrimSpace(ev.Text))
			return
		}
		p.append(ctx, ev.Text, timer)

	case model.EventToolAction:
		p.flush(ctx)
		p.appendStatus(ctx, "> "+ev.Text)

	case model.EventProcessingStarted:
		p.flush(ctx)
		p.inputTokens = ev.InputTokens
		// The status post itself is created lazily on the first tool
		// action, so turns without tool use post nothing.
		p.statusPostID = ""
		p.statusLines = nil

	case model.EventResponseComplete:
		p.flush(ctx)
		p.statusPostID = ""
		p.statusLines = nil
		if ev.InputTokens > contextWarnTokens {
			p.post(ctx, fmt.Sprintf(
				"_Context is getting full (%d tokens). Consider `compact` or `clear`._",
				ev.InputTokens))
		}
		if p.hooks.OnResponseComplete != nil {
			p.hooks.OnResponseComplete(ctx, ev.InputTokens, ev.OutputTokens)
		}

	case model.EventTitleGenerated:
		p.flush(ctx)
		p.applyTitle(ctx, ev.Text)

	case model.EventProcessDied:
		p.flush(ctx)
		p.post(ctx, fmt.Sprintf("_Agent process died (exit %d): %s_", ev.ExitCode, ev.Text))
	}
}

func (p *Pipeline) dispatchMarker(ctx context.Context, m Marker) {
	if m.OrchestratorOnly() && p.sess.Type != model.TypeOrchestrator {
		p.log.Debug("orchestrator marker from non-orchestrator session ignored",
			zap.String("session_id", p.sess.ID))
		return
	}
	switch m.Kind {
	case MarkerNetworkRequest:
		if p.hooks.OnNetworkRequest != nil {
			p.hooks.OnNetworkRequest(ctx, m.Arg)
		}
	default:
		if p.hooks.OnOrchestratorMarker != nil {
			p.hooks.OnOrchestratorMarker(ctx, m)
		}
	}
}

func (p *Pipeline) append(ctx context.Context, line string, timer *time.Timer) {
	// A single line over the cap is posted in cap-sized pieces; the tail
	// joins the batch like any other line.
	for len(line) > maxBatchBytes {
		cut := maxBatchBytes
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxBatchBytes
		}
		p.flush(ctx)
		p.post(ctx, line[:cut])
		line = line[cut:]
	}

	// Flush early rather than let one post exceed the byte cap.
	if len(p.batch) > 0 && p.batchBytes+len(line)+1 > maxBatchBytes {
		p.flush(ctx)
	}
	p.batch = append(p.batch, line)
	p.batchBytes += len(line) + 1
	if p.batchBytes >= maxBatchBytes || len(p.batch) >= maxBatchLines {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		p.flush(ctx)
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(flushDelay)
}

func (p *Pipeline) flush(ctx context.Context) {
	if len(p.batch) == 0 {
		return
	}
	text := strings.Join(p.batch, "\n")
	p.batch = p.batch[:0]
	p.batchBytes = 0
	p.post(ctx, text)
}

func (p *Pipeline) post(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := p.chat.PostInThread(ctx, p.sess.ChannelID, p.sess.ThreadID, text); err != nil {
		p.log.Warn("thread post failed",
			zap.String("session_id", p.sess.ID), zap.Error(err))
	}
}

func (p *Pipeline) statusHeader() string {
	if p.inputTokens > 0 {
		return fmt.Sprintf("_Processing... (context: %d tokens)_", p.inputTokens)
	}
	return "_Processing..._"
}

// resetStatus creates the rolling status post for the current turn.
func (p *Pipeline) resetStatus(ctx context.Context) {
	p.statusLines = nil
	id, err := p.chat.PostInThread(ctx, p.sess.ChannelID, p.sess.ThreadID, p.statusHeader())
	if err != nil {
		p.log.Warn("status post failed", zap.Error(err))
		p.statusPostID = ""
		return
	}
	p.statusPostID = id
}

// appendStatus adds a tool-action line to the rolling status post, creating
// it on first use.
func (p *Pipeline) appendStatus(ctx context.Context, line string) {
	if p.statusPostID == "" {
		p.resetStatus(ctx)
		if p.statusPostID == "" {
			return
		}
	}
	p.statusLines = append(p.statusLines, line)
	body := p.statusHeader() + "\n" + strings.Join(p.statusLines, "\n")
	if err := p.chat.UpdatePost(ctx, p.statusPostID, body); err != nil {
		p.log.Warn("status update failed", zap.Error(err))
	}
}

// applyTitle renames the thread root post.
func (p *Pipeline) applyTitle(ctx context.Context, title string) {
	full := fmt.Sprintf("%s for %s — %s", p.sess.Type.Label(), p.sess.Project, title)
	if err := p.chat.UpdatePost(ctx, p.sess.ThreadID, full); err != nil {
		p.log.Warn("title edit failed", zap.Error(err))
	}
	if p.hooks.OnTitle != nil {
		p.hooks.OnTitle(ctx, title)
	}
}
