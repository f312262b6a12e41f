// Package approval coordinates operator sign-off for outbound network
// access. Agents request a domain with an in-band marker; the coordinator
// posts an interactive card, and the chat system POSTs the operator's
// verdict back to /callback.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/chat"
	"github.com/dockhand-dev/dockhand/firewall"
	"github.com/dockhand-dev/dockhand/metrics"
	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/store/sqlite"
)

const (
	// ActionApprove and ActionDeny are the only verdicts a card carries.
	ActionApprove = "approve"
	ActionDeny    = "deny"

	// staleAfterHours is the pending-request TTL enforced by the sweeper.
	staleAfterHours = 24

	sweepInterval = time.Hour
)

// ErrRetryable marks a callback failure the operator can simply retry: the
// pending request was not consumed.
var ErrRetryable = errors.New("approval: transient failure, retry")

// ErrBadSignature rejects a callback whose signed context does not verify.
var ErrBadSignature = errors.New("approval: invalid signature")

// SessionNotifier delivers an in-band marker line to a session's agent.
type SessionNotifier interface {
	NotifySession(ctx context.Context, sessionID, marker string) error
}

// Result is what the callback handler returns to the chat system.
type Result struct {
	EphemeralText string
	UpdateText    string
}

// Coordinator owns the approval lifecycle: dedup, card, verdict, firewall.
type Coordinator struct {
	store       *sqlite.Store
	fw          *firewall.Client
	chat        *chat.Client
	notifier    SessionNotifier
	m           *metrics.Metrics
	log         *zap.Logger
	secret      string
	callbackURL string
	approvers   map[string]bool
}

// New builds a coordinator. allowedApprovers, when non-empty, restricts who
// may resolve cards; empty means anyone in the channel.
func New(store *sqlite.Store, fw *firewall.Client, chatc *chat.Client, notifier SessionNotifier,
	m *metrics.Metrics, log *zap.Logger, secret, callbackURL string, allowedApprovers []string) *Coordinator {
	approvers := make(map[string]bool, len(allowedApprovers))
	for _, a := range allowedApprovers {
		approvers[a] = true
	}
	return &Coordinator{
		store:       store,
		fw:          fw,
		chat:        chatc,
		notifier:    notifier,
		m:           m,
		log:         log,
		secret:      secret,
		callbackURL: callbackURL,
		approvers:   approvers,
	}
}

// Request handles a [NETWORK_REQUEST] marker from a session. A request
// already pending for the same (domain, session) is dropped silently.
func (c *Coordinator) Request(ctx context.Context, sess *model.Session, domain string) error {
	c.m.NetworkRequests.Inc()
	if err := firewall.ValidateDomain(domain); err != nil {
		return err
	}

	_, err := c.store.GetPendingRequestByDomainAndSession(ctx, domain, sess.ID)
	if err == nil {
		c.m.NetworkDeduplicated.Inc()
		c.log.Debug("duplicate network request dropped",
			zap.String("domain", domain), zap.String("session_id", sess.ID))
		return nil
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		return fmt.Errorf("approval: dedup probe: %w", err)
	}

	requestID := uuid.NewString()
	postID, err := c.chat.PostWithProps(ctx, sess.ChannelID, sess.ThreadID,
		"", c.cardProps(requestID, domain))
	if err != nil {
		return fmt.Errorf("approval: post card: %w", err)
	}

	pending := &model.PendingApproval{
		RequestID: requestID,
		ChannelID: sess.ChannelID,
		ThreadID:  sess.ThreadID,
		SessionID: sess.ID,
		Domain:    domain,
		PostID:    postID,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreatePendingRequest(ctx, pending); err != nil {
		return fmt.Errorf("approval: persist request: %w", err)
	}
	c.log.Info("network request pending",
		zap.String("request_id", requestID),
		zap.String("domain", domain),
		zap.String("session_id", sess.ID))
	return nil
}

func (c *Coordinator) cardProps(requestID, domain string) map[string]interface{} {
	button := func(action, label string) map[string]interface{} {
		return map[string]interface{}{
			"id":   action,
			"name": label,
			"integration": map[string]interface{}{
				"url": c.callbackURL,
				"context": map[string]interface{}{
					"action":     action,
					"request_id": requestID,
					"signature":  Sign(c.secret, requestID, action),
				},
			},
		}
	}
	return map[string]interface{}{
		"attachments": []interface{}{
			map[string]interface{}{
				"color": "#FFA500",
				"text":  fmt.Sprintf("**Network Request:** `%s`", domain),
				"actions": []interface{}{
					button(ActionApprove, "Approve"),
					button(ActionDeny, "Deny"),
				},
			},
		},
	}
}

// Resolve processes an operator verdict from the callback endpoint.
func (c *Coordinator) Resolve(ctx context.Context, action, requestID, signature, userName string) (*Result, error) {
	if action != ActionApprove && action != ActionDeny {
		c.m.CallbackRejected.WithLabelValues("bad_action").Inc()
		return nil, fmt.Errorf("approval: unknown action %q", action)
	}
	if !Verify(c.secret, requestID, action, signature) {
		c.m.CallbackRejected.WithLabelValues("bad_signature").Inc()
		return nil, fmt.Errorf("%w for request %s", ErrBadSignature, requestID)
	}
	if len(c.approvers) > 0 && !c.approvers[userName] {
		c.m.CallbackRejected.WithLabelValues("unauthorized").Inc()
		return &Result{EphemeralText: "You are not authorized to resolve network requests."}, nil
	}

	pending, err := c.store.GetPendingRequest(ctx, requestID)
	if errors.Is(err, sqlite.ErrNotFound) {
		c.m.CallbackRejected.WithLabelValues("unknown_request").Inc()
		return &Result{EphemeralText: "This request was already resolved or has expired."}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approval: load request: %w", err)
	}

	if action == ActionApprove {
		if _, err := c.fw.AddDomain(ctx, pending.Domain); err != nil {
			// Pending row stays so the operator can click again once the
			// firewall is reachable.
			c.log.Error("firewall update failed, request kept pending",
				zap.String("domain", pending.Domain), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
		}
	}

	c.m.Approvals.WithLabelValues(action).Inc()
	audit := &model.AuditEntry{
		RequestID:  requestID,
		Domain:     pending.Domain,
		Action:     action,
		ApprovedBy: userName,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.LogApproval(ctx, audit); err != nil {
		c.log.Error("audit write failed", zap.Error(err))
	}

	verdict := "approved"
	marker := fmt.Sprintf("[NETWORK_APPROVED: %s]", pending.Domain)
	if action == ActionDeny {
		verdict = "denied"
		marker = fmt.Sprintf("[NETWORK_DENIED: %s]", pending.Domain)
	}
	updated := fmt.Sprintf("`%s` %s by @%s", pending.Domain, verdict, userName)
	if err := c.chat.UpdatePost(ctx, pending.PostID, updated); err != nil {
		c.log.Warn("card update failed", zap.String("post_id", pending.PostID), zap.Error(err))
	}
	// NotifySession runs a full agent turn; the callback must answer within
	// the chat system's timeout, so the marker is delivered off to the side.
	if c.notifier != nil {
		go func() {
			if err := c.notifier.NotifySession(context.Background(), pending.SessionID, marker); err != nil {
				c.log.Warn("session notify failed",
					zap.String("session_id", pending.SessionID), zap.Error(err))
			}
		}()
	}

	if err := c.store.DeletePendingRequest(ctx, requestID); err != nil {
		c.log.Error("pending delete failed", zap.String("request_id", requestID), zap.Error(err))
	}
	c.log.Info("network request resolved",
		zap.String("request_id", requestID),
		zap.String("domain", pending.Domain),
		zap.String("action", action),
		zap.String("by", userName))
	return &Result{UpdateText: updated}, nil
}

// RunSweeper evicts pending requests older than the TTL until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n, err := c.store.CleanupStaleRequests(ctx, staleAfterHours)
			if err != nil {
				c.log.Warn("stale approval sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				c.log.Info("stale approvals swept", zap.Int64("removed", n))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
