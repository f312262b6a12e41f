// Package worker is the gRPC client for the agent worker that runs inside
// each devcontainer. The worker speaks a small JSON-encoded service; every
// conversational call returns a server stream of agent events which this
// package translates into the internal output-event vocabulary.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dockhand-dev/dockhand/model"
)

const (
	methodExecute     = "/agent.v1.AgentWorker/Execute"
	methodSendMessage = "/agent.v1.AgentWorker/SendMessage"
	methodInterrupt   = "/agent.v1.AgentWorker/Interrupt"
	methodHealth      = "/agent.v1.AgentWorker/Health"
)

// jsonCodec encodes worker messages as JSON on the wire. The worker side
// registers the same codec under the same name.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

// ExecuteRequest starts a fresh agent conversation.
type ExecuteRequest struct {
	Prompt         string            `json:"prompt"`
	SystemAppend   string            `json:"system_append,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

type interruptRequest struct {
	SessionID string `json:"session_id"`
}

type interruptResponse struct {
	Interrupted bool `json:"interrupted"`
}

type healthRequest struct{}

type healthResponse struct {
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
}

// AgentEvent is one event off the worker stream.
type AgentEvent struct {
	Kind string `json:"kind"`

	SessionID string `json:"session_id,omitempty"`

	Text      string `json:"text,omitempty"`
	IsPartial bool   `json:"is_partial,omitempty"`

	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	SubagentPhase string `json:"subagent_phase,omitempty"`
	SubagentName  string `json:"subagent_name,omitempty"`

	InputTokens  int  `json:"input_tokens,omitempty"`
	OutputTokens int  `json:"output_tokens,omitempty"`
	IsError      bool `json:"is_error,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Client holds one connection to a worker.
type Client struct {
	conn        *grpc.ClientConn
	addr        string
	callTimeout time.Duration
	log         *zap.Logger
}

// Connect dials the worker at addr. The connection is lazy; connectTimeout
// bounds the first health probe, callTimeout bounds unary calls thereafter.
func Connect(addr string, connectTimeout, callTimeout time.Duration, log *zap.Logger) (*Client, error) {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Minute
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("worker: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, addr: addr, callTimeout: callTimeout, log: log}

	if connectTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if _, _, err := c.Health(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("worker: initial health check on %s: %w", addr, err)
		}
	}
	return c, nil
}

// Addr returns the worker address this client is bound to.
func (c *Client) Addr() string { return c.addr }

// Close tears the connection down.
func (c *Client) Close() error { return c.conn.Close() }

// Health asks the worker whether it is ready and which agent version it runs.
func (c *Client) Health(ctx context.Context) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var resp healthResponse
	if err := c.conn.Invoke(ctx, methodHealth, &healthRequest{}, &resp); err != nil {
		return false, "", err
	}
	return resp.Ready, resp.Version, nil
}

// WaitForHealth polls Health until the worker reports ready, up to maxRetries
// attempts spaced by interval. Used after container start before the first
// Execute.
func (c *Client) WaitForHealth(ctx context.Context, maxRetries int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		ready, version, err := c.Health(ctx)
		if err == nil && ready {
			c.log.Debug("worker healthy",
				zap.String("addr", c.addr), zap.String("version", version))
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("worker not ready")
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("worker: %s unhealthy after %d attempts: %w", c.addr, maxRetries, lastErr)
}

// Interrupt cancels the worker's current agent turn.
func (c *Client) Interrupt(ctx context.Context, agentSessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var resp interruptResponse
	err := c.conn.Invoke(ctx, methodInterrupt, &interruptRequest{SessionID: agentSessionID}, &resp)
	if err != nil {
		return false, fmt.Errorf("worker: interrupt: %w", err)
	}
	return resp.Interrupted, nil
}

// Execute starts a new conversation and streams translated events until the
// turn completes. onSessionInit, if non-nil, receives the agent-side session
// ID once the worker announces it.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, onSessionInit func(string)) (<-chan model.OutputEvent, error) {
	return c.openStream(ctx, methodExecute, "Execute", &req, onSessionInit)
}

// SendMessage continues an existing conversation.
func (c *Client) SendMessage(ctx context.Context, agentSessionID, prompt string, onSessionInit func(string)) (<-chan model.OutputEvent, error) {
	req := &sendMessageRequest{SessionID: agentSessionID, Prompt: prompt}
	return c.openStream(ctx, methodSendMessage, "SendMessage", req, onSessionInit)
}

func (c *Client) openStream(ctx context.Context, method, name string, req interface{}, onSessionInit func(string)) (<-chan model.OutputEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)

	desc := &grpc.StreamDesc{StreamName: name, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, method, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker: open %s stream: %w", name, err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("worker: send %s request: %w", name, err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("worker: close send: %w", err)
	}

	out := make(chan model.OutputEvent, 64)
	go func() {
		defer cancel()
		defer close(out)
		for {
			var ev AgentEvent
			if err := stream.RecvMsg(&ev); err != nil {
				if ctx.Err() == nil && !isEOF(err) {
					c.log.Warn("worker stream broke", zap.String("method", name), zap.Error(err))
					out <- model.OutputEvent{
						Kind:     model.EventProcessDied,
						Text:     "worker stream error: " + err.Error(),
						ExitCode: 1,
					}
				}
				return
			}
			if ev.Kind == "session_init" {
				if onSessionInit != nil && ev.SessionID != "" {
					onSessionInit(ev.SessionID)
				}
				continue
			}
			for _, o := range Translate(ev, c.log) {
				select {
				case out <- o:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
