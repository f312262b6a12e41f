// Package chat talks to the team chat backend: a REST client for posting and
// channel management, and a WebSocket listener for inbound messages.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Post is a chat message as the backend represents it.
type Post struct {
	ID        string                 `json:"id"`
	ChannelID string                 `json:"channel_id"`
	UserID    string                 `json:"user_id"`
	RootID    string                 `json:"root_id"`
	Message   string                 `json:"message"`
	Props     map[string]interface{} `json:"props,omitempty"`
	CreateAt  int64                  `json:"create_at"`
}

// Channel is the subset of channel fields the core needs.
type Channel struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
}

type teamMember struct {
	UserID string `json:"user_id"`
}

type sidebarCategory struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	ChannelIDs  []string `json:"channel_ids"`
}

type sidebarCategories struct {
	Categories []sidebarCategory `json:"categories"`
}

// Client is a thin REST client for the chat backend API. All methods take a
// context and return an error on any non-2xx response.
type Client struct {
	baseURL string
	token   string
	botID   string
	httpc   *http.Client
	log     *zap.Logger
}

// NewClient builds a REST client. baseURL is the server root without a
// trailing slash, token is the bot bearer token, botUserID is the bot's own
// user ID (used to skip self-authored events on the socket side).
func NewClient(baseURL, token, botUserID string, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		botID:   botUserID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// BotUserID returns the bot's own user ID.
func (c *Client) BotUserID() string { return c.botID }

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chat: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("chat: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("chat: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("chat: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("chat: decode response: %w", err)
		}
	}
	return nil
}

// PostMessage posts a top-level message and returns the new post ID.
func (c *Client) PostMessage(ctx context.Context, channelID, message string) (string, error) {
	return c.create(ctx, channelID, "", message, nil)
}

// PostInThread posts a reply under rootID and returns the new post ID.
func (c *Client) PostInThread(ctx context.Context, channelID, rootID, message string) (string, error) {
	return c.create(ctx, channelID, rootID, message, nil)
}

// PostWithProps posts a reply carrying structured props, used for interactive
// approval cards. Returns the new post ID.
func (c *Client) PostWithProps(ctx context.Context, channelID, rootID, message string, props map[string]interface{}) (string, error) {
	return c.create(ctx, channelID, rootID, message, props)
}

func (c *Client) create(ctx context.Context, channelID, rootID, message string, props map[string]interface{}) (string, error) {
	body := map[string]interface{}{
		"channel_id": channelID,
		"message":    message,
	}
	if rootID != "" {
		body["root_id"] = rootID
	}
	if props != nil {
		body["props"] = props
	}
	var p Post
	if err := c.do(ctx, http.MethodPost, "/api/v4/posts", body, &p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// UpdatePost replaces the message text of an existing post, dropping any
// interactive props it carried.
func (c *Client) UpdatePost(ctx context.Context, postID, message string) error {
	body := map[string]interface{}{
		"id":      postID,
		"message": message,
		"props":   map[string]interface{}{},
	}
	return c.do(ctx, http.MethodPut, "/api/v4/posts/"+postID, body, nil)
}

// CreateChannel creates a public channel and returns it. The name must
// already be sanitized.
func (c *Client) CreateChannel(ctx context.Context, teamID, name, displayName string) (*Channel, error) {
	body := map[string]interface{}{
		"team_id":      teamID,
		"name":         name,
		"display_name": displayName,
		"type":         "O",
	}
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/api/v4/channels", body, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannelByName looks a channel up by its sanitized name within a team.
func (c *Client) GetChannelByName(ctx context.Context, teamID, name string) (*Channel, error) {
	var ch Channel
	path := fmt.Sprintf("/api/v4/teams/%s/channels/name/%s", teamID, url.PathEscape(name))
	if err := c.do(ctx, http.MethodGet, path, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// AddUserToChannel adds one member to a channel.
func (c *Client) AddUserToChannel(ctx context.Context, channelID, userID string) error {
	body := map[string]interface{}{"user_id": userID}
	return c.do(ctx, http.MethodPost, "/api/v4/channels/"+channelID+"/members", body, nil)
}

// GetTeamMemberIDs pages through the team roster and returns every user ID.
func (c *Client) GetTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	const perPage = 200
	var ids []string
	for page := 0; ; page++ {
		var members []teamMember
		path := fmt.Sprintf("/api/v4/teams/%s/members?page=%s&per_page=%d",
			teamID, strconv.Itoa(page), perPage)
		if err := c.do(ctx, http.MethodGet, path, nil, &members); err != nil {
			return nil, err
		}
		for _, m := range members {
			ids = append(ids, m.UserID)
		}
		if len(members) < perPage {
			return ids, nil
		}
	}
}

// EnsureSidebarCategory finds or creates a sidebar category with the given
// display name for one user and returns its ID.
func (c *Client) EnsureSidebarCategory(ctx context.Context, userID, teamID, displayName string) (string, error) {
	base := fmt.Sprintf("/api/v4/users/%s/teams/%s/channels/categories", userID, teamID)

	var existing sidebarCategories
	if err := c.do(ctx, http.MethodGet, base, nil, &existing); err != nil {
		return "", err
	}
	for _, cat := range existing.Categories {
		if cat.DisplayName == displayName {
			return cat.ID, nil
		}
	}

	body := map[string]interface{}{
		"user_id":      userID,
		"team_id":      teamID,
		"display_name": displayName,
	}
	var created sidebarCategory
	if err := c.do(ctx, http.MethodPost, base, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// AddChannelToCategory appends a channel to a user's sidebar category,
// preserving the channels already in it.
func (c *Client) AddChannelToCategory(ctx context.Context, userID, teamID, categoryID, channelID string) error {
	base := fmt.Sprintf("/api/v4/users/%s/teams/%s/channels/categories/%s", userID, teamID, categoryID)

	var cat sidebarCategory
	if err := c.do(ctx, http.MethodGet, base, nil, &cat); err != nil {
		return err
	}
	for _, id := range cat.ChannelIDs {
		if id == channelID {
			return nil
		}
	}
	cat.ChannelIDs = append(cat.ChannelIDs, channelID)
	return c.do(ctx, http.MethodPut, base, cat, nil)
}
