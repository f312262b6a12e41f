// Package firewall manages the outbound-domain allowlist on the edge
// firewall. Domains live in a named alias; every mutation is followed by a
// reconfigure so the running ruleset picks the change up.
package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client talks to the firewall's alias API. All read-modify-write sequences
// hold mu so concurrent approvals cannot interleave half-applied updates.
type Client struct {
	endpoint string
	alias    string
	key      string
	secret   string
	httpc    *http.Client
	log      *zap.Logger

	mu sync.Mutex
}

// New builds a client for the alias API at endpoint (scheme://host[:port],
// no trailing slash), authenticating with the API key pair.
func New(endpoint, alias, key, secret string, log *zap.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		alias:    alias,
		key:      key,
		secret:   secret,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		log:      log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("firewall: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return fmt.Errorf("firewall: build request: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("firewall: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("firewall: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("firewall: decode response: %w", err)
		}
	}
	return nil
}

type aliasListResponse struct {
	Rows []struct {
		IP string `json:"ip"`
	} `json:"rows"`
}

// GetDomains lists the alias contents.
func (c *Client) GetDomains(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked(ctx)
}

func (c *Client) listLocked(ctx context.Context) ([]string, error) {
	var resp aliasListResponse
	if err := c.do(ctx, http.MethodGet, "/api/firewall/alias_util/list/"+c.alias, nil, &resp); err != nil {
		return nil, err
	}
	domains := make([]string, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		domains = append(domains, r.IP)
	}
	return domains, nil
}

// AddDomain appends a domain to the alias and reconfigures. Returns false
// without touching the firewall when the domain is already present.
func (c *Client) AddDomain(ctx context.Context, domain string) (bool, error) {
	if err := ValidateDomain(domain); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.listLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range current {
		if d == domain {
			return false, nil
		}
	}

	body := map[string]string{"address": domain}
	if err := c.do(ctx, http.MethodPost, "/api/firewall/alias_util/add/"+c.alias, body, nil); err != nil {
		return false, err
	}
	if err := c.reconfigureLocked(ctx); err != nil {
		return false, err
	}
	c.log.Info("firewall domain added", zap.String("domain", domain))
	return true, nil
}

// RemoveDomain deletes a domain from the alias and reconfigures. Returns
// false when the domain was not present.
func (c *Client) RemoveDomain(ctx context.Context, domain string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.listLocked(ctx)
	if err != nil {
		return false, err
	}
	present := false
	for _, d := range current {
		if d == domain {
			present = true
			break
		}
	}
	if !present {
		return false, nil
	}

	body := map[string]string{"address": domain}
	if err := c.do(ctx, http.MethodPost, "/api/firewall/alias_util/delete/"+c.alias, body, nil); err != nil {
		return false, err
	}
	if err := c.reconfigureLocked(ctx); err != nil {
		return false, err
	}
	c.log.Info("firewall domain removed", zap.String("domain", domain))
	return true, nil
}

func (c *Client) reconfigureLocked(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/firewall/filter/reconfigure", map[string]string{}, nil)
}

// ValidateDomain rejects anything that is not a plain, fully qualified
// hostname: no wildcards, no IP literals, no unusual characters.
func ValidateDomain(d string) error {
	switch {
	case d == "":
		return fmt.Errorf("firewall: empty domain")
	case strings.Contains(d, "*"):
		return fmt.Errorf("firewall: wildcard domains are not allowed: %q", d)
	case net.ParseIP(d) != nil:
		return fmt.Errorf("firewall: IP literals are not allowed: %q", d)
	case !strings.Contains(d, "."):
		return fmt.Errorf("firewall: %q is not a fully qualified domain", d)
	case strings.Contains(d, ".."):
		return fmt.Errorf("firewall: consecutive dots in %q", d)
	}
	if strings.HasPrefix(d, ".") || strings.HasSuffix(d, ".") ||
		strings.HasPrefix(d, "-") || strings.HasSuffix(d, "-") {
		return fmt.Errorf("firewall: %q has a leading or trailing separator", d)
	}
	for _, r := range d {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '.' || r == '-'
		if !valid {
			return fmt.Errorf("firewall: invalid character %q in %q", r, d)
		}
	}
	return nil
}
