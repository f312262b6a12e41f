package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/chat"
	"github.com/dockhand-dev/dockhand/firewall"
	"github.com/dockhand-dev/dockhand/metrics"
	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/store/sqlite"
)

type fakeNotifier struct {
	mu      sync.Mutex
	markers map[string][]string
}

func (f *fakeNotifier) NotifySession(_ context.Context, sessionID, marker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markers == nil {
		f.markers = map[string][]string{}
	}
	f.markers[sessionID] = append(f.markers[sessionID], marker)
	return nil
}

func (f *fakeNotifier) markersFor(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markers[sessionID]...)
}

// awaitMarkers polls for the asynchronously delivered verdict markers.
func awaitMarkers(t *testing.T, f *fakeNotifier, sessionID string, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ms := f.markersFor(sessionID); len(ms) >= want {
			return ms
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("markers for %s never arrived: %v", sessionID, f.markersFor(sessionID))
	return nil
}

type fakeChat struct {
	mu      sync.Mutex
	posts   []map[string]interface{}
	updates map[string]string
	nextID  int
}

func (f *fakeChat) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("post-%d", f.nextID)
		f.posts = append(f.posts, body)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("/api/v4/posts/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		if f.updates == nil {
			f.updates = map[string]string{}
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/v4/posts/")
		f.updates[id], _ = body["message"].(string)
		f.mu.Unlock()
		fmt.Fprint(w, "{}")
	})
	return mux
}

type fakeFirewall struct {
	mu      sync.Mutex
	domains []string
	fail    bool
}

func (f *fakeFirewall) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/firewall/alias_util/list/egress", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		rows := []map[string]string{}
		for _, d := range f.domains {
			rows = append(rows, map[string]string{"ip": d})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"rows": rows})
	})
	mux.HandleFunc("/api/firewall/alias_util/add/egress", func(w http.ResponseWriter, r *http.Request) {
		if f.fail {
			http.Error(w, "unreachable", http.StatusBadGateway)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.domains = append(f.domains, body["address"])
		f.mu.Unlock()
		fmt.Fprint(w, "{}")
	})
	mux.HandleFunc("/api/firewall/filter/reconfigure", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{}")
	})
	return mux
}

type fixture struct {
	coord    *Coordinator
	store    *sqlite.Store
	chat     *fakeChat
	fw       *fakeFirewall
	notifier *fakeNotifier
	sess     *model.Session
}

func newFixture(t *testing.T, approvers []string) *fixture {
	t.Helper()

	fc := &fakeChat{}
	chatSrv := httptest.NewServer(fc.handler())
	t.Cleanup(chatSrv.Close)

	ff := &fakeFirewall{}
	fwSrv := httptest.NewServer(ff.handler())
	t.Cleanup(fwSrv.Close)

	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	notifier := &fakeNotifier{}
	coord := New(st,
		firewall.New(fwSrv.URL, "egress", "k", "s", zap.NewNop()),
		chat.NewClient(chatSrv.URL, "tok", "bot", zap.NewNop()),
		notifier, metrics.New(), zap.NewNop(),
		"hmac-secret", "https://core.example.com/callback", approvers)

	sess := &model.Session{
		ID:        "11111111-2222-3333-4444-555555555555",
		ChannelID: "ch-1",
		ThreadID:  "th-1",
		Project:   "acme/widget",
		Type:      model.TypeStandard,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return &fixture{coord: coord, store: st, chat: fc, fw: ff, notifier: notifier, sess: sess}
}

func pendingFor(t *testing.T, f *fixture, domain string) *model.PendingApproval {
	t.Helper()
	p, err := f.store.GetPendingRequestByDomainAndSession(context.Background(), domain, f.sess.ID)
	if err != nil {
		t.Fatalf("pending lookup: %v", err)
	}
	return p
}

func TestRequestPostsCardAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.coord.Request(ctx, f.sess, "pypi.org"); err != nil {
		t.Fatal(err)
	}
	if len(f.chat.posts) != 1 {
		t.Fatalf("posted %d cards, want 1", len(f.chat.posts))
	}

	props, _ := f.chat.posts[0]["props"].(map[string]interface{})
	raw, _ := json.Marshal(props)
	card := string(raw)
	if !strings.Contains(card, "#FFA500") || !strings.Contains(card, "**Network Request:** `pypi.org`") {
		t.Errorf("card props = %s", card)
	}
	if !strings.Contains(card, `"action":"approve"`) || !strings.Contains(card, `"action":"deny"`) {
		t.Errorf("card missing actions: %s", card)
	}

	p := pendingFor(t, f, "pypi.org")
	if p.PostID != "post-1" || p.ChannelID != "ch-1" {
		t.Errorf("pending row = %+v", p)
	}
	// The stored signature context must verify.
	if !Verify("hmac-secret", p.RequestID, ActionApprove, Sign("hmac-secret", p.RequestID, ActionApprove)) {
		t.Error("signature scheme broken")
	}
}

func TestRequestDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.coord.Request(ctx, f.sess, "api.example.com")
	f.coord.Request(ctx, f.sess, "api.example.com")

	if len(f.chat.posts) != 1 {
		t.Errorf("duplicate request posted a second card (%d posts)", len(f.chat.posts))
	}
}

func TestResolveApprove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.coord.Request(ctx, f.sess, "pypi.org")
	p := pendingFor(t, f, "pypi.org")

	sig := Sign("hmac-secret", p.RequestID, ActionApprove)
	res, err := f.coord.Resolve(ctx, ActionApprove, p.RequestID, sig, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdateText != "`pypi.org` approved by @alice" {
		t.Errorf("update text = %q", res.UpdateText)
	}

	if len(f.fw.domains) != 1 || f.fw.domains[0] != "pypi.org" {
		t.Errorf("firewall domains = %v", f.fw.domains)
	}
	if got := f.chat.updates[p.PostID]; got != "`pypi.org` approved by @alice" {
		t.Errorf("card edit = %q", got)
	}
	if markers := awaitMarkers(t, f.notifier, f.sess.ID, 1); markers[0] != "[NETWORK_APPROVED: pypi.org]" {
		t.Errorf("markers = %v", markers)
	}

	entries, err := f.store.RecentAuditEntries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != ActionApprove || entries[0].ApprovedBy != "alice" {
		t.Errorf("audit = %+v", entries)
	}

	if _, err := f.store.GetPendingRequest(ctx, p.RequestID); !errors.Is(err, sqlite.ErrNotFound) {
		t.Error("pending row survived resolution")
	}
}

func TestResolveDenySkipsFirewall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.coord.Request(ctx, f.sess, "evil.example.com")
	p := pendingFor(t, f, "evil.example.com")

	sig := Sign("hmac-secret", p.RequestID, ActionDeny)
	if _, err := f.coord.Resolve(ctx, ActionDeny, p.RequestID, sig, "bob"); err != nil {
		t.Fatal(err)
	}
	if len(f.fw.domains) != 0 {
		t.Errorf("deny touched the firewall: %v", f.fw.domains)
	}
	if markers := awaitMarkers(t, f.notifier, f.sess.ID, 1); markers[0] != "[NETWORK_DENIED: evil.example.com]" {
		t.Errorf("markers = %v", markers)
	}
}

// blockingNotifier stands in for a session whose current agent turn never
// finishes.
type blockingNotifier struct {
	release chan struct{}
}

func (b *blockingNotifier) NotifySession(context.Context, string, string) error {
	<-b.release
	return nil
}

func TestResolveReturnsWithoutWaitingForAgentTurn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.coord.Request(ctx, f.sess, "pypi.org")
	p := pendingFor(t, f, "pypi.org")

	block := &blockingNotifier{release: make(chan struct{})}
	f.coord.notifier = block
	defer close(block.release)

	sig := Sign("hmac-secret", p.RequestID, ActionApprove)
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Resolve(ctx, ActionApprove, p.RequestID, sig, "alice")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve blocked on the session's agent turn")
	}
	if len(f.fw.domains) != 1 {
		t.Errorf("firewall domains = %v", f.fw.domains)
	}
}

func TestResolveRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.coord.Request(ctx, f.sess, "pypi.org")
	p := pendingFor(t, f, "pypi.org")

	// Signature for the other action must not authorize this one.
	sig := Sign("hmac-secret", p.RequestID, ActionDeny)
	if _, err := f.coord.Resolve(ctx, ActionApprove, p.RequestID, sig, "alice"); err == nil {
		t.Fatal("cross-action signature accepted")
	}
	if _, err := f.store.GetPendingRequest(ctx, p.RequestID); err != nil {
		t.Error("rejected callback consumed the pending request")
	}
}

func TestResolveUnauthorizedApprover(t *testing.T) {
	f := newFixture(t, []string{"alice"})
	ctx := context.Background()
	f.coord.Request(ctx, f.sess, "pypi.org")
	p := pendingFor(t, f, "pypi.org")

	sig := Sign("hmac-secret", p.RequestID, ActionApprove)
	res, err := f.coord.Resolve(ctx, ActionApprove, p.RequestID, sig, "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if res.EphemeralText == "" {
		t.Error("unauthorized approver should get an ephemeral explanation")
	}
	if len(f.fw.domains) != 0 {
		t.Error("unauthorized approver changed the firewall")
	}
	if _, err := f.store.GetPendingRequest(ctx, p.RequestID); err != nil {
		t.Error("unauthorized callback consumed the pending request")
	}
}

func TestResolveFirewallFailureKeepsPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.coord.Request(ctx, f.sess, "pypi.org")
	p := pendingFor(t, f, "pypi.org")
	f.fw.fail = true

	sig := Sign("hmac-secret", p.RequestID, ActionApprove)
	_, err := f.coord.Resolve(ctx, ActionApprove, p.RequestID, sig, "alice")
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("err = %v, want ErrRetryable", err)
	}
	if _, err := f.store.GetPendingRequest(ctx, p.RequestID); err != nil {
		t.Error("pending request consumed despite firewall failure")
	}

	// Retry once the firewall recovers.
	f.fw.fail = false
	if _, err := f.coord.Resolve(ctx, ActionApprove, p.RequestID, sig, "alice"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(f.fw.domains) != 1 {
		t.Errorf("firewall domains after retry = %v", f.fw.domains)
	}
}
