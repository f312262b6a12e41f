package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", "bot-user", zap.NewNop()), srv
}

func TestPostMessage(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v4/posts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(Post{ID: "post-1", ChannelID: "ch-1"})
	}))

	id, err := c.PostMessage(context.Background(), "ch-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "post-1" {
		t.Errorf("post id = %q, want post-1", id)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["channel_id"] != "ch-1" || gotBody["message"] != "hello" {
		t.Errorf("body = %v", gotBody)
	}
	if _, present := gotBody["root_id"]; present {
		t.Error("top-level post should not carry root_id")
	}
}

func TestPostInThreadCarriesRoot(t *testing.T) {
	var gotBody map[string]interface{}
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(Post{ID: "post-2"})
	}))

	if _, err := c.PostInThread(context.Background(), "ch-1", "root-9", "reply"); err != nil {
		t.Fatal(err)
	}
	if gotBody["root_id"] != "root-9" {
		t.Errorf("root_id = %v, want root-9", gotBody["root_id"])
	}
}

func TestUpdatePostClearsProps(t *testing.T) {
	var gotBody map[string]interface{}
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v4/posts/p-7" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "{}")
	}))

	if err := c.UpdatePost(context.Background(), "p-7", "resolved"); err != nil {
		t.Fatal(err)
	}
	props, ok := gotBody["props"].(map[string]interface{})
	if !ok || len(props) != 0 {
		t.Errorf("props = %v, want empty object", gotBody["props"])
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"channel not found"}`, http.StatusNotFound)
	}))

	_, err := c.GetChannelByName(context.Background(), "team-1", "nope")
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestGetTeamMemberIDsPaginates(t *testing.T) {
	pages := map[string][]teamMember{}
	for i := 0; i < 200; i++ {
		pages["0"] = append(pages["0"], teamMember{UserID: "u" + strconv.Itoa(i)})
	}
	pages["1"] = []teamMember{{UserID: "u200"}, {UserID: "u201"}}

	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		json.NewEncoder(w).Encode(pages[page])
	}))

	ids, err := c.GetTeamMemberIDs(context.Background(), "team-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 202 {
		t.Fatalf("got %d ids, want 202", len(ids))
	}
	if ids[0] != "u0" || ids[201] != "u201" {
		t.Errorf("unexpected ids at boundaries: %q %q", ids[0], ids[201])
	}
}

func TestEnsureSidebarCategoryFindsExisting(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("should not create when category exists, got %s", r.Method)
		}
		json.NewEncoder(w).Encode(sidebarCategories{Categories: []sidebarCategory{
			{ID: "cat-misc", DisplayName: "Misc"},
			{ID: "cat-dh", DisplayName: "Dockhand"},
		}})
	}))

	id, err := c.EnsureSidebarCategory(context.Background(), "u-1", "team-1", "Dockhand")
	if err != nil {
		t.Fatal(err)
	}
	if id != "cat-dh" {
		t.Errorf("category id = %q, want cat-dh", id)
	}
}

func TestAddChannelToCategoryIsIdempotent(t *testing.T) {
	updates := 0
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(sidebarCategory{ID: "cat-1", ChannelIDs: []string{"ch-a"}})
		case http.MethodPut:
			updates++
			var cat sidebarCategory
			json.NewDecoder(r.Body).Decode(&cat)
			if len(cat.ChannelIDs) != 2 || cat.ChannelIDs[1] != "ch-b" {
				t.Errorf("channel_ids = %v", cat.ChannelIDs)
			}
			fmt.Fprint(w, "{}")
		}
	}))

	if err := c.AddChannelToCategory(context.Background(), "u-1", "t-1", "cat-1", "ch-b"); err != nil {
		t.Fatal(err)
	}
	if updates != 1 {
		t.Fatalf("updates = %d, want 1", updates)
	}
	// Already-present channel: no write.
	if err := c.AddChannelToCategory(context.Background(), "u-1", "t-1", "cat-1", "ch-a"); err != nil {
		t.Fatal(err)
	}
	if updates != 1 {
		t.Fatalf("updates after no-op add = %d, want 1", updates)
	}
}

func TestBackoffDelay(t *testing.T) {
	if d := backoffDelay(1); d < time.Second || d > 1250*time.Millisecond {
		t.Errorf("attempt 1 delay = %v", d)
	}
	if d := backoffDelay(2); d < 2*time.Second || d > 2500*time.Millisecond {
		t.Errorf("attempt 2 delay = %v", d)
	}
	// Deep attempts stay at the 60s cap plus at most 25% jitter.
	for attempt := 10; attempt < 20; attempt++ {
		d := backoffDelay(attempt)
		if d < 60*time.Second || d > 75*time.Second {
			t.Errorf("attempt %d delay = %v, want within [60s, 75s]", attempt, d)
		}
	}
	// Same attempt number gives the same delay.
	if backoffDelay(7) != backoffDelay(7) {
		t.Error("backoff jitter is not deterministic")
	}
}
