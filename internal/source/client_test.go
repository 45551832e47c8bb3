package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agileforge/witmigrate/internal/item"
)

func newTestClient(handler http.Handler) (*HTTPClient, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewHTTPClient(server.URL, "source-key", "Payments"), server
}

func TestFetchItem(t *testing.T) {
	var gotAuth string
	c, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/v1/items/US100" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"id":"US100","type":"hierarchicalrequirement","parentId":"F1",
			"state":"In-Progress","name":"Login page",
			"owner":{"ref":"u1","displayName":"Dana Fox"},
			"testCaseIds":["TC1","TC2"]
		}`))
	}))
	defer server.Close()

	it, err := c.FetchItem(context.Background(), "", "US100")
	if err != nil {
		t.Fatalf("FetchItem: %v", err)
	}
	if gotAuth != "Bearer source-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if it.Type != item.TypeStory {
		t.Errorf("type = %q, want story (source vocabulary normalized)", it.Type)
	}
	if it.ParentID != "F1" || it.Owner.DisplayName != "Dana Fox" || len(it.LinkedTestCaseIDs) != 2 {
		t.Errorf("item = %+v", it)
	}
}

func TestFetchItemStaleStateCorrected(t *testing.T) {
	stateCalls := 0
	c, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/items/D7":
			_, _ = w.Write([]byte(`{"id":"D7","type":"defect","state":"Open","stateStale":true,"name":"Crash"}`))
		case "/api/v1/items/D7/state":
			stateCalls++
			_, _ = w.Write([]byte(`{"state":"Fixed"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	it, err := c.FetchItem(context.Background(), item.TypeDefect, "D7")
	if err != nil {
		t.Fatalf("FetchItem: %v", err)
	}
	if it.LifecycleState != "Fixed" {
		t.Errorf("state = %q, want the re-read value Fixed", it.LifecycleState)
	}
	if stateCalls != 1 {
		t.Errorf("minimal-field state endpoint called %d times, want 1", stateCalls)
	}
}

func TestFetchItemNotFound(t *testing.T) {
	c, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := c.FetchItem(context.Background(), "", "GHOST")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFetchItemsByTypePaginates(t *testing.T) {
	c, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("project"); got != "Payments" {
			t.Errorf("project = %q", got)
		}
		start := r.URL.Query().Get("start")
		if start == "0" {
			items := ""
			for i := 0; i < pageSize; i++ {
				if i > 0 {
					items += ","
				}
				items += fmt.Sprintf(`{"id":"S%03d","type":"story","state":"Defined"}`, i)
			}
			fmt.Fprintf(w, `{"items":[%s],"total":%d}`, items, pageSize+1)
			return
		}
		fmt.Fprintf(w, `{"items":[{"id":"S200","type":"story","state":"Defined"}],"total":%d}`, pageSize+1)
	}))
	defer server.Close()

	items, err := c.FetchItemsByType(context.Background(), item.TypeStory)
	if err != nil {
		t.Fatalf("FetchItemsByType: %v", err)
	}
	if len(items) != pageSize+1 {
		t.Fatalf("got %d items, want %d", len(items), pageSize+1)
	}
}

func TestFetchAttachmentsWithContent(t *testing.T) {
	c, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/items/US100/attachments":
			_, _ = w.Write([]byte(`[{"id":"a1","name":"spec.pdf","contentType":"application/pdf","size":3}]`))
		case "/api/v1/attachments/a1/content":
			_, _ = w.Write([]byte("pdf"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	atts, err := c.FetchAttachments(context.Background(), &item.SourceItem{ID: "US100"})
	if err != nil {
		t.Fatalf("FetchAttachments: %v", err)
	}
	if len(atts) != 1 || atts[0].Name != "spec.pdf" || string(atts[0].Content) != "pdf" {
		t.Fatalf("attachments = %+v", atts)
	}
}

func TestFetchOwnerEmailCached(t *testing.T) {
	calls := 0
	c, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"ref":"u1","displayName":"Dana Fox","email":"dana@example.org"}`))
	}))
	defer server.Close()

	for i := 0; i < 3; i++ {
		email, err := c.FetchOwnerEmail(context.Background(), "u1")
		if err != nil || email != "dana@example.org" {
			t.Fatalf("FetchOwnerEmail: %q, %v", email, err)
		}
	}
	if calls != 1 {
		t.Errorf("users endpoint hit %d times, want 1 (cached)", calls)
	}

	// Empty refs resolve to nothing without a request.
	if email, err := c.FetchOwnerEmail(context.Background(), ""); err != nil || email != "" {
		t.Errorf("empty ref = %q, %v", email, err)
	}
}
