package notion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
	return nil
}

func (r *recordedSleeps) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestClientGetDatabaseSendsCredentialAndVersion(t *testing.T) {
	var capturedAuth, capturedVersion, capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedVersion = r.Header.Get("Notion-Version")
		capturedPath = r.URL.Path
		_, _ = w.Write([]byte(`{"object":"database","id":"db_1","properties":{
			"Name":{"id":"title","name":"Name","type":"title","title":{}},
			"Status":{"id":"s1","name":"Status","type":"status","status":{"options":[]}}
		}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	db, err := client.GetDatabase(context.Background(), Credential{Name: "base", Token: "secret_base"}, "db_1")
	if err != nil {
		t.Fatalf("get database failed: %v", err)
	}
	if capturedAuth != "Bearer secret_base" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedVersion != "2022-06-28" {
		t.Fatalf("expected default notion version, got %q", capturedVersion)
	}
	if capturedPath != "/v1/databases/db_1" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
	if db.Properties["Status"].Type != TypeStatus || db.Properties["Name"].Type != TypeTitle {
		t.Fatalf("unexpected schema: %+v", db.Properties)
	}
}

func TestClientUsesPerCallCredential(t *testing.T) {
	var mu sync.Mutex
	seen := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"object":"page","id":"p","properties":{}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	if _, err := client.GetPage(context.Background(), Credential{Token: "base_token"}, "p"); err != nil {
		t.Fatalf("base get failed: %v", err)
	}
	if _, err := client.GetPage(context.Background(), Credential{Token: "mirror_token"}, "p"); err != nil {
		t.Fatalf("mirror get failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != "Bearer base_token" || seen[1] != "Bearer mirror_token" {
		t.Fatalf("expected each call to carry its own credential, got %v", seen)
	}
}

func TestClientRejectsEmptyCredential(t *testing.T) {
	client := NewClient(ClientOptions{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.GetPage(context.Background(), Credential{}, "p"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestClientRetriesRateLimitWithExponentialBackoff(t *testing.T) {
	var calls int32
	var created int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		atomic.AddInt32(&created, 1)
		_, _ = w.Write([]byte(`{"object":"page","id":"new_page","properties":{}}`))
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), Sleep: sleeps.sleep})
	page, err := client.CreatePage(context.Background(), Credential{Token: "t"}, CreatePageRequest{
		Parent:     Parent{Type: "database_id", DatabaseID: "db"},
		Properties: map[string]PropertyValue{"Name": {Type: TypeTitle, Title: []RichText{TextRun("hello")}}},
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if page.ID != "new_page" {
		t.Fatalf("unexpected page %+v", page)
	}
	if atomic.LoadInt32(&created) != 1 {
		t.Fatalf("expected exactly one page created, got %d", created)
	}
	delays := sleeps.snapshot()
	if len(delays) != 1 || delays[0] != time.Second {
		t.Fatalf("expected a single 1s backoff, got %v", delays)
	}
}

func TestClientHonorsRetryAfterHeader(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"object":"page","id":"p","properties":{}}`))
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), Sleep: sleeps.sleep})
	if _, err := client.GetPage(context.Background(), Credential{Token: "t"}, "p"); err != nil {
		t.Fatalf("get page failed: %v", err)
	}
	delays := sleeps.snapshot()
	if len(delays) != 1 || delays[0] != 4*time.Second {
		t.Fatalf("expected Retry-After delay of 4s, got %v", delays)
	}
}

func TestClientSurfacesErrorAfterExhaustingRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), Sleep: sleeps.sleep})
	_, err := client.GetPage(context.Background(), Credential{Token: "t"}, "p")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "rate_limited" {
		t.Fatalf("expected APIError with code, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	delays := sleeps.snapshot()
	if len(delays) != len(want) {
		t.Fatalf("expected %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, delays)
		}
	}
}

func TestClientBackoffIsCapped(t *testing.T) {
	client := NewClient(ClientOptions{})
	if got := client.retryDelay(10, ""); got != 30*time.Second {
		t.Fatalf("expected cap of 30s, got %s", got)
	}
	if got := client.retryDelay(1, "120"); got != 120*time.Second {
		t.Fatalf("expected Retry-After to be honored as given, got %s", got)
	}
}

func TestClientDoesNotResendCreateAfterServerError(t *testing.T) {
	var posts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&posts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":"bad_gateway","message":"upstream"}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"page","id":"dup","properties":{}}`))
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), Sleep: sleeps.sleep})
	_, err := client.CreatePage(context.Background(), Credential{Token: "t"}, CreatePageRequest{
		Parent:     Parent{Type: "database_id", DatabaseID: "db"},
		Properties: map[string]PropertyValue{"Name": {Type: TypeTitle, Title: []RichText{TextRun("once")}}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected the 502 to surface, got %v", err)
	}
	if atomic.LoadInt32(&posts) != 1 {
		t.Fatalf("expected a single POST, got %d", posts)
	}
	if len(sleeps.snapshot()) != 0 {
		t.Fatalf("expected no backoff, got %v", sleeps.snapshot())
	}
}

func TestClientRetriesUpdateAfterServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"object":"page","id":"p","properties":{}}`))
	}))
	defer server.Close()

	sleeps := &recordedSleeps{}
	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), Sleep: sleeps.sleep})
	if _, err := client.UpdatePage(context.Background(), Credential{Token: "t"}, "p", UpdatePageRequest{}); err != nil {
		t.Fatalf("expected update to be retried, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}
}

func TestClientDoesNotRetryPermanentFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"object_not_found","message":"missing"}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := client.GetPage(context.Background(), Credential{Token: "t"}, "p")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retries, got %d calls", calls)
	}
}

func TestClientQueryDatabaseSendsCursorAndFilter(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/databases/db_1/query" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"results":[],"has_more":false,"next_cursor":null}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	since := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	_, err := client.QueryDatabase(context.Background(), Credential{Token: "t"}, "db_1", QueryRequest{
		StartCursor: "cursor_2",
		Filter:      EditedSinceFilter(since),
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if body["start_cursor"] != "cursor_2" {
		t.Fatalf("expected cursor in body, got %+v", body)
	}
	if body["page_size"] != float64(100) {
		t.Fatalf("expected default page size 100, got %+v", body["page_size"])
	}
	filter, _ := body["filter"].(map[string]any)
	if filter["timestamp"] != "last_edited_time" {
		t.Fatalf("expected last_edited_time filter, got %+v", filter)
	}
}
