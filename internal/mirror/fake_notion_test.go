package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/notionmirror/internal/kvstore"
	"github.com/agentworkforce/notionmirror/internal/notion"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// fakeNotion is an in-memory Notion workspace. Each database only answers to
// its own token, so a call made with the wrong side's credential fails.
type fakeNotion struct {
	mu        sync.Mutex
	clock     *testClock
	tokens    map[string]string
	databases map[string]notion.Database
	pages     map[string]notion.Page
	order     []string
	nextID    int

	creates     int
	updates     map[string][]notion.UpdatePageRequest
	queries     []notion.QueryRequest
	databaseErr error
	createErr   func(req notion.CreatePageRequest) error
	updateErr   func(pageID string) error
}

func newFakeNotion(clock *testClock) *fakeNotion {
	return &fakeNotion{
		clock:     clock,
		tokens:    map[string]string{},
		databases: map[string]notion.Database{},
		pages:     map[string]notion.Page{},
		updates:   map[string][]notion.UpdatePageRequest{},
	}
}

func (f *fakeNotion) addDatabase(id, token string, props map[string]notion.PropertyType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db := notion.Database{ID: id, Properties: map[string]notion.PropertySchema{}}
	for name, typ := range props {
		db.Properties[name] = notion.PropertySchema{ID: name, Name: name, Type: typ}
	}
	f.databases[notion.NormalizeID(id)] = db
	f.tokens[notion.NormalizeID(id)] = token
}

func (f *fakeNotion) addPage(databaseID, pageID string, edited time.Time, props map[string]notion.PropertyValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[notion.NormalizeID(pageID)] = notion.Page{
		ID:             pageID,
		LastEditedTime: edited,
		Parent:         notion.Parent{Type: "database_id", DatabaseID: databaseID},
		Properties:     props,
	}
	f.order = append(f.order, notion.NormalizeID(pageID))
}

func (f *fakeNotion) page(id string) notion.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[notion.NormalizeID(id)]
}

func (f *fakeNotion) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeNotion) updatesFor(id string) []notion.UpdatePageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notion.UpdatePageRequest(nil), f.updates[notion.NormalizeID(id)]...)
}

func (f *fakeNotion) pagesIn(databaseID string) []notion.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notion.Page
	for _, id := range f.order {
		page := f.pages[id]
		if notion.SameID(page.Parent.DatabaseID, databaseID) {
			out = append(out, page)
		}
	}
	return out
}

func (f *fakeNotion) authorizeLocked(cred notion.Credential, databaseID string) error {
	token, ok := f.tokens[notion.NormalizeID(databaseID)]
	if !ok {
		return &notion.APIError{StatusCode: http.StatusNotFound, Code: "object_not_found"}
	}
	if cred.Token != token {
		return &notion.APIError{StatusCode: http.StatusUnauthorized, Code: "unauthorized"}
	}
	return nil
}

func (f *fakeNotion) GetDatabase(_ context.Context, cred notion.Credential, databaseID string) (notion.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.databaseErr != nil {
		return notion.Database{}, f.databaseErr
	}
	if err := f.authorizeLocked(cred, databaseID); err != nil {
		return notion.Database{}, err
	}
	return f.databases[notion.NormalizeID(databaseID)], nil
}

func (f *fakeNotion) QueryDatabase(_ context.Context, cred notion.Credential, databaseID string, req notion.QueryRequest) (notion.QueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	if err := f.authorizeLocked(cred, databaseID); err != nil {
		return notion.QueryResponse{}, err
	}
	var since time.Time
	if filter, ok := req.Filter.(map[string]any); ok {
		if edited, ok := filter["last_edited_time"].(map[string]any); ok {
			since, _ = time.Parse(time.RFC3339, fmt.Sprint(edited["on_or_after"]))
		}
	}
	var matched []notion.Page
	for _, id := range f.order {
		page := f.pages[id]
		if !notion.SameID(page.Parent.DatabaseID, databaseID) {
			continue
		}
		if !since.IsZero() && page.LastEditedTime.Before(since) {
			continue
		}
		matched = append(matched, page)
	}
	start, _ := strconv.Atoi(req.StartCursor)
	size := req.PageSize
	if size <= 0 {
		size = 100
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	resp := notion.QueryResponse{Results: append([]notion.Page(nil), matched[start:end]...)}
	if end < len(matched) {
		next := strconv.Itoa(end)
		resp.HasMore = true
		resp.NextCursor = &next
	}
	return resp, nil
}

func (f *fakeNotion) GetPage(_ context.Context, cred notion.Credential, pageID string) (notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[notion.NormalizeID(pageID)]
	if !ok {
		return notion.Page{}, &notion.APIError{StatusCode: http.StatusNotFound, Code: "object_not_found"}
	}
	if err := f.authorizeLocked(cred, page.Parent.DatabaseID); err != nil {
		return notion.Page{}, err
	}
	return page, nil
}

func (f *fakeNotion) CreatePage(_ context.Context, cred notion.Credential, req notion.CreatePageRequest) (notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.authorizeLocked(cred, req.Parent.DatabaseID); err != nil {
		return notion.Page{}, err
	}
	if f.createErr != nil {
		if err := f.createErr(req); err != nil {
			return notion.Page{}, err
		}
	}
	f.nextID++
	f.creates++
	page := notion.Page{
		ID:             fmt.Sprintf("created-%d", f.nextID),
		LastEditedTime: f.clock.Now(),
		Parent:         req.Parent,
		Properties:     map[string]notion.PropertyValue{},
	}
	for name, value := range req.Properties {
		page.Properties[name] = value
	}
	f.pages[notion.NormalizeID(page.ID)] = page
	f.order = append(f.order, notion.NormalizeID(page.ID))
	return page, nil
}

func (f *fakeNotion) UpdatePage(_ context.Context, cred notion.Credential, pageID string, req notion.UpdatePageRequest) (notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := notion.NormalizeID(pageID)
	page, ok := f.pages[key]
	if !ok {
		return notion.Page{}, &notion.APIError{StatusCode: http.StatusNotFound, Code: "object_not_found"}
	}
	if err := f.authorizeLocked(cred, page.Parent.DatabaseID); err != nil {
		return notion.Page{}, err
	}
	if f.updateErr != nil {
		if err := f.updateErr(pageID); err != nil {
			return notion.Page{}, err
		}
	}
	props := map[string]notion.PropertyValue{}
	for name, value := range page.Properties {
		props[name] = value
	}
	for name, value := range req.Properties {
		props[name] = value
	}
	page.Properties = props
	page.LastEditedTime = f.clock.Now()
	f.pages[key] = page
	f.updates[key] = append(f.updates[key], req)
	return page, nil
}

var errBoom = errors.New("boom")

const (
	baseDB      = "base-db"
	mirrorDB    = "mirror-db"
	baseToken   = "base-token"
	mirrorToken = "mirror-token"
)

func testConnection() Connection {
	return Connection{
		ID:               "acme",
		BaseDatabaseID:   baseDB,
		BaseCredential:   notion.Credential{Name: "base", Token: baseToken},
		MirrorDatabaseID: mirrorDB,
		MirrorCredential: notion.Credential{Name: "mirror", Token: mirrorToken},
	}
}

// newFixture builds a fake workspace with a base and a mirror database whose
// schemas overlap on Name, Client, Status, Notes and Score.
func newFixture(t *testing.T) (*fakeNotion, *testClock) {
	t.Helper()
	clock := newTestClock()
	api := newFakeNotion(clock)
	api.addDatabase(baseDB, baseToken, map[string]notion.PropertyType{
		"Name":               notion.TypeTitle,
		"Client":             notion.TypeSelect,
		"Status":             notion.TypeStatus,
		"Notes":              notion.TypeRichText,
		"Score":              notion.TypeNumber,
		"Calc":               notion.TypeFormula,
		ReservedPropertyName: notion.TypeRichText,
	})
	api.addDatabase(mirrorDB, mirrorToken, map[string]notion.PropertyType{
		"Name":   notion.TypeTitle,
		"client": notion.TypeSelect,
		"Status": notion.TypeStatus,
		"Notes":  notion.TypeRichText,
		"Score":  notion.TypeNumber,
		"Calc":   notion.TypeFormula,
	})
	return api, clock
}

func newTestService(t *testing.T, api *fakeNotion, clock *testClock, mutate func(*ServiceOptions)) *Service {
	t.Helper()
	opts := ServiceOptions{
		Backend:        kvstore.NewMemoryBackend(),
		API:            api,
		Logger:         nopLogger{},
		DisableWorkers: true,
		Now:            clock.Now,
		Sleep:          (&sleepRecorder{}).Sleep,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	svc.SetConnections(context.Background(), []Connection{testConnection()})
	return svc
}

func basePage(title, client, status string) map[string]notion.PropertyValue {
	return map[string]notion.PropertyValue{
		"Name":   {Type: notion.TypeTitle, Title: []notion.RichText{notion.TextRun(title)}},
		"Client": {Type: notion.TypeSelect, Select: &notion.SelectOption{Name: client}},
		"Status": {Type: notion.TypeStatus, Status: &notion.SelectOption{Name: status}},
		"Notes":  {Type: notion.TypeRichText, RichText: []notion.RichText{notion.TextRun("notes for " + title)}},
	}
}

func statusOf(page notion.Page) string {
	names := page.Properties["Status"].OptionNames()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
