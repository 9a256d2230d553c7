package mirror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

func seedBasePages(api *fakeNotion, clock *testClock, n int, client string) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("base-%s-%d", client, i)
		api.addPage(baseDB, id, clock.Now(), basePage(fmt.Sprintf("%s task %d", client, i), client, "Todo"))
		ids = append(ids, id)
	}
	return ids
}

func TestInitialSyncCreatesMirrorPagesAndMappings(t *testing.T) {
	api, clock := newFixture(t)
	svc := newTestService(t, api, clock, nil)
	ids := seedBasePages(api, clock, 3, "Acme")
	ctx := context.Background()

	result, err := svc.RunInitialSync(ctx, "acme")
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if result.Created != 3 || result.Skipped != 0 || result.Errors != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, id := range ids {
		mapping, err := svc.LookupMapping(ctx, "acme", id)
		if err != nil || mapping == nil {
			t.Fatalf("expected mapping for %s, got %v %v", id, mapping, err)
		}
		mirror := api.page(mapping.MirrorPageID)
		if !notion.SameID(mirror.Parent.DatabaseID, mirrorDB) {
			t.Fatalf("mirror page created in wrong database: %+v", mirror.Parent)
		}
		if mirror.Title() != api.page(id).Title() {
			t.Fatalf("expected mirrored title %q, got %q", api.page(id).Title(), mirror.Title())
		}
		if names := mirror.Properties["client"].OptionNames(); len(names) != 1 || names[0] != "Acme" {
			t.Fatalf("expected client copied into mirror's lower-case property, got %+v", mirror.Properties)
		}
		if _, ok := mirror.Properties["Calc"]; ok {
			t.Fatalf("formula must not be written")
		}
		backRef := api.page(id).Properties[ReservedPropertyName]
		if backRef.Text() != mapping.MirrorPageID {
			t.Fatalf("expected back-reference %q on base page, got %q", mapping.MirrorPageID, backRef.Text())
		}
	}
	progress, err := svc.Progress(ctx, "acme")
	if err != nil || progress == nil {
		t.Fatalf("expected progress, got %v %v", progress, err)
	}
	if progress.Status != ProgressCompleted || progress.TotalPages != 3 || progress.SyncedPages != 3 || progress.CompletedAt == nil {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestInitialSyncIsIdempotent(t *testing.T) {
	api, clock := newFixture(t)
	svc := newTestService(t, api, clock, nil)
	ids := seedBasePages(api, clock, 5, "Acme")
	ctx := context.Background()
	conn := testConnection()

	// Two of five pages were mirrored by an earlier, interrupted run.
	for i, id := range ids[:2] {
		mirrorID := fmt.Sprintf("existing-mirror-%d", i)
		api.addPage(mirrorDB, mirrorID, clock.Now(), map[string]notion.PropertyValue{})
		if err := svc.core.repo.SaveMapping(ctx, conn, SyncMapping{BasePageID: id, MirrorPageID: mirrorID, SyncVersion: 7}); err != nil {
			t.Fatalf("seed mapping: %v", err)
		}
	}

	result, err := svc.RunInitialSync(ctx, "acme")
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if result.Created != 3 || result.Skipped != 2 {
		t.Fatalf("expected 3 created and 2 skipped, got %+v", result)
	}
	if api.createCount() != 3 {
		t.Fatalf("expected exactly 3 pages created, got %d", api.createCount())
	}
	for i, id := range ids[:2] {
		mapping, _ := svc.LookupMapping(ctx, "acme", id)
		if mapping == nil || mapping.MirrorPageID != fmt.Sprintf("existing-mirror-%d", i) || mapping.SyncVersion != 7 {
			t.Fatalf("existing mapping was modified: %+v", mapping)
		}
	}

	again, err := svc.RunInitialSync(ctx, "acme")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if again.Created != 0 || again.Skipped != 5 || api.createCount() != 3 {
		t.Fatalf("re-run must not create pages, got %+v creates=%d", again, api.createCount())
	}
}

func TestInitialSyncAppliesFilter(t *testing.T) {
	api, clock := newFixture(t)
	svc := newTestService(t, api, clock, nil)
	conn := testConnection()
	conn.FilterProperty = "Client"
	conn.FilterValues = []string{"Acme"}
	svc.SetConnections(context.Background(), []Connection{conn})

	acme := seedBasePages(api, clock, 2, "Acme")
	other := seedBasePages(api, clock, 1, "Other")
	ctx := context.Background()

	result, err := svc.RunInitialSync(ctx, "acme")
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if result.Created != 2 {
		t.Fatalf("expected only Acme pages created, got %+v", result)
	}
	progress, _ := svc.Progress(ctx, "acme")
	if progress.TotalPages != 2 {
		t.Fatalf("filtered page must not count toward total, got %d", progress.TotalPages)
	}
	if mapping, _ := svc.LookupMapping(ctx, "acme", other[0]); mapping != nil {
		t.Fatalf("filtered page was mapped: %+v", mapping)
	}
	for _, id := range acme {
		if mapping, _ := svc.LookupMapping(ctx, "acme", id); mapping == nil {
			t.Fatalf("expected mapping for %s", id)
		}
	}
	if n := len(api.pagesIn(mirrorDB)); n != 2 {
		t.Fatalf("expected 2 mirror pages, got %d", n)
	}
}

func TestInitialSyncContinuesPastPageFailures(t *testing.T) {
	api, clock := newFixture(t)
	svc := newTestService(t, api, clock, nil)
	ids := seedBasePages(api, clock, 3, "Acme")
	api.createErr = func(req notion.CreatePageRequest) error {
		if notion.PlainText(req.Properties["Name"].Title) == "Acme task 2" {
			return &notion.APIError{StatusCode: 400, Code: "validation_error", Message: "bad page"}
		}
		return nil
	}
	ctx := context.Background()

	result, err := svc.RunInitialSync(ctx, "acme")
	if err != nil {
		t.Fatalf("per-page failure must not fail the run: %v", err)
	}
	if result.Created != 2 || result.Errors != 1 || len(result.ErrorDetails) != 1 || result.ErrorDetails[0].PageID != ids[1] {
		t.Fatalf("unexpected result %+v", result)
	}
	progress, _ := svc.Progress(ctx, "acme")
	if progress.Status != ProgressCompleted || progress.FailedPages != 1 || progress.SyncedPages != 2 || progress.LastError == "" {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if mapping, _ := svc.LookupMapping(ctx, "acme", ids[1]); mapping != nil {
		t.Fatalf("failed page must not be mapped")
	}
}

func TestInitialSyncFailsWhenSchemaUnavailable(t *testing.T) {
	api, clock := newFixture(t)
	svc := newTestService(t, api, clock, nil)
	seedBasePages(api, clock, 2, "Acme")
	api.databaseErr = errBoom
	ctx := context.Background()

	_, err := svc.RunInitialSync(ctx, "acme")
	if !errors.Is(err, ErrSchemaUnavailable) {
		t.Fatalf("expected schema unavailable, got %v", err)
	}
	progress, _ := svc.Progress(ctx, "acme")
	if progress.Status != ProgressFailed || progress.LastError == "" {
		t.Fatalf("expected failed progress with error, got %+v", progress)
	}
	if api.createCount() != 0 {
		t.Fatalf("no pages may be created when a schema is unavailable")
	}
}

func TestInitialSyncPaginatesWithDelay(t *testing.T) {
	api, clock := newFixture(t)
	svc := newTestService(t, api, clock, nil)
	seedBasePages(api, clock, 5, "Acme")
	sleeps := &sleepRecorder{}
	driver := newInitialSyncDriver(svc.core, InitialSyncOptions{
		PageSize:      2,
		PageDelay:     350 * time.Millisecond,
		ProgressEvery: 2,
		Sleep:         sleeps.Sleep,
	})

	var snapshots []InitialSyncProgress
	driver.onProgress = func(_ Connection, p InitialSyncProgress) { snapshots = append(snapshots, p) }

	result, err := driver.PerformInitialSync(context.Background(), testConnection())
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if result.Created != 5 {
		t.Fatalf("expected 5 created, got %+v", result)
	}
	delays := sleeps.Delays()
	if len(delays) != 2 || delays[0] != 350*time.Millisecond || delays[1] != 350*time.Millisecond {
		t.Fatalf("expected two 350ms pauses between three query pages, got %v", delays)
	}
	// start, total known, after pages 2 and 4, completion
	if len(snapshots) != 5 {
		t.Fatalf("expected 5 progress snapshots, got %d: %+v", len(snapshots), snapshots)
	}
	if snapshots[0].Status != ProgressInProgress || snapshots[len(snapshots)-1].Status != ProgressCompleted {
		t.Fatalf("unexpected progress transitions %+v", snapshots)
	}
}

func TestInitialSyncRequiresConnection(t *testing.T) {
	api, clock := newFixture(t)
	svc := newTestService(t, api, clock, nil)
	conn := testConnection()
	conn.MirrorCredential = notion.Credential{}
	conn.ConnectURL = "https://example.com/connect"
	svc.SetConnections(context.Background(), []Connection{conn})

	if _, err := svc.RunInitialSync(context.Background(), "acme"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}
