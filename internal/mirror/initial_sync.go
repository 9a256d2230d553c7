package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

const (
	DefaultPageSize      = 100
	DefaultPageDelay     = 350 * time.Millisecond
	defaultProgressEvery = 10
)

type SyncResult struct {
	Created      int         `json:"created"`
	Updated      int         `json:"updated"`
	Skipped      int         `json:"skipped"`
	Errors       int         `json:"errors"`
	ErrorDetails []PageError `json:"errorDetails"`
}

type PageError struct {
	PageID string `json:"pageId"`
	Error  string `json:"error"`
}

type InitialSyncOptions struct {
	PageSize      int
	PageDelay     time.Duration
	ProgressEvery int
	Sleep         func(ctx context.Context, delay time.Duration) error
	// OnProgress observes every persisted progress snapshot.
	OnProgress func(conn Connection, progress InitialSyncProgress)
}

// InitialSyncDriver copies every eligible base page into the mirror once.
type InitialSyncDriver struct {
	core          *syncCore
	pageSize      int
	pageDelay     time.Duration
	progressEvery int
	sleep         func(ctx context.Context, delay time.Duration) error
	onProgress    func(conn Connection, progress InitialSyncProgress)
}

func newInitialSyncDriver(core *syncCore, opts InitialSyncOptions) *InitialSyncDriver {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	pageDelay := opts.PageDelay
	if pageDelay < 0 {
		pageDelay = 0
	}
	progressEvery := opts.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = defaultProgressEvery
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &InitialSyncDriver{
		core:          core,
		pageSize:      pageSize,
		pageDelay:     pageDelay,
		progressEvery: progressEvery,
		sleep:         sleep,
		onProgress:    opts.OnProgress,
	}
}

// PerformInitialSync walks the whole base database and creates a mirror page
// for every eligible page that has no mapping yet. Individual page failures
// are collected in the result; only an unreachable schema or an unreadable
// base database fails the run.
func (d *InitialSyncDriver) PerformInitialSync(ctx context.Context, conn Connection) (SyncResult, error) {
	result := SyncResult{ErrorDetails: []PageError{}}
	if !conn.Connected() {
		return result, ErrNotConnected
	}
	core := d.core
	progress := InitialSyncProgress{Status: ProgressInProgress, StartedAt: core.now().UTC()}
	d.saveProgress(ctx, conn, progress)

	pair, err := core.resolvePair(ctx, conn)
	if err != nil {
		d.fail(ctx, conn, progress, err)
		return result, err
	}
	if len(pair.mappings) == 0 {
		core.logger.Printf("mirror: initial sync conn=%s has no matching properties", conn.ID)
	}

	pages, err := d.listBasePages(ctx, conn)
	if err != nil {
		d.fail(ctx, conn, progress, err)
		return result, err
	}
	eligible := pages[:0]
	for _, page := range pages {
		if page.Archived || page.InTrash || !conn.Matches(page) {
			continue
		}
		eligible = append(eligible, page)
	}
	progress.TotalPages = len(eligible)
	d.saveProgress(ctx, conn, progress)

	for i, page := range eligible {
		if err := ctx.Err(); err != nil {
			d.fail(ctx, conn, progress, err)
			return result, err
		}
		existing, err := core.repo.Mapping(ctx, conn, page.ID)
		switch {
		case err != nil:
			result.Errors++
			progress.FailedPages++
			result.ErrorDetails = append(result.ErrorDetails, PageError{PageID: page.ID, Error: err.Error()})
		case existing != nil:
			result.Skipped++
			progress.SyncedPages++
		default:
			if _, err := core.createMirrorPage(ctx, conn, pair, page); err != nil {
				core.logger.Printf("mirror: initial sync conn=%s page=%s failed: %v", conn.ID, page.ID, err)
				result.Errors++
				progress.FailedPages++
				result.ErrorDetails = append(result.ErrorDetails, PageError{PageID: page.ID, Error: err.Error()})
			} else {
				result.Created++
				progress.SyncedPages++
			}
		}
		if (i+1)%d.progressEvery == 0 {
			d.saveProgress(ctx, conn, progress)
		}
	}

	if err := ctx.Err(); err != nil {
		d.fail(ctx, conn, progress, err)
		return result, err
	}

	completedAt := core.now().UTC()
	progress.Status = ProgressCompleted
	progress.CompletedAt = &completedAt
	if result.Errors > 0 {
		progress.LastError = result.ErrorDetails[len(result.ErrorDetails)-1].Error
	}
	d.saveProgress(ctx, conn, progress)
	core.logger.Printf("mirror: initial sync conn=%s total=%d created=%d skipped=%d errors=%d",
		conn.ID, progress.TotalPages, result.Created, result.Skipped, result.Errors)
	return result, nil
}

func (d *InitialSyncDriver) listBasePages(ctx context.Context, conn Connection) ([]notion.Page, error) {
	var (
		pages  []notion.Page
		cursor string
	)
	for {
		resp, err := d.core.api.QueryDatabase(ctx, conn.BaseCredential, conn.BaseDatabaseID, notion.QueryRequest{
			StartCursor: cursor,
			PageSize:    d.pageSize,
		})
		if err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return pages, nil
		}
		cursor = *resp.NextCursor
		if err := d.sleep(ctx, d.pageDelay); err != nil {
			return nil, err
		}
	}
}

func (d *InitialSyncDriver) fail(ctx context.Context, conn Connection, progress InitialSyncProgress, cause error) {
	completedAt := d.core.now().UTC()
	progress.Status = ProgressFailed
	progress.CompletedAt = &completedAt
	progress.LastError = cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		ctx = context.WithoutCancel(ctx)
	}
	d.saveProgress(ctx, conn, progress)
	d.core.logger.Printf("mirror: initial sync conn=%s failed: %v", conn.ID, cause)
}

func (d *InitialSyncDriver) saveProgress(ctx context.Context, conn Connection, progress InitialSyncProgress) {
	if err := d.core.repo.SaveProgress(ctx, conn, progress); err != nil {
		d.core.logger.Printf("mirror: save progress conn=%s: %v", conn.ID, err)
	}
	if d.onProgress != nil {
		d.onProgress(conn, progress)
	}
}
