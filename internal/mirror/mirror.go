// Package mirror keeps the pages of two independently owned Notion databases
// in sync: a one-time bulk copy from the base database into the mirror, then
// per-page incremental syncs in both directions resolved by last-write-wins.
package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

var (
	ErrInvalidInput       = errors.New("mirror: invalid input")
	ErrNotConnected       = errors.New("mirror: connection is awaiting its counterpart")
	ErrUnknownConnection  = errors.New("mirror: unknown connection")
	ErrSchemaUnavailable  = errors.New("mirror: database schema unavailable")
	ErrInitialSyncRunning = errors.New("mirror: initial sync already running")
	ErrQueueFull          = errors.New("mirror: sync queue is full")
	ErrCorruptState       = errors.New("mirror: corrupt stored state")
)

// NotionAPI is the subset of the Notion REST API the mirror needs. Every call
// carries the credential of the side it touches.
type NotionAPI interface {
	GetDatabase(ctx context.Context, cred notion.Credential, databaseID string) (notion.Database, error)
	QueryDatabase(ctx context.Context, cred notion.Credential, databaseID string, req notion.QueryRequest) (notion.QueryResponse, error)
	GetPage(ctx context.Context, cred notion.Credential, pageID string) (notion.Page, error)
	CreatePage(ctx context.Context, cred notion.Credential, req notion.CreatePageRequest) (notion.Page, error)
	UpdatePage(ctx context.Context, cred notion.Credential, pageID string, req notion.UpdatePageRequest) (notion.Page, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Direction names which side acted as the source of a sync.
type Direction string

const (
	BaseToMirror Direction = "base_to_mirror"
	MirrorToBase Direction = "mirror_to_base"
)

func (d Direction) Reverse() Direction {
	if d == BaseToMirror {
		return MirrorToBase
	}
	return BaseToMirror
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
