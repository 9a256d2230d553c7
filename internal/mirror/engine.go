package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

type EventType string

const (
	EventPageCreated EventType = "page.created"
	EventPageUpdated EventType = "page.properties_updated"
	EventPoll        EventType = "poll"
)

// ParseEventType accepts the webhook spellings of the supported event types.
func ParseEventType(raw string) (EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "page.created":
		return EventPageCreated, true
	case "page.properties_updated", "page.properties.updated":
		return EventPageUpdated, true
	case "poll":
		return EventPoll, true
	default:
		return "", false
	}
}

// Event is one change notification for a page. Page may carry the already
// fetched source page; ParentDatabaseID may be empty when the sender does not
// know it.
type Event struct {
	PageID           string       `json:"pageId"`
	ParentDatabaseID string       `json:"parentDatabaseId,omitempty"`
	Type             EventType    `json:"eventType"`
	Timestamp        time.Time    `json:"timestamp"`
	Page             *notion.Page `json:"-"`
}

type Status string

const (
	StatusCreated                Status = "created"
	StatusUpdated                Status = "updated"
	StatusAwaitingConnection     Status = "awaiting_connection"
	StatusSkippedUnknownDatabase Status = "skipped_unknown_database"
	StatusSkippedLoopPrevention  Status = "skipped_loop_prevention"
	StatusSkippedDuplicateEvent  Status = "skipped_duplicate_event"
	StatusSkippedMirrorNewer     Status = "skipped_mirror_newer"
	StatusSkippedBaseNewer       Status = "skipped_base_newer"
	StatusSkippedNotTracked      Status = "skipped_not_tracked"
	StatusSkippedFiltered        Status = "skipped_filtered"
	StatusSkippedUnchanged       Status = "skipped_unchanged"
	StatusNoMappingFound         Status = "no_mapping_found"
	StatusFailed                 Status = "failed"
)

// Skipped reports deliberate no-ops that are not errors.
func (s Status) Skipped() bool {
	return strings.HasPrefix(string(s), "skipped_")
}

// Result is the outcome of one incremental sync. Err is set only for StatusFailed.
type Result struct {
	ConnectionID string    `json:"connectionId"`
	PageID       string    `json:"pageId"`
	Status       Status    `json:"status"`
	Direction    Direction `json:"direction,omitempty"`
	BasePageID   string    `json:"basePageId,omitempty"`
	MirrorPageID string    `json:"mirrorPageId,omitempty"`
	SyncVersion  int64     `json:"syncVersion,omitempty"`
	Message      string    `json:"message,omitempty"`
	ConnectURL   string    `json:"connectUrl,omitempty"`
	Error        string    `json:"error,omitempty"`
	Err          error     `json:"-"`
}

// Engine applies a single page change to the opposite side of a connection.
type Engine struct {
	core *syncCore
}

// HandleEvent never returns an error; failures are reported as StatusFailed
// without touching stored state so the event can be retried.
func (e *Engine) HandleEvent(ctx context.Context, conn Connection, ev Event) Result {
	res := Result{ConnectionID: conn.ID, PageID: ev.PageID}
	if !conn.Connected() {
		res.Status = StatusAwaitingConnection
		res.ConnectURL = conn.ConnectURL
		res.Message = "mirror database is not connected yet"
		return res
	}
	if strings.TrimSpace(ev.PageID) == "" {
		return e.failed(res, ErrInvalidInput)
	}
	core := e.core

	direction, ok, err := e.identifySource(ctx, conn, ev)
	if err != nil {
		return e.failed(res, err)
	}
	if !ok {
		res.Status = StatusSkippedUnknownDatabase
		res.Message = "event is not from either database of this connection"
		return res
	}
	res.Direction = direction

	locked, err := core.repo.Locked(ctx, conn, ev.PageID)
	if err != nil {
		return e.failed(res, err)
	}
	if locked {
		res.Status = StatusSkippedLoopPrevention
		return res
	}

	idempotent := ev.Type != EventPoll && !ev.Timestamp.IsZero()
	if idempotent {
		seen, err := core.repo.EventSeen(ctx, conn, ev.PageID, ev.Timestamp)
		if err != nil {
			return e.failed(res, err)
		}
		if seen {
			res.Status = StatusSkippedDuplicateEvent
			return res
		}
	}

	res = e.sync(ctx, conn, ev, direction, res)
	if idempotent && res.Status != StatusFailed {
		if err := core.repo.MarkEvent(ctx, conn, ev.PageID, ev.Timestamp); err != nil {
			core.logger.Printf("mirror: mark event page=%s: %v", ev.PageID, err)
		}
	}
	return res
}

func (e *Engine) sync(ctx context.Context, conn Connection, ev Event, direction Direction, res Result) Result {
	core := e.core
	mapping, err := core.repo.Mapping(ctx, conn, ev.PageID)
	if err != nil {
		return e.failed(res, err)
	}
	if mapping == nil {
		return e.syncUntracked(ctx, conn, ev, direction, res)
	}
	res.BasePageID, res.MirrorPageID = mapping.BasePageID, mapping.MirrorPageID
	res.SyncVersion = mapping.SyncVersion

	_, srcCred, _, dstCred := conn.endpoints(direction)
	sourceID, destID := mapping.BasePageID, mapping.MirrorPageID
	if direction == MirrorToBase {
		sourceID, destID = destID, sourceID
	}
	source, err := e.sourcePage(ctx, srcCred, sourceID, ev)
	if err != nil {
		return e.failed(res, err)
	}
	opposite, err := core.api.GetPage(ctx, dstCred, destID)
	if err != nil {
		return e.failed(res, fmt.Errorf("fetch opposite page %s: %w", destID, err))
	}
	if opposite.LastEditedTime.After(source.LastEditedTime) {
		if direction == BaseToMirror {
			res.Status = StatusSkippedMirrorNewer
		} else {
			res.Status = StatusSkippedBaseNewer
		}
		res.Message = fmt.Sprintf("opposite page edited at %s, source at %s",
			opposite.LastEditedTime.UTC().Format(time.RFC3339), source.LastEditedTime.UTC().Format(time.RFC3339))
		return res
	}

	pair, err := core.resolvePair(ctx, conn)
	if err != nil {
		return e.failed(res, err)
	}
	props := core.translator.MapProperties(ctx, source.Properties, pair.mappings, direction)
	if unchanged(props, opposite.Properties) {
		res.Status = StatusSkippedUnchanged
		return res
	}
	if _, err := core.api.UpdatePage(ctx, dstCred, destID, notion.UpdatePageRequest{Properties: props}); err != nil {
		return e.failed(res, fmt.Errorf("update page %s: %w", destID, err))
	}

	updated := *mapping
	updated.LastSyncedAt = core.now().UTC()
	updated.LastSyncDirection = direction
	updated.SyncVersion++
	core.touchLocks(ctx, conn, sourceID, destID)
	res.Status = StatusUpdated
	if err := core.repo.SaveMapping(ctx, conn, updated); err != nil {
		// The page write stands; the stored version lags until the next sync.
		core.logger.Printf("mirror: ERROR record mapping base=%s mirror=%s version=%d: %v",
			updated.BasePageID, updated.MirrorPageID, updated.SyncVersion, err)
		res.Message = fmt.Sprintf("page updated but sync state not recorded: %v", err)
		return res
	}
	res.SyncVersion = updated.SyncVersion
	return res
}

// syncUntracked handles a page with no mapping. Base pages are created in the
// mirror on creation and poll events; mirror-originated pages are never
// copied back to the base.
func (e *Engine) syncUntracked(ctx context.Context, conn Connection, ev Event, direction Direction, res Result) Result {
	if ev.Type == EventPageUpdated {
		res.Status = StatusNoMappingFound
		res.Message = "page has no mirror counterpart"
		return res
	}
	if direction == MirrorToBase {
		res.Status = StatusSkippedNotTracked
		res.Message = "pages created in the mirror are not copied to the base"
		return res
	}
	core := e.core
	page, err := e.sourcePage(ctx, conn.BaseCredential, ev.PageID, ev)
	if err != nil {
		return e.failed(res, err)
	}
	if page.Archived || page.InTrash || !conn.Matches(page) {
		res.Status = StatusSkippedFiltered
		return res
	}
	pair, err := core.resolvePair(ctx, conn)
	if err != nil {
		return e.failed(res, err)
	}
	mapping, err := core.createMirrorPage(ctx, conn, pair, page)
	if err != nil {
		return e.failed(res, err)
	}
	res.Status = StatusCreated
	res.BasePageID, res.MirrorPageID = mapping.BasePageID, mapping.MirrorPageID
	res.SyncVersion = mapping.SyncVersion
	return res
}

// identifySource decides which side an event came from, by parent database
// when known, else by stored mapping, else by asking each side for the page.
func (e *Engine) identifySource(ctx context.Context, conn Connection, ev Event) (Direction, bool, error) {
	parent := ev.ParentDatabaseID
	if parent == "" && ev.Page != nil {
		parent = ev.Page.Parent.DatabaseID
	}
	if parent != "" {
		direction, ok := conn.Side(parent)
		return direction, ok, nil
	}
	mapping, err := e.core.repo.Mapping(ctx, conn, ev.PageID)
	if err != nil {
		return "", false, err
	}
	if mapping != nil {
		if notion.SameID(mapping.MirrorPageID, ev.PageID) {
			return MirrorToBase, true, nil
		}
		return BaseToMirror, true, nil
	}
	for _, cred := range []notion.Credential{conn.BaseCredential, conn.MirrorCredential} {
		page, err := e.core.api.GetPage(ctx, cred, ev.PageID)
		if err != nil {
			continue
		}
		if direction, ok := conn.Side(page.Parent.DatabaseID); ok {
			return direction, true, nil
		}
	}
	return "", false, nil
}

func (e *Engine) sourcePage(ctx context.Context, cred notion.Credential, pageID string, ev Event) (notion.Page, error) {
	if ev.Page != nil && notion.SameID(ev.Page.ID, pageID) {
		return *ev.Page, nil
	}
	page, err := e.core.api.GetPage(ctx, cred, pageID)
	if err != nil {
		return notion.Page{}, fmt.Errorf("fetch source page %s: %w", pageID, err)
	}
	return page, nil
}

func (e *Engine) failed(res Result, err error) Result {
	if err == nil {
		err = errors.New("unknown failure")
	}
	res.Status = StatusFailed
	res.Err = err
	res.Error = err.Error()
	return res
}
