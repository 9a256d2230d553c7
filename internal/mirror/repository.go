package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/notionmirror/internal/kvstore"
	"github.com/agentworkforce/notionmirror/internal/notion"
)

const (
	DefaultLockWindow = 5 * time.Second
	defaultEventTTL   = 5 * time.Second
)

// SyncMapping is the durable correspondence between a base page and its mirror.
type SyncMapping struct {
	BasePageID        string    `json:"basePageId"`
	MirrorPageID      string    `json:"mirrorPageId"`
	LastSyncedAt      time.Time `json:"lastSyncedAt"`
	LastSyncDirection Direction `json:"lastSyncDirection"`
	SyncVersion       int64     `json:"syncVersion"`
}

type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "pending"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

type InitialSyncProgress struct {
	Status      ProgressStatus `json:"status"`
	TotalPages  int            `json:"totalPages"`
	SyncedPages int            `json:"syncedPages"`
	FailedPages int            `json:"failedPages"`
	StartedAt   time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
}

// PropertyMappingSet caches the mappings derived from two schema snapshots.
type PropertyMappingSet struct {
	Mappings       []PropertyMapping `json:"mappings"`
	BaseSchemaAt   time.Time         `json:"baseSchemaAt"`
	MirrorSchemaAt time.Time         `json:"mirrorSchemaAt"`
}

// pollWatermark remembers where the last poll of one side stopped. PageIDs
// lists pages already handled at exactly EditedAt.
type pollWatermark struct {
	EditedAt time.Time `json:"editedAt"`
	PageIDs  []string  `json:"pageIds,omitempty"`
}

// Repository is the typed view over the key-value backend.
//
// Every accessor touches independent keys and nothing here is transactional:
// a mapping write and the lock refresh that follows it are separate writes, as
// are the canonical mapping record and its mirror-side index. A crash between
// them leaves either a mapping without a fresh lock (one extra sync, skipped
// as unchanged or by timestamp) or a lock without its mapping (the next
// attempt sees no mapping and retries the create path, guarded by the
// mapping-exists check in initial sync). Callers must tolerate both.
type Repository struct {
	backend    kvstore.Backend
	lockWindow time.Duration
	eventTTL   time.Duration
	now        func() time.Time
}

func NewRepository(backend kvstore.Backend) *Repository {
	return &Repository{
		backend:    backend,
		lockWindow: DefaultLockWindow,
		eventTTL:   defaultEventTTL,
		now:        time.Now,
	}
}

func schemaKey(databaseID string) string {
	return "schema:" + notion.NormalizeID(databaseID)
}

func propertyMapKey(conn Connection) string {
	return "propmap:" + conn.Key()
}

func mappingKey(conn Connection, basePageID string) string {
	return "mapping:" + conn.Key() + ":" + notion.NormalizeID(basePageID)
}

func mappingIndexKey(conn Connection, mirrorPageID string) string {
	return "mapping-index:" + conn.Key() + ":" + notion.NormalizeID(mirrorPageID)
}

func lockKey(conn Connection, pageID string) string {
	return "lock:" + conn.Key() + ":" + notion.NormalizeID(pageID)
}

func eventKey(conn Connection, pageID string, at time.Time) string {
	return "event:" + conn.Key() + ":" + notion.NormalizeID(pageID) + ":" + at.UTC().Format(time.RFC3339Nano)
}

func progressKey(conn Connection) string {
	return "progress:" + conn.Key()
}

func watermarkKey(conn Connection, side Direction) string {
	return "poll:" + conn.Key() + ":" + string(side)
}

func (r *Repository) Schema(ctx context.Context, databaseID string) (*DatabaseSchema, error) {
	var out DatabaseSchema
	ok, err := r.getJSON(ctx, schemaKey(databaseID), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (r *Repository) SaveSchema(ctx context.Context, schema *DatabaseSchema, ttl time.Duration) error {
	if schema == nil {
		return ErrInvalidInput
	}
	return r.setJSON(ctx, schemaKey(schema.DatabaseID), schema, ttl)
}

func (r *Repository) PropertyMappings(ctx context.Context, conn Connection) (*PropertyMappingSet, error) {
	var out PropertyMappingSet
	ok, err := r.getJSON(ctx, propertyMapKey(conn), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (r *Repository) SavePropertyMappings(ctx context.Context, conn Connection, set PropertyMappingSet) error {
	return r.setJSON(ctx, propertyMapKey(conn), set, 0)
}

// Mapping resolves a pair by either page id. It returns nil when the page is untracked.
func (r *Repository) Mapping(ctx context.Context, conn Connection, pageID string) (*SyncMapping, error) {
	var out SyncMapping
	ok, err := r.getJSON(ctx, mappingKey(conn, pageID), &out)
	if err != nil {
		return nil, err
	}
	if ok {
		return &out, nil
	}
	raw, ok, err := r.backend.Get(ctx, mappingIndexKey(conn, pageID))
	if err != nil || !ok {
		return nil, err
	}
	ok, err = r.getJSON(ctx, mappingKey(conn, string(raw)), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// SaveMapping writes the canonical record, then the mirror-side index.
func (r *Repository) SaveMapping(ctx context.Context, conn Connection, m SyncMapping) error {
	if m.BasePageID == "" || m.MirrorPageID == "" {
		return ErrInvalidInput
	}
	if err := r.setJSON(ctx, mappingKey(conn, m.BasePageID), m, 0); err != nil {
		return err
	}
	return r.backend.Set(ctx, mappingIndexKey(conn, m.MirrorPageID), []byte(notion.NormalizeID(m.BasePageID)), 0)
}

// TouchLock records that the connection just wrote a page.
func (r *Repository) TouchLock(ctx context.Context, conn Connection, pageID string) error {
	at := r.now().UTC().Format(time.RFC3339Nano)
	return r.backend.Set(ctx, lockKey(conn, pageID), []byte(at), r.lockWindow)
}

// Locked reports whether the page was written by the mirror within the lock window.
func (r *Repository) Locked(ctx context.Context, conn Connection, pageID string) (bool, error) {
	raw, ok, err := r.backend.Get(ctx, lockKey(conn, pageID))
	if err != nil || !ok {
		return false, err
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return false, fmt.Errorf("%w: lock %s: %v", ErrCorruptState, pageID, err)
	}
	return r.now().Sub(at) < r.lockWindow, nil
}

func (r *Repository) EventSeen(ctx context.Context, conn Connection, pageID string, at time.Time) (bool, error) {
	_, ok, err := r.backend.Get(ctx, eventKey(conn, pageID, at))
	return ok, err
}

func (r *Repository) MarkEvent(ctx context.Context, conn Connection, pageID string, at time.Time) error {
	return r.backend.Set(ctx, eventKey(conn, pageID, at), []byte("1"), r.eventTTL)
}

func (r *Repository) Progress(ctx context.Context, conn Connection) (*InitialSyncProgress, error) {
	var out InitialSyncProgress
	ok, err := r.getJSON(ctx, progressKey(conn), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (r *Repository) SaveProgress(ctx context.Context, conn Connection, progress InitialSyncProgress) error {
	return r.setJSON(ctx, progressKey(conn), progress, 0)
}

func (r *Repository) watermark(ctx context.Context, conn Connection, side Direction) (*pollWatermark, error) {
	var out pollWatermark
	ok, err := r.getJSON(ctx, watermarkKey(conn, side), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (r *Repository) saveWatermark(ctx context.Context, conn Connection, side Direction, w pollWatermark) error {
	return r.setJSON(ctx, watermarkKey(conn, side), w, 0)
}

func (r *Repository) getJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := r.backend.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptState, key, err)
	}
	return true, nil
}

func (r *Repository) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.backend.Set(ctx, key, data, ttl)
}
