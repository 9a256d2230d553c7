package mirror

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

const DefaultSchemaTTL = 24 * time.Hour

// DatabaseSchema is a cached snapshot of one database's property definitions.
type DatabaseSchema struct {
	DatabaseID        string                           `json:"databaseId"`
	Properties        map[string]notion.PropertySchema `json:"properties"`
	PropertyOrder     []string                         `json:"propertyOrder"`
	TitlePropertyName string                           `json:"titlePropertyName"`
	CachedAt          time.Time                        `json:"cachedAt"`
}

// Lookup finds a property by exact name, then case-insensitively.
func (s *DatabaseSchema) Lookup(name string) (notion.PropertySchema, bool) {
	if s == nil {
		return notion.PropertySchema{}, false
	}
	if prop, ok := s.Properties[name]; ok {
		return prop, true
	}
	folded := foldName(name)
	for _, key := range s.PropertyOrder {
		if foldName(key) == folded {
			return s.Properties[key], true
		}
	}
	return notion.PropertySchema{}, false
}

// newDatabaseSchema orders properties title first, then by name, so mapping
// derivation is deterministic.
func newDatabaseSchema(db notion.Database, databaseID string, now time.Time) *DatabaseSchema {
	schema := &DatabaseSchema{
		DatabaseID: databaseID,
		Properties: make(map[string]notion.PropertySchema, len(db.Properties)),
		CachedAt:   now,
	}
	for key, prop := range db.Properties {
		if strings.TrimSpace(prop.Name) == "" {
			prop.Name = key
		}
		schema.Properties[key] = prop
		schema.PropertyOrder = append(schema.PropertyOrder, key)
		if prop.Type == notion.TypeTitle {
			schema.TitlePropertyName = key
		}
	}
	sort.Slice(schema.PropertyOrder, func(i, j int) bool {
		a, b := schema.PropertyOrder[i], schema.PropertyOrder[j]
		if (a == schema.TitlePropertyName) != (b == schema.TitlePropertyName) {
			return a == schema.TitlePropertyName
		}
		return a < b
	})
	return schema
}

// SchemaResolver caches database schemas in the repository with a fixed TTL.
type SchemaResolver struct {
	api    NotionAPI
	repo   *Repository
	ttl    time.Duration
	now    func() time.Time
	logger Logger
}

func NewSchemaResolver(api NotionAPI, repo *Repository, ttl time.Duration, logger Logger) *SchemaResolver {
	if ttl <= 0 {
		ttl = DefaultSchemaTTL
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &SchemaResolver{api: api, repo: repo, ttl: ttl, now: time.Now, logger: logger}
}

// GetOrFetchSchema returns the cached schema while it is younger than the TTL,
// otherwise fetches it once. Any failure yields nil.
func (r *SchemaResolver) GetOrFetchSchema(ctx context.Context, cred notion.Credential, databaseID string) *DatabaseSchema {
	now := r.now()
	cached, err := r.repo.Schema(ctx, databaseID)
	if err != nil {
		r.logger.Printf("mirror: schema cache read db=%s: %v", databaseID, err)
	}
	if cached != nil && now.Sub(cached.CachedAt) < r.ttl {
		return cached
	}
	db, err := r.api.GetDatabase(ctx, cred, databaseID)
	if err != nil {
		r.logger.Printf("mirror: fetch schema db=%s cred=%s: %v", databaseID, cred, err)
		return nil
	}
	schema := newDatabaseSchema(db, databaseID, now)
	if err := r.repo.SaveSchema(ctx, schema, r.ttl); err != nil {
		r.logger.Printf("mirror: schema cache write db=%s: %v", databaseID, err)
	}
	return schema
}

// foldName builds a fresh Caser each call; Casers are not safe for concurrent use.
func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
