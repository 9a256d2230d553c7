package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

// pairState is what a sync needs to know about both databases of a connection.
type pairState struct {
	base     *DatabaseSchema
	mirror   *DatabaseSchema
	mappings []PropertyMapping
}

// syncCore holds what the initial sync driver and the incremental engine share.
type syncCore struct {
	api        NotionAPI
	repo       *Repository
	schemas    *SchemaResolver
	translator *Translator
	now        func() time.Time
	logger     Logger
}

func (c *syncCore) resolvePair(ctx context.Context, conn Connection) (*pairState, error) {
	base := c.schemas.GetOrFetchSchema(ctx, conn.BaseCredential, conn.BaseDatabaseID)
	if base == nil {
		return nil, fmt.Errorf("%w: base database %s", ErrSchemaUnavailable, conn.BaseDatabaseID)
	}
	mirror := c.schemas.GetOrFetchSchema(ctx, conn.MirrorCredential, conn.MirrorDatabaseID)
	if mirror == nil {
		return nil, fmt.Errorf("%w: mirror database %s", ErrSchemaUnavailable, conn.MirrorDatabaseID)
	}
	return &pairState{base: base, mirror: mirror, mappings: c.propertyMappings(ctx, conn, base, mirror)}, nil
}

// propertyMappings reuses the cached derivation while both schema snapshots are unchanged.
func (c *syncCore) propertyMappings(ctx context.Context, conn Connection, base, mirror *DatabaseSchema) []PropertyMapping {
	cached, err := c.repo.PropertyMappings(ctx, conn)
	if err != nil {
		c.logger.Printf("mirror: property mapping cache read conn=%s: %v", conn.ID, err)
	}
	if cached != nil && cached.BaseSchemaAt.Equal(base.CachedAt) && cached.MirrorSchemaAt.Equal(mirror.CachedAt) {
		return cached.Mappings
	}
	mappings := DerivePropertyMappings(base, mirror)
	set := PropertyMappingSet{Mappings: mappings, BaseSchemaAt: base.CachedAt, MirrorSchemaAt: mirror.CachedAt}
	if err := c.repo.SavePropertyMappings(ctx, conn, set); err != nil {
		c.logger.Printf("mirror: property mapping cache write conn=%s: %v", conn.ID, err)
	}
	return mappings
}

// createMirrorPage copies one base page into the mirror database and records the pair.
func (c *syncCore) createMirrorPage(ctx context.Context, conn Connection, pair *pairState, page notion.Page) (SyncMapping, error) {
	props := c.translator.MapProperties(ctx, page.Properties, pair.mappings, BaseToMirror)
	created, err := c.api.CreatePage(ctx, conn.MirrorCredential, notion.CreatePageRequest{
		Parent:     notion.Parent{Type: "database_id", DatabaseID: conn.MirrorDatabaseID},
		Properties: props,
	})
	if err != nil {
		return SyncMapping{}, fmt.Errorf("create mirror page for %s: %w", page.ID, err)
	}
	mapping := SyncMapping{
		BasePageID:        page.ID,
		MirrorPageID:      created.ID,
		LastSyncedAt:      c.now().UTC(),
		LastSyncDirection: BaseToMirror,
		SyncVersion:       1,
	}
	if err := c.repo.SaveMapping(ctx, conn, mapping); err != nil {
		return SyncMapping{}, fmt.Errorf("store mapping %s -> %s: %w", page.ID, created.ID, err)
	}
	c.touchLocks(ctx, conn, page.ID, created.ID)
	c.writeBackReference(ctx, conn, pair, page.ID, created.ID)
	return mapping, nil
}

// writeBackReference records the mirror page id on the base page when the
// base database carries the reserved property.
func (c *syncCore) writeBackReference(ctx context.Context, conn Connection, pair *pairState, basePageID, mirrorPageID string) {
	prop, ok := pair.base.Lookup(ReservedPropertyName)
	if !ok {
		return
	}
	value := notion.PropertyValue{Type: prop.Type}
	switch prop.Type {
	case notion.TypeRichText:
		value.RichText = []notion.RichText{notion.TextRun(mirrorPageID)}
	case notion.TypeURL:
		value.URL = &mirrorPageID
	default:
		return
	}
	_, err := c.api.UpdatePage(ctx, conn.BaseCredential, basePageID, notion.UpdatePageRequest{
		Properties: map[string]notion.PropertyValue{prop.Name: value},
	})
	if err != nil {
		c.logger.Printf("mirror: back-reference base=%s mirror=%s: %v", basePageID, mirrorPageID, err)
	}
}

func (c *syncCore) touchLocks(ctx context.Context, conn Connection, pageIDs ...string) {
	for _, id := range pageIDs {
		if err := c.repo.TouchLock(ctx, conn, id); err != nil {
			c.logger.Printf("mirror: refresh lock page=%s: %v", id, err)
		}
	}
}
