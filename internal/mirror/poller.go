package mirror

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollJitter   = 0.1
)

// Poller re-reads both sides of every connected connection on a fixed
// interval and feeds changed pages to the engine. It is the source of truth;
// webhooks only trigger earlier syncs of single pages.
type Poller struct {
	engine      *Engine
	connections func() []Connection
	interval    time.Duration
	jitter      float64
	pageDelay   time.Duration
	sleep       func(ctx context.Context, delay time.Duration) error
	onResult    func(Result)
	// running reports connections whose initial sync is in flight in this
	// process.
	running func(connectionID string) bool
}

// PollOnce runs one poll cycle over every connected connection.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, conn := range p.connections() {
		if ctx.Err() != nil {
			return
		}
		if !conn.Connected() {
			continue
		}
		// The initial sync owns the base side while it runs.
		if p.running != nil && p.running(conn.ID) {
			continue
		}
		for _, side := range []Direction{BaseToMirror, MirrorToBase} {
			if err := p.pollSide(ctx, conn, side); err != nil {
				p.engine.core.logger.Printf("mirror: poll conn=%s side=%s: %v", conn.ID, side, err)
			}
		}
	}
}

// pollSide handles pages edited on or after the side's watermark. The
// watermark only advances past pages that synced without failing.
func (p *Poller) pollSide(ctx context.Context, conn Connection, side Direction) error {
	core := p.engine.core
	databaseID, cred, _, _ := conn.endpoints(side)
	mark, err := core.repo.watermark(ctx, conn, side)
	if err != nil {
		return err
	}
	if mark == nil {
		// First sight of this side: history belongs to the initial sync.
		return core.repo.saveWatermark(ctx, conn, side, pollWatermark{EditedAt: core.now().UTC()})
	}
	handled := map[string]struct{}{}
	for _, id := range mark.PageIDs {
		handled[notion.NormalizeID(id)] = struct{}{}
	}

	var (
		cursor       string
		maxEdited    = mark.EditedAt
		atMax        = map[string]struct{}{}
		earliestFail time.Time
	)
	for id := range handled {
		atMax[id] = struct{}{}
	}
	for {
		resp, err := core.api.QueryDatabase(ctx, cred, databaseID, notion.QueryRequest{
			StartCursor: cursor,
			Filter:      notion.EditedSinceFilter(mark.EditedAt),
		})
		if err != nil {
			return err
		}
		for i := range resp.Results {
			page := resp.Results[i]
			id := notion.NormalizeID(page.ID)
			if page.LastEditedTime.Equal(mark.EditedAt) {
				if _, done := handled[id]; done {
					continue
				}
			}
			res := p.engine.HandleEvent(ctx, conn, Event{
				PageID:           page.ID,
				ParentDatabaseID: databaseID,
				Type:             EventPoll,
				Timestamp:        page.LastEditedTime,
				Page:             &page,
			})
			if p.onResult != nil {
				p.onResult(res)
			}
			edited := page.LastEditedTime.UTC()
			if res.Status == StatusFailed || res.Status == StatusSkippedLoopPrevention {
				if earliestFail.IsZero() || edited.Before(earliestFail) {
					earliestFail = edited
				}
				continue
			}
			switch {
			case edited.After(maxEdited):
				maxEdited = edited
				atMax = map[string]struct{}{id: {}}
			case edited.Equal(maxEdited):
				atMax[id] = struct{}{}
			}
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		cursor = *resp.NextCursor
		if err := p.sleep(ctx, p.pageDelay); err != nil {
			return err
		}
	}

	next := pollWatermark{EditedAt: maxEdited}
	if !earliestFail.IsZero() && earliestFail.Before(maxEdited) {
		// Hold the watermark at the first page that still needs a retry.
		next.EditedAt = earliestFail
		atMax = map[string]struct{}{}
	}
	for id := range atMax {
		next.PageIDs = append(next.PageIDs, id)
	}
	sort.Strings(next.PageIDs)
	return core.repo.saveWatermark(ctx, conn, side, next)
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	p.PollOnce(ctx)
	timer := time.NewTimer(jitteredIntervalWithSample(p.interval, p.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.PollOnce(ctx)
			timer.Reset(jitteredIntervalWithSample(p.interval, p.jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
