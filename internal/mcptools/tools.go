// Package mcptools exposes operator actions on the mirror as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentworkforce/notionmirror/internal/mirror"
)

// Version is set at build time via ldflags.
var Version = "dev"

// MirrorService is the part of mirror.Service the tools drive.
type MirrorService interface {
	Connections() []mirror.Connection
	Connection(id string) (mirror.Connection, error)
	Progress(ctx context.Context, connectionID string) (*mirror.InitialSyncProgress, error)
	InitialSyncRunning(connectionID string) bool
	StartInitialSync(connectionID string) error
	LookupMapping(ctx context.Context, connectionID, pageID string) (*mirror.SyncMapping, error)
	SyncPageNow(ctx context.Context, connectionID, pageID string) (mirror.Result, error)
	QueueDepth() int
}

// NewServer registers every tool on a fresh MCP server.
func NewServer(svc MirrorService) *server.MCPServer {
	s := server.NewMCPServer(
		"notion-mirror",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	status := NewStatusTool(svc)
	s.AddTool(status.Definition(), status.Handle)
	lookup := NewLookupTool(svc)
	s.AddTool(lookup.Definition(), lookup.Handle)
	syncPage := NewSyncPageTool(svc)
	s.AddTool(syncPage.Definition(), syncPage.Handle)
	initial := NewInitialSyncTool(svc)
	s.AddTool(initial.Definition(), initial.Handle)
	return s
}

// StatusTool handles mirror_status.
type StatusTool struct {
	svc MirrorService
}

func NewStatusTool(svc MirrorService) *StatusTool {
	return &StatusTool{svc: svc}
}

func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("mirror_status",
		mcp.WithDescription(
			"Show configured mirror connections with their connection state and "+
				"initial sync progress. Pass `connection_id` to show a single connection.",
		),
		mcp.WithString("connection_id",
			mcp.Description("Connection to inspect. If omitted, all connections are listed."),
		),
	)
}

func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectionID := strings.TrimSpace(req.GetString("connection_id", ""))
	conns := t.svc.Connections()
	if connectionID != "" {
		conn, err := t.svc.Connection(connectionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Connection %q not found.", connectionID)), nil
		}
		conns = []mirror.Connection{conn}
	}
	if len(conns) == 0 {
		return mcp.NewToolResultText("No connections are configured."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Mirror Status\n\nQueued page syncs: %d\n\n", t.svc.QueueDepth())
	b.WriteString("| Connection | Base | Mirror | State | Initial sync |\n")
	b.WriteString("|------------|------|--------|-------|--------------|\n")
	for _, conn := range conns {
		state := "connected"
		initial := "-"
		mirrorDB := conn.MirrorDatabaseID
		if !conn.Connected() {
			state = "awaiting connection"
			if conn.ConnectURL != "" {
				state += " (" + conn.ConnectURL + ")"
			}
			if mirrorDB == "" {
				mirrorDB = "-"
			}
		} else {
			progress, err := t.svc.Progress(ctx, conn.ID)
			switch {
			case err != nil:
				initial = "error: " + err.Error()
			case progress != nil:
				initial = describeProgress(*progress)
			}
			if t.svc.InitialSyncRunning(conn.ID) {
				initial += " (running)"
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", conn.ID, conn.BaseDatabaseID, mirrorDB, state, initial)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func describeProgress(p mirror.InitialSyncProgress) string {
	out := fmt.Sprintf("%s %d/%d", p.Status, p.SyncedPages, p.TotalPages)
	if p.FailedPages > 0 {
		out += fmt.Sprintf(", %d failed", p.FailedPages)
	}
	if p.LastError != "" {
		out += ", last error: " + p.LastError
	}
	return out
}

// LookupTool handles mirror_lookup.
type LookupTool struct {
	svc MirrorService
}

func NewLookupTool(svc MirrorService) *LookupTool {
	return &LookupTool{svc: svc}
}

func (t *LookupTool) Definition() mcp.Tool {
	return mcp.NewTool("mirror_lookup",
		mcp.WithDescription("Find the mirrored counterpart of a page. Accepts either the base or the mirror page id."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Connection the page belongs to.")),
		mcp.WithString("page_id", mcp.Required(), mcp.Description("Base or mirror page id.")),
	)
}

func (t *LookupTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectionID, pageID, errResult := requireConnectionAndPage(req)
	if errResult != nil {
		return errResult, nil
	}
	mapping, err := t.svc.LookupMapping(ctx, connectionID, pageID)
	if err != nil {
		return serviceError(err), nil
	}
	if mapping == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Page %s is not mirrored on connection %s.", pageID, connectionID)), nil
	}
	return jsonResult(mapping)
}

// SyncPageTool handles mirror_sync_page.
type SyncPageTool struct {
	svc MirrorService
}

func NewSyncPageTool(svc MirrorService) *SyncPageTool {
	return &SyncPageTool{svc: svc}
}

func (t *SyncPageTool) Definition() mcp.Tool {
	return mcp.NewTool("mirror_sync_page",
		mcp.WithDescription(
			"Sync one page now, outside the polling schedule. The page may live on either side; "+
				"untracked base pages that pass the connection filter are mirrored.",
		),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Connection the page belongs to.")),
		mcp.WithString("page_id", mcp.Required(), mcp.Description("Base or mirror page id.")),
	)
}

func (t *SyncPageTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectionID, pageID, errResult := requireConnectionAndPage(req)
	if errResult != nil {
		return errResult, nil
	}
	res, err := t.svc.SyncPageNow(ctx, connectionID, pageID)
	if err != nil {
		return serviceError(err), nil
	}
	if res.Status == mirror.StatusFailed {
		return mcp.NewToolResultError(fmt.Sprintf("Sync of %s failed: %s", pageID, res.Error)), nil
	}
	return jsonResult(res)
}

// InitialSyncTool handles mirror_initial_sync.
type InitialSyncTool struct {
	svc MirrorService
}

func NewInitialSyncTool(svc MirrorService) *InitialSyncTool {
	return &InitialSyncTool{svc: svc}
}

func (t *InitialSyncTool) Definition() mcp.Tool {
	return mcp.NewTool("mirror_initial_sync",
		mcp.WithDescription(
			"Start an initial sync that mirrors every eligible base page not yet mirrored. "+
				"Runs in the background; follow it with `mirror_status`.",
		),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Connection to sync.")),
	)
}

func (t *InitialSyncTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectionID := strings.TrimSpace(req.GetString("connection_id", ""))
	if connectionID == "" {
		return mcp.NewToolResultError("connection_id is required."), nil
	}
	if err := t.svc.StartInitialSync(connectionID); err != nil {
		return serviceError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Initial sync started for %s.", connectionID)), nil
}

func requireConnectionAndPage(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	connectionID := strings.TrimSpace(req.GetString("connection_id", ""))
	pageID := strings.TrimSpace(req.GetString("page_id", ""))
	if connectionID == "" || pageID == "" {
		return "", "", mcp.NewToolResultError("connection_id and page_id are required.")
	}
	return connectionID, pageID, nil
}

func serviceError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, mirror.ErrNotConnected):
		return mcp.NewToolResultError("Connection is awaiting its mirror database; connect it first.")
	case errors.Is(err, mirror.ErrUnknownConnection):
		return mcp.NewToolResultError("Unknown connection: " + err.Error())
	case errors.Is(err, mirror.ErrInitialSyncRunning):
		return mcp.NewToolResultError("An initial sync is already running for this connection.")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
