package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/notionmirror/internal/config"
	"github.com/agentworkforce/notionmirror/internal/mirror"
)

//go:embed schemas/notion_webhook.schema.json
var notionWebhookSchemaJSON []byte

//go:embed schemas/internal_event.schema.json
var internalEventSchemaJSON []byte

// MirrorService is the part of mirror.Service the HTTP surface drives.
type MirrorService interface {
	Connections() []mirror.Connection
	Connection(id string) (mirror.Connection, error)
	Enqueue(ev mirror.Event) (int, error)
	Progress(ctx context.Context, connectionID string) (*mirror.InitialSyncProgress, error)
	StartInitialSync(connectionID string) error
	InitialSyncRunning(connectionID string) bool
	LookupMapping(ctx context.Context, connectionID, pageID string) (*mirror.SyncMapping, error)
	SyncPageNow(ctx context.Context, connectionID, pageID string) (mirror.Result, error)
	QueueDepth() int
	Hub() *mirror.Hub
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret string
	// WebhookSecret is the verification token of the Notion webhook
	// subscription; event deliveries are signed with it.
	WebhookSecret      string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	StreamBuffer       int
	Logger             Logger
	Now                func() time.Time
}

type Server struct {
	svc         MirrorService
	cfg         ServerConfig
	logger      Logger
	now         func() time.Time
	rateLimiter *rateLimiter

	webhookSchema  *jsonschema.Schema
	internalSchema *jsonschema.Schema

	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc MirrorService, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	var logger Logger = log.Default()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	webhookSchema, err := config.CompileSchema("notion_webhook.schema.json", notionWebhookSchemaJSON)
	if err != nil {
		return nil, err
	}
	internalSchema, err := config.CompileSchema("internal_event.schema.json", internalEventSchemaJSON)
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:                svc,
		cfg:                cfg,
		logger:             logger,
		now:                now,
		rateLimiter:        limiter,
		webhookSchema:      webhookSchema,
		internalSchema:     internalSchema,
		internalReplaySeen: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queueDepth": s.svc.QueueDepth()})
		return
	}
	if r.URL.Path == "/v1/webhooks/notion" && r.Method == http.MethodPost {
		s.handleNotionWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/events" && r.Method == http.MethodPost {
		s.handleInternalEvent(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "connections" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope, route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "list"
	case len(parts) == 4 && parts[3] == "progress" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "progress"
	case len(parts) == 4 && parts[3] == "initial-sync" && r.Method == http.MethodPost:
		requiredScope, route = scopeTrigger, "initial_sync"
	case len(parts) == 4 && parts[3] == "stream" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "stream"
	case len(parts) == 5 && parts[3] == "mappings" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "mapping"
	case len(parts) == 6 && parts[3] == "pages" && parts[5] == "sync" && r.Method == http.MethodPost:
		requiredScope, route = scopeTrigger, "sync_page"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on websocket upgrades.
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	switch route {
	case "list":
		s.handleListConnections(w, r)
	case "progress":
		s.handleProgress(w, r, parts[2], correlationID)
	case "initial_sync":
		s.handleInitialSync(w, r, parts[2], correlationID)
	case "stream":
		s.handleStream(w, r, parts[2], correlationID)
	case "mapping":
		s.handleMapping(w, r, parts[2], parts[4], correlationID)
	case "sync_page":
		s.handleSyncPage(w, r, parts[2], parts[4], correlationID)
	}
}

type notionWebhook struct {
	VerificationToken string `json:"verification_token"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	Timestamp         string `json:"timestamp"`
	Entity            struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Data struct {
		Parent struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"parent"`
	} `json:"data"`
}

func (s *Server) handleNotionWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var payload notionWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if payload.VerificationToken != "" && payload.Type == "" {
		// The subscription handshake; the operator copies the token into
		// NOTION_MIRROR_WEBHOOK_SECRET to activate signature checks.
		s.logger.Printf("httpapi: notion webhook verification token received correlation=%s", correlationID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "verification_received"})
		return
	}
	if authErr := verifyNotionSignature(s.cfg.WebhookSecret, r.Header.Get("X-Notion-Signature"), body); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if err := config.ValidateJSON(s.webhookSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	eventType, supported := mirror.ParseEventType(payload.Type)
	if !supported || eventType == mirror.EventPoll || payload.Entity.Type != "page" {
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": 0, "ignored": true, "type": payload.Type})
		return
	}
	ev := mirror.Event{PageID: payload.Entity.ID, Type: eventType}
	if payload.Data.Parent.Type == "database" || payload.Data.Parent.Type == "database_id" {
		ev.ParentDatabaseID = payload.Data.Parent.ID
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err == nil {
		ev.Timestamp = ts.UTC()
	}
	s.enqueue(w, ev, correlationID)
}

type internalEvent struct {
	PageID           string `json:"pageId"`
	ParentDatabaseID string `json:"parentDatabaseId"`
	EventType        string `json:"eventType"`
	Timestamp        string `json:"timestamp"`
}

func (s *Server) handleInternalEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if err := config.ValidateJSON(s.internalSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req internalEvent
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	eventType, _ := mirror.ParseEventType(req.EventType)
	ev := mirror.Event{PageID: req.PageID, ParentDatabaseID: req.ParentDatabaseID, Type: eventType}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid timestamp", correlationID)
			return
		}
		ev.Timestamp = ts.UTC()
	}
	s.enqueue(w, ev, correlationID)
}

func (s *Server) enqueue(w http.ResponseWriter, ev mirror.Event, correlationID string) {
	queued, err := s.svc.Enqueue(ev)
	if err != nil {
		s.writeServiceError(w, err, "", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":        queued,
		"pageId":        ev.PageID,
		"correlationId": correlationID,
	})
}

type connectionView struct {
	mirror.Connection
	Connected          bool                        `json:"connected"`
	InitialSyncRunning bool                        `json:"initialSyncRunning"`
	Progress           *mirror.InitialSyncProgress `json:"progress,omitempty"`
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.svc.Connections()
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		view := connectionView{Connection: conn, Connected: conn.Connected(), InitialSyncRunning: s.svc.InitialSyncRunning(conn.ID)}
		if view.Connected {
			progress, err := s.svc.Progress(r.Context(), conn.ID)
			if err != nil {
				s.logger.Printf("httpapi: progress conn=%s: %v", conn.ID, err)
			}
			view.Progress = progress
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views, "queueDepth": s.svc.QueueDepth()})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, connectionID, correlationID string) {
	progress, err := s.svc.Progress(r.Context(), connectionID)
	if err != nil {
		s.writeServiceError(w, err, connectionID, correlationID)
		return
	}
	if progress == nil {
		writeError(w, http.StatusNotFound, "not_found", "no initial sync recorded", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleInitialSync(w http.ResponseWriter, _ *http.Request, connectionID, correlationID string) {
	if err := s.svc.StartInitialSync(connectionID); err != nil {
		s.writeServiceError(w, err, connectionID, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "connectionId": connectionID})
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request, connectionID, pageID, correlationID string) {
	mapping, err := s.svc.LookupMapping(r.Context(), connectionID, pageID)
	if err != nil {
		s.writeServiceError(w, err, connectionID, correlationID)
		return
	}
	if mapping == nil {
		writeError(w, http.StatusNotFound, "not_found", "page is not mirrored", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (s *Server) handleSyncPage(w http.ResponseWriter, r *http.Request, connectionID, pageID, correlationID string) {
	res, err := s.svc.SyncPageNow(r.Context(), connectionID, pageID)
	if err != nil {
		s.writeServiceError(w, err, connectionID, correlationID)
		return
	}
	switch res.Status {
	case mirror.StatusAwaitingConnection:
		writeAwaitingConnection(w, res.ConnectURL, correlationID)
	case mirror.StatusFailed:
		writeJSON(w, http.StatusBadGateway, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, connectionID, correlationID string) {
	switch {
	case errors.Is(err, mirror.ErrUnknownConnection):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrNotConnected):
		var connectURL string
		if conn, lookupErr := s.svc.Connection(connectionID); lookupErr == nil {
			connectURL = conn.ConnectURL
		}
		writeAwaitingConnection(w, connectURL, correlationID)
	case errors.Is(err, mirror.ErrInitialSyncRunning):
		writeError(w, http.StatusConflict, "initial_sync_running", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrSchemaUnavailable):
		writeError(w, http.StatusBadGateway, "schema_unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeAwaitingConnection(w http.ResponseWriter, connectURL, correlationID string) {
	body := map[string]any{
		"code":          string(mirror.StatusAwaitingConnection),
		"message":       "connection has no mirror database yet",
		"correlationId": correlationID,
	}
	if connectURL != "" {
		body["connectUrl"] = connectURL
	}
	writeJSON(w, http.StatusConflict, body)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}
