package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("notion: not found")
	ErrRateLimited = errors.New("notion: rate limited")
	ErrNoToken     = errors.New("notion: credential has no token")
)

// Credential is the integration token one side of a mirror is authorized with.
// It is passed explicitly on every call so a single Client can serve both sides.
type Credential struct {
	Name  string
	Token string
}

func (c Credential) String() string {
	if c.Name != "" {
		return c.Name
	}
	return "credential"
}

// APIError is a non-2xx response surfaced after retries are exhausted.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion api: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion api: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	APIVersion string
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Sleep replaces the context-aware wait between attempts; tests use it to
	// observe the backoff schedule.
	Sleep func(ctx context.Context, delay time.Duration) error
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	apiVersion string
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(ctx context.Context, delay time.Duration) error
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		sleep:      sleep,
	}
}

func (c *Client) GetDatabase(ctx context.Context, cred Credential, databaseID string) (Database, error) {
	var out Database
	err := c.do(ctx, cred, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), nil, &out, true)
	return out, err
}

func (c *Client) QueryDatabase(ctx context.Context, cred Credential, databaseID string, req QueryRequest) (QueryResponse, error) {
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 100
	}
	var out QueryResponse
	err := c.do(ctx, cred, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/query", req, &out, true)
	return out, err
}

func (c *Client) GetPage(ctx context.Context, cred Credential, pageID string) (Page, error) {
	var out Page
	err := c.do(ctx, cred, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID), nil, &out, true)
	return out, err
}

func (c *Client) CreatePage(ctx context.Context, cred Credential, req CreatePageRequest) (Page, error) {
	var out Page
	err := c.do(ctx, cred, http.MethodPost, "/v1/pages", req, &out, false)
	return out, err
}

func (c *Client) UpdatePage(ctx context.Context, cred Credential, pageID string, req UpdatePageRequest) (Page, error) {
	var out Page
	err := c.do(ctx, cred, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), req, &out, true)
	return out, err
}

// do sends one API call. A call that is not idempotent is only retried on 429,
// the one failure that guarantees the request was not applied.
func (c *Client) do(ctx context.Context, cred Credential, method, path string, payload, out any, idempotent bool) error {
	if c == nil {
		return fmt.Errorf("notion client is nil")
	}
	token := strings.TrimSpace(cred.Token)
	if token == "" {
		return ErrNoToken
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	correlationID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		req.Header.Set("X-Correlation-Id", correlationID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent && ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := c.sleep(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		retryAfter := resp.Header.Get("Retry-After")
		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := c.sleep(ctx, c.retryDelay(attempt+1, retryAfter)); waitErr != nil {
				return waitErr
			}
			continue
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			RetryAfter: parseRetryAfterSeconds(retryAfter),
		}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Code = parsed.Code
			if strings.TrimSpace(parsed.Message) != "" {
				apiErr.Message = parsed.Message
			}
		}
		return apiErr
	}
}

// retryDelay honors a Retry-After hint as given, else doubles from baseDelay
// up to maxDelay.
func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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
