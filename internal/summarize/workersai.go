// Package summarize shortens long text through Cloudflare Workers AI.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultModel = "@cf/facebook/bart-large-cnn"

var ErrNotConfigured = errors.New("summarize: account and token are required")

type Options struct {
	BaseURL    string
	AccountID  string
	Token      string
	Model      string
	HTTPClient *http.Client
}

// WorkersAI calls a hosted summarization model.
type WorkersAI struct {
	baseURL    string
	accountID  string
	token      string
	model      string
	httpClient *http.Client
}

// New returns nil, ErrNotConfigured when either the account or the token is
// missing; callers treat that as the capability being off.
func New(opts Options) (*WorkersAI, error) {
	accountID := strings.TrimSpace(opts.AccountID)
	token := strings.TrimSpace(opts.Token)
	if accountID == "" || token == "" {
		return nil, ErrNotConfigured
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.cloudflare.com/client/v4"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WorkersAI{
		baseURL:    baseURL,
		accountID:  accountID,
		token:      token,
		model:      model,
		httpClient: httpClient,
	}, nil
}

type runRequest struct {
	InputText string `json:"input_text"`
	MaxLength int    `json:"max_length,omitempty"`
}

type runResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Summary string `json:"summary"`
	} `json:"result"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Summarize returns a summary of text no longer than maxChars characters.
func (w *WorkersAI) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	if w == nil {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(runRequest{InputText: text, MaxLength: maxTokens(maxChars)})
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/ai/run/%s", w.baseURL, url.PathEscape(w.accountID), w.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("summarize: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out runResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("summarize: decode response: %w", err)
	}
	if !out.Success {
		if len(out.Errors) > 0 {
			return "", fmt.Errorf("summarize: %s", out.Errors[0].Message)
		}
		return "", fmt.Errorf("summarize: request unsuccessful")
	}
	summary := strings.TrimSpace(out.Result.Summary)
	if summary == "" {
		return "", fmt.Errorf("summarize: empty summary")
	}
	if maxChars > 0 {
		if runes := []rune(summary); len(runes) > maxChars {
			summary = string(runes[:maxChars])
		}
	}
	return summary, nil
}

// maxTokens converts a character budget to the model's token budget,
// assuming roughly four characters per token.
func maxTokens(maxChars int) int {
	if maxChars <= 0 {
		return 0
	}
	tokens := maxChars / 4
	if tokens < 16 {
		tokens = 16
	}
	return tokens
}
