package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client talks to a Gemini-style generateContent REST API. One RunStage call
// maps to one model invocation. The free tier rate-limits per API key, so the
// client can spread stages across up to three round-specific keys.
type Client struct {
	baseURL    string
	model      string
	primaryKey string
	roundKeys  [3]string
	maxRetries int

	httpClient *http.Client
	log        *logrus.Logger
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	RoundKeys  [3]string
	MaxRetries int
	HTTPClient *http.Client
	Log        *logrus.Logger
}

// NewClient builds the REST engine client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		primaryKey: cfg.APIKey,
		roundKeys:  cfg.RoundKeys,
		maxRetries: cfg.MaxRetries,
		httpClient: cfg.HTTPClient,
		log:        cfg.Log,
	}
}

// RunStage executes one stage with bounded retries and exponential backoff.
// Rate-limit responses wait a full minute before the next attempt, mirroring
// the provider's per-minute windows.
func (c *Client) RunStage(ctx context.Context, req StageRequest) (json.RawMessage, error) {
	prompt := buildStagePrompt(req)
	reqID := uuid.NewString()

	log := c.log.WithFields(logrus.Fields{
		"req_id":     reqID,
		"session_id": req.SessionID,
		"stage":      req.StageID,
		"mode":       req.Mode,
	})
	log.Info("engine stage started")
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt) * 15 * time.Second
			if isRateLimited(lastErr) {
				delay = time.Minute
			}
			log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay.String()}).Warn("engine retry")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}

		text, err := c.generate(ctx, req.StageID, prompt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		out, err := encodeStageOutput(req.StageID, text)
		if err != nil {
			lastErr = err
			continue
		}

		log.WithFields(logrus.Fields{
			"elapsed_ms": time.Since(start).Milliseconds(),
			"bytes":      len(out),
			"attempt":    attempt,
		}).Info("engine stage completed")
		return out, nil
	}
	return nil, fmt.Errorf("stage %s failed after %d attempts: %w", req.StageID, c.maxRetries, lastErr)
}

// generate performs a single generateContent call and returns the model text.
func (c *Client) generate(ctx context.Context, stageID, prompt string) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":     0.3,
			"topP":            0.95,
			"topK":            40,
			"maxOutputTokens": 8192,
		},
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.keyForStage(stageID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errRateLimited
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("engine returned status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode engine response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from engine")
	}

	var sb strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("empty response from engine")
	}
	return text, nil
}

// keyForStage spreads stages over the round-specific keys when configured.
func (c *Client) keyForStage(stageID string) string {
	var idx int
	switch stageID {
	case "council", "round1", "tech_audit":
		idx = 0
	case "round2", "legal_audit":
		idx = 1
	case "round3":
		idx = 2
	default: // synthesis
		idx = 0
	}
	if k := c.roundKeys[idx]; k != "" {
		return k
	}
	return c.primaryKey
}

// encodeStageOutput shapes the model text into the stage's output payload.
// Structured stages are cleaned of markdown fences and schema-validated;
// free-text stages are wrapped as a JSON string.
func encodeStageOutput(stageID, text string) (json.RawMessage, error) {
	if !structuredStage(stageID) {
		return json.Marshal(text)
	}
	cleaned := CleanModelJSON(text)
	if err := ValidateStagePayload(stageID, cleaned); err != nil {
		return nil, fmt.Errorf("stage %s output rejected: %w", stageID, err)
	}
	return cleaned, nil
}

func structuredStage(stageID string) bool {
	switch stageID {
	case "round3", "synthesis", "tech_audit", "legal_audit":
		return true
	}
	return false
}

var errRateLimited = errors.New("engine rate limited")

func isRateLimited(err error) bool {
	return errors.Is(err, errRateLimited)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
