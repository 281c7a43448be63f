package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"specgap/api-gateway/models"
)

func generateResponse(text string) string {
	body := map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
		},
	}
	bs, _ := json.Marshal(body)
	return string(bs)
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(ClientConfig{
		BaseURL:    srv.URL,
		Model:      "test-model",
		APIKey:     "primary",
		MaxRetries: 1,
	})
}

func TestRunStageReturnsTextAsJSONString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(generateResponse("independent legal analysis")))
	}))
	defer srv.Close()

	out, err := newTestClient(srv).RunStage(context.Background(), StageRequest{
		SessionID: "s1", StageID: "round1", Mode: models.ModeQuick,
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	var text string
	if err := json.Unmarshal(out, &text); err != nil {
		t.Fatalf("free-text stage output must be a JSON string: %v", err)
	}
	if text != "independent legal analysis" {
		t.Fatalf("output = %q", text)
	}
}

func TestRunStageCleansAndValidatesStructuredOutput(t *testing.T) {
	fenced := "```json\n{\"flashcards\": [{\"title\": \"No exit clause\"}]}\n```"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(generateResponse(fenced)))
	}))
	defer srv.Close()

	out, err := newTestClient(srv).RunStage(context.Background(), StageRequest{
		SessionID: "s1", StageID: "round3", Mode: models.ModeQuick,
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	var parsed struct {
		Flashcards []struct {
			Title string `json:"title"`
		} `json:"flashcards"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("decode cleaned output: %v", err)
	}
	if len(parsed.Flashcards) != 1 || parsed.Flashcards[0].Title != "No exit clause" {
		t.Fatalf("unexpected payload: %s", out)
	}
}

func TestRunStageRejectsInvalidStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(generateResponse(`{"summary": "no cards here"}`)))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).RunStage(context.Background(), StageRequest{
		SessionID: "s1", StageID: "round3", Mode: models.ModeQuick,
	})
	if err == nil {
		t.Fatalf("schema-invalid round3 output should fail the stage")
	}
}

func TestRunStageIncludesPriorOutputs(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Contents) > 0 && len(req.Contents[0].Parts) > 0 {
			gotPrompt = req.Contents[0].Parts[0].Text
		}
		w.Write([]byte(generateResponse("refined draft")))
	}))
	defer srv.Close()

	prior, _ := json.Marshal("round one draft")
	_, err := newTestClient(srv).RunStage(context.Background(), StageRequest{
		SessionID: "s1",
		StageID:   "round2",
		Mode:      models.ModeQuick,
		Prior:     map[string]json.RawMessage{"round1": prior},
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if !strings.Contains(gotPrompt, "PRIOR STAGE OUTPUTS") || !strings.Contains(gotPrompt, "round one draft") {
		t.Fatalf("prompt missing prior outputs:\n%s", gotPrompt)
	}
}

func TestRunStageSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).RunStage(context.Background(), StageRequest{
		SessionID: "s1", StageID: "round1", Mode: models.ModeQuick,
	})
	if err == nil {
		t.Fatalf("expected error from 500 response")
	}
}

func TestRateLimitDetectionUsesSentinel(t *testing.T) {
	if !isRateLimited(errRateLimited) {
		t.Fatalf("sentinel not detected")
	}
	if !isRateLimited(fmt.Errorf("attempt 2: %w", errRateLimited)) {
		t.Fatalf("wrapped sentinel not detected")
	}
	if isRateLimited(fmt.Errorf("engine returned status 500")) {
		t.Fatalf("unrelated error misclassified as rate limit")
	}
	if isRateLimited(nil) {
		t.Fatalf("nil error misclassified as rate limit")
	}
}

func TestKeyForStagePrefersRoundKeys(t *testing.T) {
	c := NewClient(ClientConfig{
		BaseURL:   "http://example.invalid",
		Model:     "m",
		APIKey:    "primary",
		RoundKeys: [3]string{"k1", "k2", "k3"},
	})
	cases := map[string]string{
		"round1":      "k1",
		"round2":      "k2",
		"round3":      "k3",
		"tech_audit":  "k1",
		"legal_audit": "k2",
		"synthesis":   "k1",
	}
	for stage, want := range cases {
		if got := c.keyForStage(stage); got != want {
			t.Fatalf("keyForStage(%s) = %s, want %s", stage, got, want)
		}
	}

	bare := NewClient(ClientConfig{BaseURL: "http://example.invalid", Model: "m", APIKey: "primary"})
	if got := bare.keyForStage("round2"); got != "primary" {
		t.Fatalf("fallback key = %s, want primary", got)
	}
}
