// Package engine is the gateway's client for the downstream analysis engine:
// the rate-limited LLM service that actually reads the documents. The
// orchestrator supplies ordering, timeout, and quota policy; this package
// supplies one RunStage call per pipeline stage, including the retry policy
// (retries live in the collaborator, never in the pipeline).
package engine

import (
	"context"
	"encoding/json"

	"specgap/api-gateway/models"
)

// StageRequest carries everything the engine needs for one stage.
type StageRequest struct {
	SessionID string
	StageID   string
	Mode      models.AnalysisMode
	// Prior holds the outputs of already completed stages, keyed by stage id.
	Prior map[string]json.RawMessage
}

// Engine is the external collaborator consumed by the stage pipeline.
type Engine interface {
	RunStage(ctx context.Context, req StageRequest) (json.RawMessage, error)
}
