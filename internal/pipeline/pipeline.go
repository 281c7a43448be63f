// Package pipeline drives the per-session stage state machine. Stage order is
// a fixed table keyed by analysis mode, validated at construction so a typo'd
// stage id fails startup instead of silently stalling a session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"specgap/api-gateway/internal/engine"
	"specgap/api-gateway/models"
)

// stageSequences lists the engine-calling stages per mode, in execution
// order. Every sequence must end in synthesis; "starting" and "done" are
// implicit boundary states, not engine calls.
var stageSequences = map[models.AnalysisMode][]string{
	models.ModeQuick: {"council", "round1", "round2", "round3", "synthesis"},
	models.ModeDeep:  {"tech_audit", "legal_audit", "synthesis"},
}

// Stages returns the stage order for a mode.
func Stages(mode models.AnalysisMode) ([]string, error) {
	seq, ok := stageSequences[mode]
	if !ok {
		return nil, fmt.Errorf("unknown analysis mode %q", mode)
	}
	return seq, nil
}

// Result is the aggregated terminal payload of a finished pipeline.
type Result struct {
	Status  string                     `json:"status"`
	Mode    models.AnalysisMode        `json:"mode"`
	Verdict json.RawMessage            `json:"verdict"`
	Stages  map[string]json.RawMessage `json:"stages"`
}

// Pipeline executes stage sequences against the analysis engine. It is
// stateless across sessions; one Run call owns one session's progression.
type Pipeline struct {
	engine engine.Engine
	log    *logrus.Logger
}

// New validates the stage tables and returns a pipeline.
func New(eng engine.Engine, log *logrus.Logger) (*Pipeline, error) {
	if eng == nil {
		return nil, fmt.Errorf("pipeline: nil engine")
	}
	if log == nil {
		log = logrus.New()
	}
	for mode, seq := range stageSequences {
		if len(seq) == 0 {
			return nil, fmt.Errorf("pipeline: mode %q has no stages", mode)
		}
		if seq[len(seq)-1] != "synthesis" {
			return nil, fmt.Errorf("pipeline: mode %q must end in synthesis", mode)
		}
		seen := make(map[string]bool, len(seq))
		for _, s := range seq {
			if s == "" || seen[s] {
				return nil, fmt.Errorf("pipeline: mode %q has invalid stage table", mode)
			}
			seen[s] = true
		}
	}
	return &Pipeline{engine: eng, log: log}, nil
}

// Run executes the session's stages in order, invoking onStage as each stage
// begins. Stages never run out of order and never re-run; a stage failure
// aborts the whole session (retries belong to the engine collaborator).
// Cancellation is honored at stage boundaries; the in-flight engine call also
// receives ctx, so a collaborator that supports interruption stops early.
func (p *Pipeline) Run(ctx context.Context, sessionID string, mode models.AnalysisMode, onStage func(stageID string)) (json.RawMessage, error) {
	seq, err := Stages(mode)
	if err != nil {
		return nil, err
	}

	log := p.log.WithFields(logrus.Fields{"session_id": sessionID, "mode": mode})
	outputs := make(map[string]json.RawMessage, len(seq))

	for _, stageID := range seq {
		if err := ctx.Err(); err != nil {
			log.WithField("stage", stageID).Info("pipeline stopped at stage boundary")
			return nil, err
		}

		if onStage != nil {
			onStage(stageID)
		}
		log.WithField("stage", stageID).Info("stage started")

		out, err := p.engine.RunStage(ctx, engine.StageRequest{
			SessionID: sessionID,
			StageID:   stageID,
			Mode:      mode,
			Prior:     outputs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithField("stage", stageID).WithError(err).Error("stage failed")
			return nil, fmt.Errorf("stage %s: %w", stageID, err)
		}
		outputs[stageID] = out
	}

	res := Result{
		Status:  "success",
		Mode:    mode,
		Verdict: outputs["synthesis"],
		Stages:  outputs,
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	log.WithField("bytes", len(payload)).Info("pipeline finished")
	return payload, nil
}
