// Package web provides the HTTP control surface of the engine: draft
// and lock flow versions, start and stop runs, inspect their state.
package web

import "github.com/pieceflow/pieceflow/pkg/models"

// CreateFlowRequest is the body of POST /flows. The new version starts
// as a draft; graph validation runs at lock time, so a draft may hold
// an incomplete graph.
type CreateFlowRequest struct {
	Name      string         `json:"name"              validate:"required,min=3"`
	ProjectID string         `json:"project_id"        validate:"required"`
	FlowID    string         `json:"flow_id,omitempty"`
	Steps     []*models.Step `json:"steps"             validate:"required,min=1,dive"`
}

// StartRunRequest is the body of POST /runs. The version must be
// locked. DelaySeconds holds the run back; DedupeKey collapses repeat
// admissions inside the window.
type StartRunRequest struct {
	FlowVersionID       string `json:"flow_version_id"                 validate:"required"`
	Payload             any    `json:"payload,omitempty"`
	Priority            int    `json:"priority,omitempty"`
	DelaySeconds        int    `json:"delay_seconds,omitempty"         validate:"omitempty,min=0"`
	DedupeKey           string `json:"dedupe_key,omitempty"`
	DedupeWindowSeconds int    `json:"dedupe_window_seconds,omitempty" validate:"omitempty,min=0"`
}
