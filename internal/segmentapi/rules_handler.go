package segmentapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/store"
)

// handleValidateRule processes POST /api/v1/rules/validate.
// It accepts a rule in either dialect and reports all validation issues
// with their tree paths, without persisting anything.
func (a *API) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	tree, errResp := a.decodeRule(req.Rule)
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	issues := ruleengine.Validate(a.registry, tree)
	if issues == nil {
		issues = []ruleengine.Issue{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

// handleTestRule processes POST /api/v1/rules/test.
// It dry-runs a candidate rule against the organization's population and
// reports match counts. Nothing is persisted.
func (a *API) handleTestRule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req RuleRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	if req.OrgID == uuid.Nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "org_id is required"})
		return
	}

	tree, errResp := a.decodeRule(req.Rule)
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if issues := ruleengine.Validate(a.registry, tree); len(issues) > 0 {
		details := make([]ErrorDetail, len(issues))
		for i, issue := range issues {
			details[i] = ErrorDetail{Field: issue.Path, Issue: issue.Code + ": " + issue.Message}
		}
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_RULE",
			Message: "Rule failed validation",
			Details: details,
		})
		return
	}

	result, err := a.analytics.TestRule(r.Context(), req.OrgID, tree)
	if err != nil {
		log.Error("rule dry-run failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to test rule"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// handleTestSavedRule processes POST /api/v1/segments/{id}/test.
// It dry-runs the segment's saved rule against the population without
// touching membership, so the current rule can be re-checked after
// worker data changes.
func (a *API) handleTestSavedRule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	if seg.Kind != store.KindRuleBased || len(seg.Rule) == 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_STATIC_SEGMENT",
			Message: "Static segments have no rule to test",
		})
		return
	}

	tree, err := a.membership.DecodeSegmentRule(seg)
	if err != nil {
		log.Error("failed to decode stored rule", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to test rule"})
		return
	}

	result, err := a.analytics.TestRule(r.Context(), seg.OrgID, tree)
	if err != nil {
		log.Error("saved-rule dry-run failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to test rule"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// decodeRule normalizes a raw rule payload in either dialect into the
// canonical tree.
func (a *API) decodeRule(raw json.RawMessage) (*ruleengine.Group, *ErrorResponse) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, &ErrorResponse{Code: "ERR_INVALID_RULE", Message: "Rule is required"}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ErrorResponse{Code: "ERR_INVALID_RULE", Message: "Rule must be a JSON object"}
	}

	storageShape := ruleengine.ToStorage(payload)
	if storageShape == nil {
		return nil, &ErrorResponse{Code: "ERR_INVALID_RULE", Message: "Rule is not a recognizable rule tree"}
	}

	shaped, err := json.Marshal(storageShape)
	if err != nil {
		return nil, &ErrorResponse{Code: "ERR_INVALID_RULE", Message: "Failed to serialize rule"}
	}

	tree, err := ruleengine.DecodeStorage(shaped)
	if err != nil || tree == nil {
		return nil, &ErrorResponse{Code: "ERR_INVALID_RULE", Message: "Rule is not a recognizable rule tree"}
	}

	return tree, nil
}
