package segmentapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/store"
)

// handleCreateSegment processes the POST /api/v1/segments request.
//
// The rule payload is accepted in either dialect. It is normalized to
// the storage dialect, decoded to the canonical tree, validated against
// the attribute registry, and fingerprinted before persisting.
func (a *API) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateSegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	seg := &store.Segment{
		ID:          uuid.New(),
		OrgID:       req.OrgID,
		Name:        req.Name,
		Description: req.Description,
		Kind:        store.SegmentKind(req.Kind),
	}

	if seg.Kind == store.KindRuleBased {
		stored, hash, errResp := a.normalizeRule(req.Rule)
		if errResp != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errResp)
			return
		}
		seg.Rule = stored
		seg.RuleHash = hash
	}

	if err := a.segments.CreateSegment(r.Context(), seg); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_CONFLICT",
				Message: "A segment with this name already exists in the organization",
			})
			return
		}

		log.Error("failed to create segment in db", "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Failed to create segment",
		})
		return
	}

	a.notifyCacheAsync(log, seg.ID.String())

	log.Info("segment created",
		slog.String("segment_id", seg.ID.String()),
		slog.String("kind", string(seg.Kind)),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, mapSegmentToResponse(seg))
}

// handleListSegments processes the GET /api/v1/segments request.
func (a *API) handleListSegments(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	orgID, errResp := parseUUIDQuery(r, "org_id")
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", 20)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	// Silently clamp out-of-bounds values.
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	offset := (page - 1) * pageSize

	segments, totalItems, err := a.segments.ListSegments(r.Context(), orgID, pageSize, offset)
	if err != nil {
		log.Error("failed to list segments from db", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to list segments"})
		return
	}

	dtos := make([]SegmentResponse, len(segments))
	for i, s := range segments {
		dtos[i] = a.renderSegment(s, r)
	}

	totalPages := 0
	if totalItems > 0 {
		totalPages = int(math.Ceil(float64(totalItems) / float64(pageSize)))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse{
		Data: dtos,
		Pagination: Pagination{
			TotalItems:  totalItems,
			TotalPages:  totalPages,
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

// handleGetSegment processes the GET /api/v1/segments/{id} request.
// With ?dialect=editor the rule is returned in the editor shape.
func (a *API) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.renderSegment(seg, r))
}

// handleUpdateSegment processes the PATCH /api/v1/segments/{id} request.
// A rule update replaces the stored tree wholesale.
func (a *API) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	var req UpdateSegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if req.Name != nil {
		seg.Name = *req.Name
	}
	if req.Description != nil {
		seg.Description = *req.Description
	}
	if req.Rule != nil {
		if seg.Kind != store.KindRuleBased {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_INVALID_INPUT",
				Message: "Static segments cannot carry a rule",
			})
			return
		}

		stored, hash, errResp := a.normalizeRule(*req.Rule)
		if errResp != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errResp)
			return
		}
		seg.Rule = stored
		seg.RuleHash = hash
	}

	if err := a.segments.UpdateSegment(r.Context(), seg); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_CONFLICT",
				Message: "A segment with this name already exists in the organization",
			})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			a.renderNotFound(w, r)
			return
		}

		log.Error("failed to update segment in db", "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to update segment"})
		return
	}

	a.notifyCacheAsync(log, seg.ID.String())

	log.Info("segment updated", slog.String("segment_id", seg.ID.String()))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.renderSegment(seg, r))
}

// handleDeleteSegment processes the DELETE /api/v1/segments/{id} request.
func (a *API) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, errResp := parseUUIDParam(r, "id")
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if err := a.segments.DeleteSegment(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.renderNotFound(w, r)
			return
		}
		log.Error("failed to delete segment in db", "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to delete segment"})
		return
	}

	a.notifyCacheAsync(log, id.String())

	log.Info("segment deleted", slog.String("segment_id", id.String()))
	render.NoContent(w, r)
}

// --- Private helpers ---

// normalizeRule takes a rule payload in either dialect and returns the
// canonical storage JSON and its fingerprint.
func (a *API) normalizeRule(raw json.RawMessage) (json.RawMessage, int64, *ErrorResponse) {
	tree, errResp := a.decodeRule(raw)
	if errResp != nil {
		return nil, 0, errResp
	}

	if issues := ruleengine.Validate(a.registry, tree); len(issues) > 0 {
		details := make([]ErrorDetail, len(issues))
		for i, issue := range issues {
			details[i] = ErrorDetail{Field: issue.Path, Issue: issue.Code + ": " + issue.Message}
		}
		return nil, 0, &ErrorResponse{
			Code:    "ERR_INVALID_RULE",
			Message: "Rule failed validation",
			Details: details,
		}
	}

	canonical, err := ruleengine.EncodeStorage(tree)
	if err != nil {
		return nil, 0, &ErrorResponse{
			Code:    "ERR_INVALID_RULE",
			Message: "Failed to serialize rule",
		}
	}

	return canonical, int64(ruleengine.Fingerprint(tree)), nil
}

// renderSegment applies the ?dialect=editor transformation when requested.
func (a *API) renderSegment(s *store.Segment, r *http.Request) SegmentResponse {
	resp := mapSegmentToResponse(s)

	if r.URL.Query().Get("dialect") == "editor" && len(s.Rule) > 0 {
		var stored map[string]any
		if err := json.Unmarshal(s.Rule, &stored); err == nil {
			if editor := ruleengine.ToEditor(stored); editor != nil {
				if b, err := json.Marshal(editor); err == nil {
					resp.Rule = b
				}
			}
		}
	}

	return resp
}

// fetchSegment loads the segment addressed by the {id} URL parameter,
// writing the error response itself when it cannot.
func (a *API) fetchSegment(w http.ResponseWriter, r *http.Request) (*store.Segment, bool) {
	id, errResp := parseUUIDParam(r, "id")
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return nil, false
	}

	seg, err := a.segments.GetSegment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.renderNotFound(w, r)
			return nil, false
		}
		logger.FromContext(r.Context()).Error("failed to load segment", "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to load segment"})
		return nil, false
	}

	return seg, true
}

func (a *API) renderNotFound(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusNotFound)
	render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Segment not found"})
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, *ErrorResponse) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Parameter '" + name + "' must be a valid UUID",
		}
	}
	return id, nil
}

func parseUUIDQuery(r *http.Request, name string) (uuid.UUID, *ErrorResponse) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, &ErrorResponse{
			Code:    "ERR_INVALID_QUERY_PARAM",
			Message: "Query parameter '" + name + "' is required",
		}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &ErrorResponse{
			Code:    "ERR_INVALID_QUERY_PARAM",
			Message: "Query parameter '" + name + "' must be a valid UUID",
		}
	}
	return id, nil
}

// parseOptionalInt extracts an integer from the query string. If the
// parameter is missing, it returns the defaultValue. It only errors if
// the parameter is present but malformed.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}

// notifyCacheAsync publishes a segment-updated event with retries,
// disconnected from the HTTP request lifecycle.
func (a *API) notifyCacheAsync(log *slog.Logger, segmentID string) {
	if a.cache == nil {
		return
	}

	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		const maxRetries = 3
		baseDelay := 100 * time.Millisecond

		for i := 0; i <= maxRetries; i++ {
			err := a.cache.PublishUpdate(ctx, id)
			if err == nil {
				return
			}

			if i == maxRetries {
				log.Error("failed to push update event after retries",
					slog.String("segment_id", id),
					slog.String("error", err.Error()))
				return
			}

			log.Warn("failed to push update, retrying...",
				slog.String("segment_id", id),
				slog.Int("attempt", i+1),
				slog.String("error", err.Error()))

			time.Sleep(baseDelay * time.Duration(1<<i))
		}
	}(segmentID)
}
