package segmentapi

import (
	"errors"
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/render"

	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/store"
)

// handleListMembers processes GET /api/v1/segments/{id}/members.
func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", 50)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}

	offset := (page - 1) * pageSize

	members, totalItems, err := a.members.ListMembers(r.Context(), seg.ID, pageSize, offset)
	if err != nil {
		log.Error("failed to list members from db", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to list members"})
		return
	}

	dtos := make([]MemberResponse, len(members))
	for i, m := range members {
		dtos[i] = MemberResponse{
			WorkerID:   m.WorkerID,
			Provenance: string(m.Provenance),
			AddedAt:    m.AddedAt,
		}
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

// handleAddMember processes POST /api/v1/segments/{id}/members.
// Manual membership is only available on static segments; rule-based
// segments derive their rule-managed rows from evaluation.
func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	if seg.Kind != store.KindStatic {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Members can only be added manually to static segments",
		})
		return
	}

	var req AddMemberRequest
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

	if err := a.members.AddManualMember(r.Context(), seg.ID, req.WorkerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Worker not found"})
			return
		}
		log.Error("failed to add member in db", "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to add member"})
		return
	}

	a.notifyCacheAsync(log, seg.ID.String())

	log.Info("member added",
		slog.String("segment_id", seg.ID.String()),
		slog.String("worker_id", req.WorkerID.String()),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"status": "added"})
}

// handleRemoveMember processes DELETE /api/v1/segments/{id}/members/{workerID}.
// Rule-managed rows cannot be removed manually; they reappear on the
// next sync anyway, so the API rejects the request outright.
func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	workerID, errResp := parseUUIDParam(r, "workerID")
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if err := a.members.RemoveManualMember(r.Context(), seg.ID, workerID); err != nil {
		switch {
		case errors.Is(err, store.ErrRuleManagedMember):
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_RULE_MANAGED",
				Message: "Member is managed by the segment rule and cannot be removed manually",
			})
		case errors.Is(err, store.ErrNotFound):
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Membership not found"})
		default:
			log.Error("failed to remove member in db", "error", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to remove member"})
		}
		return
	}

	a.notifyCacheAsync(log, seg.ID.String())

	log.Info("member removed",
		slog.String("segment_id", seg.ID.String()),
		slog.String("worker_id", workerID.String()),
	)
	render.NoContent(w, r)
}
