package segmentapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/crewscope/segmenta/internal/analytics"
	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/store"
)

// handleExplainWorker processes GET /api/v1/segments/{id}/explain/{workerID}.
// It reports the outcome of every leaf condition of the segment's rule
// for one worker.
func (a *API) handleExplainWorker(w http.ResponseWriter, r *http.Request) {
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

	exp, err := a.analytics.ExplainWorker(r.Context(), seg.ID, workerID)
	if err != nil {
		switch {
		case errors.Is(err, analytics.ErrStaticSegment):
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_STATIC_SEGMENT",
				Message: "Static segments have no rule to explain",
			})
		case errors.Is(err, store.ErrNotFound):
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Worker not found"})
		default:
			log.Error("explain failed", slog.String("error", err.Error()))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to explain worker"})
		}
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, exp)
}

// handleSegmentGrowth processes GET /api/v1/segments/{id}/growth.
// The trailing window defaults to 7 days; ?window_hours overrides it.
func (a *API) handleSegmentGrowth(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	windowHours, err := parseOptionalInt(r, "window_hours", 7*24)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}
	if windowHours < 1 {
		windowHours = 7 * 24
	}

	growth, err := a.analytics.SegmentGrowth(r.Context(), seg.ID, time.Duration(windowHours)*time.Hour)
	if err != nil {
		log.Error("growth computation failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to compute growth"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, growth)
}

// handleCompareSegments processes GET /api/v1/segments/compare?a=&b=.
func (a *API) handleCompareSegments(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	aID, errResp := parseUUIDQuery(r, "a")
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}
	bID, errResp := parseUUIDQuery(r, "b")
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	overlap, err := a.analytics.Compare(r.Context(), aID, bID)
	if err != nil {
		log.Error("segment comparison failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to compare segments"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, overlap)
}

// handleOverlappingSegments processes GET /api/v1/segments/{id}/overlaps.
func (a *API) handleOverlappingSegments(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	limit, err := parseOptionalInt(r, "limit", 10)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	overlaps, err := a.analytics.OverlappingSegments(r.Context(), seg.ID, limit)
	if err != nil {
		log.Error("overlap scan failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to find overlapping segments"})
		return
	}

	if overlaps == nil {
		overlaps = []*analytics.Overlap{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"overlaps": overlaps})
}

// handleDifferentiators processes GET /api/v1/segments/{id}/differentiators.
func (a *API) handleDifferentiators(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	limit, err := parseOptionalInt(r, "limit", 10)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	diffs, err := a.analytics.Differentiators(r.Context(), seg.ID, limit)
	if err != nil {
		log.Error("differentiator scan failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to compute differentiators"})
		return
	}

	if diffs == nil {
		diffs = []analytics.Differentiator{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"differentiators": diffs})
}
