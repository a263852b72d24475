package segmentapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/membership"
	"github.com/crewscope/segmenta/internal/store"
)

// handleTriggerSync processes POST /api/v1/segments/{id}/sync.
// The sync runs synchronously within the request; for large populations
// the background runner is the usual path and this endpoint serves
// on-demand refreshes. A sync already holding the lease yields 409 with
// a distinct code so clients poll instead of retrying.
func (a *API) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	rec, err := a.membership.Sync(r.Context(), seg.ID)
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrStaticSegment):
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_STATIC_SEGMENT",
				Message: "Static segments have no rule to sync",
			})
		case errors.Is(err, store.ErrSyncInProgress):
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_SYNC_IN_PROGRESS",
				Message: "A sync is already running for this segment",
			})
		default:
			log.Error("segment sync failed", slog.String("error", err.Error()))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Sync failed"})
		}
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapSyncToResponse(rec))
}

// handleSyncStatus processes GET /api/v1/segments/{id}/sync.
func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	seg, ok := a.fetchSegment(w, r)
	if !ok {
		return
	}

	rec, err := a.syncs.LatestSync(r.Context(), seg.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_NOT_FOUND",
				Message: "Segment has never been synced",
			})
			return
		}
		log.Error("failed to load sync status", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to load sync status"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapSyncToResponse(rec))
}
