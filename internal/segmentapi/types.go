// Package segmentapi implements the REST API for the segment engine.
// It handles HTTP routing, request decoding, validation, and response
// formatting.
package segmentapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewscope/segmenta/internal/store"
)

// SegmentResponse is the segment resource as returned by the API. Rule
// always carries the storage dialect; clients wanting the editor shape
// request ?dialect=editor.
type SegmentResponse struct {
	ID          uuid.UUID       `json:"id"`
	OrgID       uuid.UUID       `json:"org_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Kind        string          `json:"kind"`
	Rule        json.RawMessage `json:"rule,omitempty"`
	MemberCount int             `json:"member_count"`
	LastSyncAt  *time.Time      `json:"last_sync_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CreateSegmentRequest defines the payload for creating a segment.
// Rule accepts either the editor or the storage dialect; the handler
// normalizes to storage before persisting.
type CreateSegmentRequest struct {
	OrgID       uuid.UUID       `json:"org_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        string          `json:"kind"`
	Rule        json.RawMessage `json:"rule,omitempty"`
}

// Sanitize cleans up input data by trimming whitespace.
func (r *CreateSegmentRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
}

// Validate checks the request against business rules. It returns a
// structured *ErrorResponse if validation fails, or nil if valid.
func (r *CreateSegmentRequest) Validate() *ErrorResponse {
	if r.OrgID == uuid.Nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "org_id is required"}
	}

	if err := validateSegmentName(r.Name); err != nil {
		return err
	}

	switch store.SegmentKind(r.Kind) {
	case store.KindStatic:
		if len(r.Rule) > 0 && string(r.Rule) != "null" {
			return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Static segments cannot carry a rule"}
		}
	case store.KindRuleBased:
		if len(r.Rule) == 0 || string(r.Rule) == "null" {
			return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Rule-based segments require a rule"}
		}
	default:
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Kind must be 'static' or 'rule_based'"}
	}

	return nil
}

// UpdateSegmentRequest defines the payload for partial updates (PATCH).
// Pointers distinguish "missing field" (do nothing) from an explicit
// update. A rule update replaces the whole tree; there is no partial
// tree patching.
type UpdateSegmentRequest struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Rule        *json.RawMessage `json:"rule,omitempty"`
}

// Validate checks the provided fields.
func (r *UpdateSegmentRequest) Validate() *ErrorResponse {
	if r.Name != nil {
		if err := validateSegmentName(strings.TrimSpace(*r.Name)); err != nil {
			return err
		}
	}
	return nil
}

func validateSegmentName(name string) *ErrorResponse {
	if name == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Name is required"}
	}
	if len(name) > 255 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Name must be less than 255 characters"}
	}
	return nil
}

// AddMemberRequest is the payload for manually adding a worker to a
// static segment.
type AddMemberRequest struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

// Validate checks the payload.
func (r *AddMemberRequest) Validate() *ErrorResponse {
	if r.WorkerID == uuid.Nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "worker_id is required"}
	}
	return nil
}

// MemberResponse is one membership row as returned by the API.
type MemberResponse struct {
	WorkerID   uuid.UUID `json:"worker_id"`
	Provenance string    `json:"provenance"`
	AddedAt    time.Time `json:"added_at"`
}

// RuleRequest carries a bare rule payload for validate/test endpoints.
// The rule may be in either dialect.
type RuleRequest struct {
	OrgID uuid.UUID       `json:"org_id,omitempty"`
	Rule  json.RawMessage `json:"rule"`
}

// SyncResponse reports one sync record.
type SyncResponse struct {
	ID             uuid.UUID  `json:"id"`
	SegmentID      uuid.UUID  `json:"segment_id"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessedCount int        `json:"processed_count"`
	MatchCount     int        `json:"match_count"`
	Error          string     `json:"error,omitempty"`
}

// PaginatedResponse is a standard wrapper for list endpoints to support
// offset pagination.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

func mapSegmentToResponse(s *store.Segment) SegmentResponse {
	return SegmentResponse{
		ID:          s.ID,
		OrgID:       s.OrgID,
		Name:        s.Name,
		Description: s.Description,
		Kind:        string(s.Kind),
		Rule:        s.Rule,
		MemberCount: s.MemberCount,
		LastSyncAt:  s.LastSyncAt,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func mapSyncToResponse(rec *store.SyncRecord) SyncResponse {
	return SyncResponse{
		ID:             rec.ID,
		SegmentID:      rec.SegmentID,
		Status:         string(rec.Status),
		StartedAt:      rec.StartedAt,
		CompletedAt:    rec.CompletedAt,
		ProcessedCount: rec.ProcessedCount,
		MatchCount:     rec.MatchCount,
		Error:          rec.Error,
	}
}
