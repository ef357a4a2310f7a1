package model

import (
	"time"
)

// APIResponse is the standard response envelope for JWT API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeLocked        = "LOCKED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// Partner API error codes. Partner integrations switch on these strings,
// so they are part of the public contract.
const (
	ErrCodeMissingAPIKey         = "MISSING_API_KEY"
	ErrCodeInvalidAPIKey         = "INVALID_API_KEY"
	ErrCodeInactiveAPIKey        = "INACTIVE_API_KEY"
	ErrCodePartnerTypeNotAllowed = "PARTNER_TYPE_NOT_ALLOWED"
	ErrCodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	ErrCodeEndpointAccessDenied  = "ENDPOINT_ACCESS_DENIED"
	ErrCodeIPNotAllowed          = "IP_NOT_ALLOWED"
	ErrCodeInvalidContentType    = "INVALID_CONTENT_TYPE"
	ErrCodeInvalidJSON           = "INVALID_JSON"
	ErrCodeMissingRequiredFields = "MISSING_REQUIRED_FIELDS"
	ErrCodeInvalidStatus         = "INVALID_STATUS"
)

// PartnerResponse is the envelope used by /api/partners endpoints.
type PartnerResponse struct {
	Success   bool         `json:"success"`
	Timestamp time.Time    `json:"timestamp"`
	Message   string       `json:"message,omitempty"`
	Data      any          `json:"data,omitempty"`
	Meta      *PartnerMeta `json:"meta,omitempty"`
}

// PartnerMeta carries optional pagination for partner list responses.
type PartnerMeta struct {
	Pagination *Pagination `json:"pagination,omitempty"`
}

// PartnerError is the error envelope used by /api/partners endpoints.
type PartnerError struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// Pagination describes a page of partner results.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPagination computes page counts for a partner list response.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 1
	}
	pages := (total + perPage - 1) / perPage
	return Pagination{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1,
	}
}

// ListPage is the offset pagination block returned by JWT API list endpoints.
type ListPage struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// NewListPage fills HasMore from the total.
func NewListPage(total, limit, offset int) ListPage {
	return ListPage{TotalCount: total, Limit: limit, Offset: offset, HasMore: offset+limit < total}
}
