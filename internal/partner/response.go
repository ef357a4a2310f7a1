package partner

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/magsasa-card/magsasa/internal/model"
)

// WriteSuccess writes the partner success envelope.
func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeEnvelope(w, status, model.PartnerResponse{
		Success:   true,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
	})
}

// WritePage writes the success envelope with pagination meta.
func WritePage(w http.ResponseWriter, message string, data any, p model.Pagination) {
	writeEnvelope(w, http.StatusOK, model.PartnerResponse{
		Success:   true,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
		Meta:      &model.PartnerMeta{Pagination: &p},
	})
}

// WriteError writes the partner error envelope. details may be nil.
func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	writeEnvelope(w, status, model.PartnerError{
		Success:   false,
		Error:     model.ErrorDetail{Code: code, Message: message, Details: details},
		Timestamp: time.Now().UTC(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
