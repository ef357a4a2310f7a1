package partner

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/magsasa-card/magsasa/internal/model"
)

// DecodeBody checks a POST or PUT partner request and decodes it into
// target. It requires a JSON content type, a well-formed object, and the
// presence of every field named in required. On failure it writes the
// partner error envelope and returns false.
func DecodeBody(w http.ResponseWriter, r *http.Request, target any, required ...string) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidContentType, "Content-Type must be application/json", nil)
		return false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidJSON, "Could not read request body", nil)
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidJSON, "Invalid JSON in request body", nil)
		return false
	}

	if missing := missingFields(fields, required); len(missing) > 0 {
		WriteError(w, http.StatusBadRequest, model.ErrCodeMissingRequiredFields, "Missing required fields",
			map[string]any{"missing_fields": missing})
		return false
	}

	if target == nil {
		return true
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(target); err != nil {
		WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidJSON, "Invalid field types in request body", nil)
		return false
	}
	return true
}

// missingFields returns the required names that are absent or null.
func missingFields(fields map[string]json.RawMessage, required []string) []string {
	var missing []string
	for _, name := range required {
		v, ok := fields[name]
		if !ok || string(v) == "null" {
			missing = append(missing, name)
		}
	}
	return missing
}
