package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

const scimContentType = "application/scim+json"

// writeError writes a SCIM error body with the given status.
func writeError(w http.ResponseWriter, status int, detail string) {
	body := domain.NewErrorBody(detail)
	body.Status = status
	writeBody(w, status, scimContentType, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeBody(w, status, "application/json", v)
}

func writeBody(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
