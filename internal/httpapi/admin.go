package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/ragchat/internal/settings"
)

// ListSettings handles GET /api/admin/settings.
func (s *Server) ListSettings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.settings.GetAll(r.Context())
	if err != nil {
		httpError(w, "list settings failed", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, rows, http.StatusOK)
}

// updateSettingRequest carries a typed value for one setting key.
type updateSettingRequest struct {
	Type        settings.ValueType `json:"type"`
	Value       any                `json:"value"`
	Description string             `json:"description"`
}

// UpdateSetting handles PUT /api/admin/settings/{key}. When the key names a
// provider-scoped value (model, base URL, or similar), it invalidates that
// provider's cached adapter the same way the teacher's provider CRUD
// endpoints hot-reload a changed provider record.
func (s *Server) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req updateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || key == "" {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.settings.Set(r.Context(), key, req.Type, req.Value, req.Description); err != nil {
		httpError(w, "update setting failed", http.StatusUnprocessableEntity)
		return
	}

	s.registry.Invalidate(key)
	httpResponse(w, "setting updated", http.StatusOK)
}
