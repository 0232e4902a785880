package handlers

import (
	"encoding/hex"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
)

// ListProjects reports every project's summary view.
func ListProjects(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views := b.ListProjects()
		out := make([]projectSummaryDTO, len(views))
		for i, v := range views {
			out[i] = toProjectSummaryDTO(v)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GetProject reports a single project's full state: pledges, check status,
// and lifecycle state.
func GetProject(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseProjectID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidConfig, err.Error())
			return
		}
		view, ok := b.ProjectView(id)
		if !ok {
			writeError(w, http.StatusNotFound, config.ErrorProjectNotFound, "project not found")
			return
		}
		writeJSON(w, http.StatusOK, toProjectDetailDTO(view))
	}
}

// RefreshProject triggers an immediate server-status refresh for projects
// that have a payment URL, surfacing spec.md §6's
// refresh_project_status_from_server as a synchronous HTTP call.
func RefreshProject(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseProjectID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidConfig, err.Error())
			return
		}
		if err := b.RefreshProjectStatusFromServer(r.Context(), id); err != nil {
			writeError(w, http.StatusBadGateway, config.ErrorTransportError, err.Error())
			return
		}
		view, _ := b.ProjectView(id)
		writeJSON(w, http.StatusOK, toProjectDetailDTO(view))
	}
}

func parseProjectID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return id, errInvalidProjectID
	}
	copy(id[:], raw)
	return id, nil
}

var errInvalidProjectID = invalidProjectIDError{}

type invalidProjectIDError struct{}

func (invalidProjectIDError) Error() string {
	return "project id must be a 64-character hex string"
}
