package handlers

import (
	"net/http"
	"net/url"

	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
)

// ResolvePaymentURL implements the server-mode payment-URL index lookup of
// spec.md §4.8 ("index it by payment-URL path for HTTP routing"): given the
// path a project was registered under, it reports that project's current
// state. Building the actual payment page is the excluded UI surface
// (spec.md §1); this is the data endpoint such a page would call.
func ResolvePaymentURL(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := &url.URL{Path: r.URL.Path}
		project, ok := b.GetProjectFromURL(u)
		if !ok {
			writeError(w, http.StatusNotFound, config.ErrorProjectNotFound, "no project registered at this payment URL")
			return
		}
		view, ok := b.ProjectView(project.ID)
		if !ok {
			writeError(w, http.StatusNotFound, config.ErrorProjectNotFound, "project not found")
			return
		}
		writeJSON(w, http.StatusOK, toProjectDetailDTO(view))
	}
}
