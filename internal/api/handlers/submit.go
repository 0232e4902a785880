package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/disk"
)

// maxPledgeBodyBytes bounds a submitted pledge's wire size: one main
// transaction plus at most config.MaxPledgeDependencies dependency
// transactions, generously capped well above any realistic pledge.
const maxPledgeBodyBytes = 1 << 20

// SubmitPledge implements spec.md §4.8's HTTP pledge submission pipeline
// for server mode: the request body is a pledge in the disk-layer's binary
// encoding (the same bytes a .pledge file holds), which lets a client reuse
// its local encoder unmodified whether writing to disk or posting to a
// server.
func SubmitPledge(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := parseProjectID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidConfig, err.Error())
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPledgeBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, config.ErrorBadFormat, "failed to read request body")
			return
		}
		if len(body) > maxPledgeBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, config.ErrorBadFormat, "pledge payload too large")
			return
		}

		pledge, err := disk.DecodePledge(projectID, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, config.ErrorBadFormat, err.Error())
			return
		}

		if err := b.SubmitPledge(pledge); err != nil {
			code, status := submitErrorCode(err)
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, toPledgeDTO(pledge))
	}
}

func submitErrorCode(err error) (code string, status int) {
	switch {
	case errors.Is(err, config.ErrProjectNotFound):
		return config.ErrorProjectNotFound, http.StatusNotFound
	case errors.Is(err, config.ErrTooManyDependencies):
		return config.ErrorTooManyDependencies, http.StatusBadRequest
	case errors.Is(err, config.ErrBadFormat):
		return config.ErrorBadFormat, http.StatusBadRequest
	case errors.Is(err, config.ErrScriptMismatch):
		return config.ErrorScriptMismatch, http.StatusUnprocessableEntity
	case errors.Is(err, config.ErrDuplicatedOutPoint):
		return config.ErrorDuplicatedOutPoint, http.StatusConflict
	case errors.Is(err, config.ErrGoalExceeded):
		return config.ErrorGoalExceeded, http.StatusUnprocessableEntity
	case errors.Is(err, config.ErrUnknownUTXO):
		return config.ErrorUnknownUTXO, http.StatusUnprocessableEntity
	case errors.Is(err, config.ErrNoCapablePeers):
		return config.ErrorNoCapablePeers, http.StatusServiceUnavailable
	case errors.Is(err, config.ErrIOError):
		return config.ErrorIOError, http.StatusInternalServerError
	default:
		return config.ErrorBadFormat, http.StatusBadRequest
	}
}
