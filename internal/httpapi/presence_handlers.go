package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"comebearing.dev/internal/presence"
)

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	result, err := a.pipeline.Run(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "refresh run failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePresenceResource routes /v1/presence/{user}/last and
// /v1/presence/{user}/live.
func (a *API) handlePresenceResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/presence/")
	user, action, ok := strings.Cut(path, "/")
	if !ok || user == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if decoded, err := url.PathUnescape(user); err == nil {
		user = decoded
	}

	switch action {
	case "last":
		a.getLastPresence(w, r, user)
	case "live":
		a.getLivePresence(w, r, user)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getLastPresence(w http.ResponseWriter, r *http.Request, user string) {
	// Never a 404: an unobserved user yields the zero snapshot.
	snap, err := presence.Last(r.Context(), a.store, user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "snapshot lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) getLivePresence(w http.ResponseWriter, r *http.Request, user string) {
	snap, err := a.pipeline.Live(r.Context(), user)
	switch {
	case errors.Is(err, presence.ErrUnknownSubscriber):
		writeError(w, r, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, r, http.StatusBadGateway, "live presence fetch failed")
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}
