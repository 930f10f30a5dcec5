package httpapi

import (
	"net/http"
	"strings"
)

func (a *API) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	authURL, _, err := a.enroll.Start(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not start enrollment")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthEnd receives the issuer's form_post callback carrying the
// authorization code and the transient identity in the OAuth state.
func (a *API) handleAuthEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed form body")
		return
	}
	code := strings.TrimSpace(r.Form.Get("code"))
	state := strings.TrimSpace(r.Form.Get("state"))
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	if state == "" {
		writeError(w, r, http.StatusBadRequest, "state is required")
		return
	}

	sub, err := a.enroll.Complete(r.Context(), state, code)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "authentication successful! we'll start polling your presence and notify your subscribers",
		"upn":     sub.UPN,
	})
}
