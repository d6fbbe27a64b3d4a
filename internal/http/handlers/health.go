package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (api *API) Version(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "jobbroker "+api.version)
}
