package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/iago/jobbroker/internal/jobid"
)

func (api *API) WriteResult(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDParam(r)
	if !jobid.Valid(jobID) {
		writeError(w, r, http.StatusBadRequest, "invalid_job_id", "job_id must be a canonical UUID")
		return
	}
	body, ok := readBody(w, r, maxResultBytes)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "result must be JSON")
		return
	}
	if err := api.results.WriteResult(r.Context(), jobID, body); err != nil {
		api.writeServiceError(w, r, "write result", err)
		return
	}
	writeOK(w)
}

func (api *API) ReadResult(w http.ResponseWriter, r *http.Request) {
	record, err := api.results.ReadResult(r.Context(), jobIDParam(r))
	if err != nil {
		api.writeServiceError(w, r, "read result", err)
		return
	}
	writeRawJSON(w, http.StatusOK, record)
}
