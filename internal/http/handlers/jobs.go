package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/iago/jobbroker/internal/domain"
)

type submitResponse struct {
	JobID string `json:"job_id"`
}

// SubmitJob accepts any JSON object carrying job_queue and an optional
// job_id. Every other field is forwarded to the worker untouched.
func (api *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxJobBytes)
	if !ok {
		return
	}

	job, err := decodeJob(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "body must be a single JSON object")
		return
	}

	submission, err := api.jobs.Submit(r.Context(), job)
	if err != nil {
		api.writeServiceError(w, r, "submit job", err)
		return
	}
	api.logger.Printf("job submitted job_id=%s queue=%s state=%s", submission.JobID, job.Queue(), submission.State)
	writeJSON(w, http.StatusOK, submitResponse{JobID: submission.JobID})
}

// decodeJob keeps numbers as json.Number so large integers reach the worker
// unchanged, and rejects anything after the object.
func decodeJob(body []byte) (domain.Job, error) {
	var job domain.Job
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&job); err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.New("job is null")
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after job")
	}
	return job, nil
}

// ClaimJob pops one job from the first non-empty queue named by the repeated
// queue query parameter. 204 means nothing arrived before the claim timeout.
func (api *API) ClaimJob(w http.ResponseWriter, r *http.Request) {
	queues := r.URL.Query()["queue"]
	payload, ok, err := api.jobs.Claim(r.Context(), queues)
	if err != nil {
		api.writeServiceError(w, r, "claim job", err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRawJSON(w, http.StatusOK, payload)
}
