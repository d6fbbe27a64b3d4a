package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/iago/jobbroker/internal/jobid"
)

const artifactFormField = "file"

// WriteArtifact stores the request body as the job's artifact. A
// multipart/form-data upload is read from its "file" field instead.
func (api *API) WriteArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDParam(r)
	if !jobid.Valid(jobID) {
		writeError(w, r, http.StatusBadRequest, "invalid_job_id", "job_id must be a canonical UUID")
		return
	}

	data, ok := api.readArtifactUpload(w, r)
	if !ok {
		return
	}
	if err := api.artifacts.WriteArtifact(r.Context(), jobID, data); err != nil {
		api.writeServiceError(w, r, "write artifact", err)
		return
	}
	api.logger.Printf("artifact stored job_id=%s bytes=%d", jobID, len(data))
	writeOK(w)
}

func (api *API) readArtifactUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return readBody(w, r, api.maxArtifactBytes)
	}

	// Leave room for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, api.maxArtifactBytes+1<<20)
	file, _, err := r.FormFile(artifactFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "artifact too large")
			return nil, false
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "missing 'file' form field")
		return nil, false
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	data, err := io.ReadAll(io.LimitReader(file, api.maxArtifactBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "failed to read artifact")
		return nil, false
	}
	if int64(len(data)) > api.maxArtifactBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "artifact too large")
		return nil, false
	}
	return data, true
}

func (api *API) ReadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDParam(r)
	data, err := api.artifacts.ReadArtifact(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, "read artifact", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": jobID + ".artifact"}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
