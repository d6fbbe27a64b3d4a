package handlers

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iago/jobbroker/internal/jobid"
)

const (
	// Time allowed to write a frame to the follower.
	followWriteWait = 10 * time.Second

	// Time allowed to read the next pong from the follower.
	followPongWait = 60 * time.Second

	// Must be less than followPongWait.
	followPingPeriod = (followPongWait * 9) / 10

	// Followers only send control frames.
	followReadLimit = 512
)

var outputSeparator = []byte("\n")

var followUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (api *API) AppendOutput(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDParam(r)
	if !jobid.Valid(jobID) {
		writeError(w, r, http.StatusBadRequest, "invalid_job_id", "job_id must be a canonical UUID")
		return
	}
	chunk, ok := readBody(w, r, maxOutputChunkBytes)
	if !ok {
		return
	}
	if err := api.output.Append(r.Context(), jobID, chunk); err != nil {
		api.writeServiceError(w, r, "append output", err)
		return
	}
	writeOK(w)
}

// DrainOutput returns everything appended since the last drain, one chunk
// per line. 204 means nothing new.
func (api *API) DrainOutput(w http.ResponseWriter, r *http.Request) {
	chunks, err := api.output.Drain(r.Context(), jobIDParam(r))
	if err != nil {
		api.writeServiceError(w, r, "drain output", err)
		return
	}
	if len(chunks) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bytes.Join(chunks, outputSeparator))
}

// FollowOutput upgrades to a websocket and pushes each non-empty drain as a
// text frame until the peer disconnects. It consumes the stream exactly like
// DrainOutput does, so it should not be mixed with HTTP polling for the same
// job.
func (api *API) FollowOutput(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDParam(r)
	if !jobid.Valid(jobID) {
		writeError(w, r, http.StatusBadRequest, "invalid_job_id", "job_id must be a canonical UUID")
		return
	}

	conn, err := followUpgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Printf("follow output upgrade failed job_id=%s: %v", jobID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	poll := time.NewTicker(api.followInterval)
	defer poll.Stop()
	ping := time.NewTicker(followPingPeriod)
	defer ping.Stop()

	if !api.forwardOutput(ctx, conn, jobID) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(followWriteWait),
			)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(followWriteWait)); err != nil {
				return
			}
		case <-poll.C:
			if !api.forwardOutput(ctx, conn, jobID) {
				return
			}
		}
	}
}

// forwardOutput drains once and writes the result. It reports whether the
// follower should keep going.
func (api *API) forwardOutput(ctx context.Context, conn *websocket.Conn, jobID string) bool {
	chunks, err := api.output.Drain(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		api.logger.Printf("follow output drain failed job_id=%s: %v", jobID, err)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "drain failed"),
			time.Now().Add(followWriteWait),
		)
		return false
	}
	if len(chunks) == 0 {
		return true
	}

	_ = conn.SetWriteDeadline(time.Now().Add(followWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, bytes.Join(chunks, outputSeparator)); err != nil {
		api.logger.Printf("follow output lost %d chunks job_id=%s: %v", len(chunks), jobID, err)
		return false
	}
	return true
}

// readUntilClosed services pings and close frames; any read error means the
// follower is gone.
func readUntilClosed(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(followReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(followPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(followPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
