package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/violations"
)

// KeepaliveInterval is how often an idle SSE stream sends a comment.
var KeepaliveInterval = 30 * time.Second

var sseLog = logger.For("SSE")

// useProtobuf reports whether the client asked for protobuf payloads.
func useProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// streamViolations streams pre-serialized violation events to an SSE client
// until the client leaves or the session's broadcaster closes.
func streamViolations(w http.ResponseWriter, r *http.Request, eventCh <-chan *violations.SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				// Session ended
				_, _ = fmt.Fprintf(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				sseLog.Debug("Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				sseLog.Debug("Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
