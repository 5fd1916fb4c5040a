package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/stream"
)

const keepAliveInterval = 25 * time.Second

// Stream serves lifecycle events as Server-Sent Events. Citizens only receive
// events about their own complaints.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		respondError(w, r, apperr.New(apperr.CodeUnavailable, "streaming disabled"))
		return
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, apperr.New(apperr.CodeInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var scope stream.Scope
	if id.Role != auth.RoleOfficer {
		scope.CitizenID = id.UserID
	}
	ch := a.stream.Subscribe(r.Context(), scope)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		}
	}
}
