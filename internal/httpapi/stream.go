package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tagtrace.org/internal/station"
)

const sseKeepAlive = 25 * time.Second

// lockEvents streams lock transitions as Server-Sent Events. Passing
// supplier_code, plant_code and station_no limits the stream to one scope.
func (a *API) lockEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	var filter *station.Scope
	q := r.URL.Query()
	if q.Get("supplier_code") != "" || q.Get("plant_code") != "" || q.Get("station_no") != "" {
		sc, err := station.New(q.Get("supplier_code"), q.Get("plant_code"), q.Get("station_no"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter = &sc
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.events.Subscribe(ctx, filter)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			var b strings.Builder
			b.WriteString("event: lock\ndata: ")
			b.Write(payload)
			b.WriteString("\n\n")
			_, _ = w.Write([]byte(b.String()))
			flusher.Flush()
		}
	}
}
