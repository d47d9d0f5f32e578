package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/spectraflow/server/internal/notify"
)

const keepAlivePeriod = 15 * time.Second

// eventsHandler streams bus notifications as server-sent events. The
// optional query params view and names (comma separated) filter the stream.
func eventsHandler(bus *notify.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		view := r.URL.Query().Get("view")
		names := make(map[string]bool)
		for _, n := range strings.Split(r.URL.Query().Get("names"), ",") {
			if n = strings.TrimSpace(n); n != "" {
				names[n] = true
			}
		}

		sub := bus.Subscribe(256)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepAlivePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				if n := sub.Dropped(); n > 0 {
					log.Printf("[Events] subscriber dropped %d events", n)
				}
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if view != "" && e.View != "" && e.View != view {
					continue
				}
				if len(names) > 0 && !names[e.Name] {
					continue
				}
				data, err := json.Marshal(e)
				if err != nil {
					log.Printf("[Events] failed to encode %s: %v", e.Name, err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
				flusher.Flush()
			}
		}
	}
}
