package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// SSEHandler streams events over Server-Sent Events. The optional "prefix"
// query parameter narrows the keys watched.
func SSEHandler(s *Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		prefix := r.URL.Query().Get("prefix")
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := s.Watch(ctx, prefix)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer s.Unwatch(prefix, ch)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for ev := range ch {
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams events as JSON text messages. The optional
// "prefix" query parameter narrows the keys watched.
func WebSocketHandler(s *Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		prefix := r.URL.Query().Get("prefix")
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := s.Watch(ctx, prefix)
		if err != nil {
			return
		}
		defer s.Unwatch(prefix, ch)

		// The read loop notices the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
