package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const sseHeartbeatInterval = 30 * time.Second

// HandleSSE serves a server-sent-events stream. Topics come from the
// "topics" query parameter (comma separated); per-topic filters from an
// optional "filters" parameter holding a JSON object keyed by topic.
func (f *Fabric) HandleSSE(authn Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		info, err := authn(r.Context(), token)
		if err != nil {
			http.Error(w, `{"code":"AUTHENTICATION_ERROR","message":"invalid streaming token"}`, http.StatusUnauthorized)
			return
		}

		conn, err := f.Registry.Add(TransportSSE, info.Subject, info.Tenant, info.Roles)
		if err != nil {
			http.Error(w, `{"code":"CONNECTION_LIMIT_EXCEEDED","message":"too many streaming connections"}`, http.StatusTooManyRequests)
			return
		}
		defer f.Registry.Remove(conn.ID)

		filters := map[string]Filter{}
		if raw := r.URL.Query().Get("filters"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &filters); err != nil {
				http.Error(w, `{"code":"VALIDATION_ERROR","message":"filters must be a JSON object"}`, http.StatusBadRequest)
				return
			}
		}

		subscribed := []string{}
		for _, topic := range splitTopics(r.URL.Query().Get("topics")) {
			filter := filters[topic]
			if filter == nil {
				filter = Filter{}
			}
			if err := f.Subscribe(r.Context(), conn, topic, filter); err != nil {
				slog.Warn("sse subscribe rejected", "connection_id", conn.ID, "topic", topic, "error", err)
				continue
			}
			subscribed = append(subscribed, topic)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		writeSSEEvent(w, "connected", map[string]interface{}{
			"connection_id": conn.ID,
			"subscribed":    subscribed,
			"timestamp":     time.Now().UTC(),
		})
		flusher.Flush()

		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()

		// Liveness tracks successful writes: a peer that stops reading
		// fails the next write and gets reaped instead of touching its
		// own heartbeat forever.
		for {
			select {
			case frame := <-conn.Queue():
				if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
					return
				}
				flusher.Flush()
				conn.Touch()

			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
				conn.Touch()

			case <-r.Context().Done():
				return
			case <-conn.Done():
				return
			}
		}
	}
}

// sseSubscribeRequest modifies the topic set of a live SSE connection.
type sseSubscribeRequest struct {
	ConnectionID string            `json:"connection_id"`
	Topics       []string          `json:"topics"`
	Filters      map[string]Filter `json:"filters,omitempty"`
	Unsubscribe  bool              `json:"unsubscribe,omitempty"`
}

// HandleSSESubscribe adds or removes topics on an existing SSE connection,
// identified by the connection id handed out in the connected event. The
// caller must own the connection.
func (f *Fabric) HandleSSESubscribe(authn Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		info, err := authn(r.Context(), token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "invalid token")
			return
		}

		var req sseSubscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
			return
		}

		conn, ok := f.Registry.Get(req.ConnectionID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "VALIDATION_ERROR", "unknown connection")
			return
		}
		if conn.Subject != info.Subject {
			writeJSONError(w, http.StatusForbidden, "AUTHORIZATION_ERROR", "connection belongs to another subject")
			return
		}

		changed := []string{}
		failed := []topicFailure{}
		for _, topic := range req.Topics {
			var err error
			if req.Unsubscribe {
				err = f.Unsubscribe(conn, topic)
			} else {
				filter := req.Filters[topic]
				if filter == nil {
					filter = Filter{}
				}
				err = f.Subscribe(r.Context(), conn, topic, filter)
			}
			if err != nil {
				failed = append(failed, topicFailure{Topic: topic, Error: err.Error()})
				continue
			}
			changed = append(changed, topic)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connection_id": conn.ID,
			"topics":        changed,
			"failed":        failed,
			"subscribed":    conn.SubscribedTopics(),
		})
	}
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func writeSSEEvent(w http.ResponseWriter, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
