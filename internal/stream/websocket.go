package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commodix/access-layer/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 256 * 1024
)

// Authenticator verifies a streaming token and returns the identity.
type Authenticator func(ctx context.Context, token string) (*auth.UserInfo, error)

// wsClient is one active WebSocket connection. All writes flow through
// the registry queue into writePump; readPump owns all reads.
type wsClient struct {
	fabric *Fabric
	conn   *Connection
	ws     *websocket.Conn
}

// clientMessage is the inbound JSON envelope.
type clientMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

var availableActions = []string{"subscribe", "unsubscribe", "ping", "list_topics", "get_stats"}

// HandleWebSocket upgrades the request, authenticates the query-string
// token, registers the connection, and starts the pumps.
func (f *Fabric) HandleWebSocket(authn Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		info, err := authn(r.Context(), token)
		if err != nil {
			http.Error(w, `{"code":"AUTHENTICATION_ERROR","message":"invalid streaming token"}`, http.StatusUnauthorized)
			return
		}

		conn, err := f.Registry.Add(TransportWS, info.Subject, info.Tenant, info.Roles)
		if err != nil {
			if errors.Is(err, ErrConnectionLimit) {
				http.Error(w, `{"code":"CONNECTION_LIMIT_EXCEEDED","message":"too many streaming connections"}`, http.StatusTooManyRequests)
				return
			}
			http.Error(w, `{"code":"INTERNAL_ERROR","message":"registration failed"}`, http.StatusInternalServerError)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			f.Registry.Remove(conn.ID)
			return
		}

		client := &wsClient{fabric: f, conn: conn, ws: ws}
		client.send(map[string]interface{}{
			"type":          "connection_established",
			"connection_id": conn.ID,
			"timestamp":     time.Now().UTC(),
			"user":          info.Subject,
			"tenant":        info.Tenant,
		})

		go client.writePump()
		go client.readPump()
	}
}

// send marshals a control frame onto the outbound queue.
func (c *wsClient) send(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal control frame", "error", err)
		return
	}
	c.conn.Enqueue(frame)
}

func (c *wsClient) close() {
	c.fabric.Registry.Remove(c.conn.ID)
	c.ws.Close()
}

// writePump is the only goroutine writing to the socket: queued frames,
// pings, and the close frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.conn.Queue():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Drain whatever queued up behind the first frame.
			n := len(c.conn.Queue())
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.conn.Queue()); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.conn.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump is the only goroutine reading from the socket. Protocol errors
// answer with an error envelope; they never close the connection.
func (c *wsClient) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.Touch()
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "connection_id", c.conn.ID, "error", err)
			}
			return
		}
		c.conn.Touch()

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.send(map[string]interface{}{"error": "invalid_json"})
			continue
		}
		c.handleAction(msg)
	}
}

func (c *wsClient) handleAction(msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		c.handleSubscribe(msg.Data)
	case "unsubscribe":
		c.handleUnsubscribe(msg.Data)
	case "ping":
		c.conn.Touch()
		c.send(map[string]interface{}{"action": "pong", "timestamp": time.Now().UTC()})
	case "list_topics":
		c.send(map[string]interface{}{
			"action":     "topics",
			"available":  TopicNames(),
			"subscribed": c.conn.SubscribedTopics(),
		})
	case "get_stats":
		c.send(map[string]interface{}{
			"action": "stats",
			"stats":  c.fabric.Registry.Stats(),
		})
	default:
		c.send(map[string]interface{}{
			"error":             "unknown_action",
			"available_actions": availableActions,
		})
	}
}

type subscribeRequest struct {
	Topics  []string          `json:"topics"`
	Filters map[string]Filter `json:"filters,omitempty"`
}

type topicFailure struct {
	Topic string `json:"topic"`
	Error string `json:"error"`
}

func (c *wsClient) handleSubscribe(data json.RawMessage) {
	var req subscribeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(map[string]interface{}{"error": "invalid_json"})
			return
		}
	}

	subscribed := []string{}
	failed := []topicFailure{}
	for _, topic := range req.Topics {
		filter := req.Filters[topic]
		if filter == nil {
			filter = Filter{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.fabric.Subscribe(ctx, c.conn, topic, filter)
		cancel()
		if err != nil {
			failed = append(failed, topicFailure{Topic: topic, Error: err.Error()})
			continue
		}
		subscribed = append(subscribed, topic)
	}

	c.send(map[string]interface{}{
		"action":     "subscribe_response",
		"subscribed": subscribed,
		"failed":     failed,
	})
}

func (c *wsClient) handleUnsubscribe(data json.RawMessage) {
	var req subscribeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(map[string]interface{}{"error": "invalid_json"})
			return
		}
	}

	unsubscribed := []string{}
	failed := []topicFailure{}
	for _, topic := range req.Topics {
		if err := c.fabric.Unsubscribe(c.conn, topic); err != nil {
			failed = append(failed, topicFailure{Topic: topic, Error: err.Error()})
			continue
		}
		unsubscribed = append(unsubscribed, topic)
	}

	c.send(map[string]interface{}{
		"action":       "unsubscribe_response",
		"unsubscribed": unsubscribed,
		"failed":       failed,
	})
}
