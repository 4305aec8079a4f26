// Package stream is the real-time fan-out fabric: a message-bus consumer
// multiplexing topic messages to per-connection WebSocket and SSE queues.
package stream

// TopicInfo describes one subscribable bus topic and the entitlement
// resource/action a subscriber must hold.
type TopicInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
}

// Topics is the catalog of known bus topics. Subscriptions to anything
// else are refused.
var Topics = map[string]TopicInfo{
	"pricing.updates.v1": {
		Name:        "pricing.updates.v1",
		Description: "Live instrument price updates",
		Resource:    "pricing",
		Action:      "read",
	},
	"curves.updates.v1": {
		Name:        "curves.updates.v1",
		Description: "Forward curve recalculations",
		Resource:    "curves",
		Action:      "read",
	},
	"products.updates.v1": {
		Name:        "products.updates.v1",
		Description: "Product reference data changes",
		Resource:    "products",
		Action:      "read",
	},
	"system.alerts.v1": {
		Name:        "system.alerts.v1",
		Description: "Platform operational alerts",
		Resource:    "system",
		Action:      "read",
	},
	"task.events.v1": {
		Name:        "task.events.v1",
		Description: "Task workflow lifecycle events",
		Resource:    "task",
		Action:      "read",
	},
}

// TopicNames returns the catalog's topic names.
func TopicNames() []string {
	out := make([]string, 0, len(Topics))
	for name := range Topics {
		out = append(out, name)
	}
	return out
}
