package stream

import "time"

// Envelope is one bus message as delivered to subscribers.
type Envelope struct {
	Topic     string                 `json:"topic"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Partition int                    `json:"partition"`
	Offset    int64                  `json:"offset"`
}
