package queue

import "encoding/json"

// Task is what we push to Redis Streams. URL names the operation the payload is for.
type Task struct {
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
}
