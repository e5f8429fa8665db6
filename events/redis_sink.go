package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes every event to a Redis pub/sub channel, grounded on
// control_plane/store/redis.go's *redis.Client construction. This
// repurposes the teacher's Redis dependency (there, a second store
// backend) into an optional remote observability sink per spec.md §9's
// "alternative sinks (stdout, remote collector, in-memory test spy)" note.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// wireEvent is the JSON shape published on the channel; the field names
// match the wire-stable event taxonomy in spec.md §6.2.
type wireEvent struct {
	TaskID    string                 `json:"task_id"`
	Timestamp int64                  `json:"ts"`
	Kind      string                 `json:"kind"`
	Severity  string                 `json:"severity"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewRedisSink connects to addr and returns a sink that publishes on
// channel. The connection is verified with a ping before returning.
func NewRedisSink(addr, password string, db int, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("events: redis sink connect: %w", err)
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (r *RedisSink) Publish(e Event) {
	payload, err := json.Marshal(wireEvent{
		TaskID:    e.TaskID,
		Timestamp: e.Timestamp.UnixMilli(),
		Kind:      string(e.Kind),
		Severity:  string(e.Severity),
		Fields:    e.Fields,
	})
	if err != nil {
		return // malformed fields must not crash the caller; dropped silently at this boundary only
	}
	// Best-effort: a remote sink outage must not block the scheduler.
	r.client.Publish(context.Background(), r.channel, payload)
}

// Close releases the underlying Redis connection.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
