package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stitchhq/stitch/common/logger"
	"github.com/stitchhq/stitch/common/redis"
)

// Event type constants
const (
	TypeNodeCompleted = "node_completed"
	TypeNodeFailed    = "node_failed"
	TypeRunCompleted  = "run_completed"
	TypeRunFailed     = "run_failed"
	TypeUserInputDue  = "user_input_required"
)

// Event is a run lifecycle notification delivered over pub/sub so UIs can
// follow a run live without polling the store.
type Event struct {
	Type      string      `json:"type"`
	RunID     string      `json:"run_id"`
	NodeID    string      `json:"node_id,omitempty"`
	Status    string      `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher publishes run events to Redis channels. A nil *Publisher is
// safe; publishing becomes a no-op.
type Publisher struct {
	redis *redis.Client
	log   *logger.Logger
}

// NewPublisher creates an event publisher.
func NewPublisher(redisClient *redis.Client, log *logger.Logger) *Publisher {
	return &Publisher{redis: redisClient, log: log}
}

// Channel returns the pub/sub channel for a run.
func Channel(runID string) string {
	return fmt.Sprintf("stitch:events:%s", runID)
}

// Publish sends one event. Publish failures are logged and swallowed:
// notifications are best-effort and never affect run state.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p == nil || p.redis == nil {
		return
	}

	event.Timestamp = time.Now().Unix()

	raw, err := json.Marshal(event)
	if err != nil {
		p.log.Error("failed to marshal run event", "run_id", event.RunID, "error", err)
		return
	}

	if err := p.redis.PublishEvent(ctx, Channel(event.RunID), string(raw)); err != nil {
		p.log.Warn("failed to publish run event",
			"run_id", event.RunID,
			"type", event.Type,
			"error", err)
	}
}
