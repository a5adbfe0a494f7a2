package session

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const eventChannel = "match_events"

// EventBridge fans match events out through Redis pub/sub so every
// instance's hub delivers them to the rooms it holds. With a single
// instance it is a loopback through Redis; the database never carries
// transient events.
type EventBridge struct {
	rdb *redis.Client
	hub *Hub
}

func NewEventBridge(rdb *redis.Client, hub *Hub) *EventBridge {
	return &EventBridge{rdb: rdb, hub: hub}
}

// Publish pushes one match event onto the shared channel.
func (b *EventBridge) Publish(matchID string, event map[string]interface{}) error {
	event["match_id"] = matchID
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), eventChannel, data).Err()
}

// Start subscribes to the event channel and relays each event to the
// local hub. Runs until ctx is cancelled.
func (b *EventBridge) Start(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, eventChannel)
	defer sub.Close()

	log.Println("[EVENTS] Subscribed to match event channel")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[EVENTS] Dropping malformed event: %v", err)
				continue
			}
			matchID, _ := event["match_id"].(string)
			if matchID == "" {
				log.Println("[EVENTS] Dropping event without match_id")
				continue
			}
			b.hub.Broadcast(matchID, event, nil)
		}
	}
}
