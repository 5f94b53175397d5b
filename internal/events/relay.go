package events

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const relayChannel = "weft:events"

// envelope wraps an event with the originating node so a node never
// re-delivers its own mirrored events.
type envelope struct {
	NodeID string `json:"node_id"`
	Event  Event  `json:"event"`
}

// Relay mirrors locally published events onto a Redis pub/sub channel and
// replays events published by other nodes into the local publisher, so
// subscribers can connect to any node. Best-effort like the publisher
// itself: Redis being down degrades to single-node delivery, never errors.
type Relay struct {
	rdb    *redis.Client
	pub    *Publisher
	nodeID string
}

func NewRelay(rdb *redis.Client, pub *Publisher, nodeID string) *Relay {
	r := &Relay{rdb: rdb, pub: pub, nodeID: nodeID}
	pub.SetMirror(r.mirror)
	return r
}

func (r *Relay) mirror(ev Event) {
	data, err := json.Marshal(envelope{NodeID: r.nodeID, Event: ev})
	if err != nil {
		log.Printf("events: relay marshal: %v", err)
		return
	}
	if err := r.rdb.Publish(context.Background(), relayChannel, data).Err(); err != nil {
		log.Printf("events: relay publish: %v", err)
	}
}

// Run consumes the relay channel until ctx is cancelled. Call in its own
// goroutine.
func (r *Relay) Run(ctx context.Context) {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("events: relay decode: %v", err)
				continue
			}
			if env.NodeID == r.nodeID {
				continue
			}
			r.pub.deliver(env.Event.OwnerID, env.Event)
		}
	}
}
