// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sentryproxy.dev/sentryproxy/internal/logging"
	"sentryproxy.dev/sentryproxy/internal/store"
)

// pubsubMessage is the envelope published on the shared channel. Origin
// carries the publishing replica's ID so a replica can ignore its own
// echoes when it receives its own message back.
type pubsubMessage struct {
	Origin    string            `json:"origin"`
	Node      *store.NodeRecord `json:"node,omitempty"`
	Endpoint  *EndpointPush     `json:"endpoint,omitempty"`
	Blacklist *BlacklistPush    `json:"blacklist,omitempty"`
}

// PubSub fans node registrations and endpoint/blacklist pushes out to
// every control-plane replica subscribed to the same Redis channel, so a
// replica that never saw a write directly still applies it immediately
// instead of waiting on its own poll cadence.
type PubSub struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewPubSub builds a PubSub over an existing Redis client.
func NewPubSub(client *redis.Client, channel string) *PubSub {
	if channel == "" {
		channel = "sentryproxy:fleet"
	}
	return &PubSub{
		client:  client,
		channel: channel,
		logger:  logging.Default().WithComponent("fleet.pubsub"),
	}
}

// NewRedisClient builds and connects a redis.Client from a connection URL
// such as redis://:password@host:6379/0, verifying reachability with a
// ping before returning so a bad configuration fails fast at startup.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("fleet: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("fleet: redis ping failed: %w", err)
	}
	return client, nil
}

func (p *PubSub) publish(ctx context.Context, msg pubsubMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("fleet: marshal pubsub message: %w", err)
	}
	return p.client.Publish(ctx, p.channel, body).Err()
}

// PublishNode announces a freshly registered node to every other replica.
func (p *PubSub) PublishNode(ctx context.Context, origin string, rec store.NodeRecord) error {
	return p.publish(ctx, pubsubMessage{Origin: origin, Node: &rec})
}

// PublishEndpoint announces an endpoint add/update/remove to every other
// replica.
func (p *PubSub) PublishEndpoint(ctx context.Context, origin string, push EndpointPush) error {
	return p.publish(ctx, pubsubMessage{Origin: origin, Endpoint: &push})
}

// PublishBlacklist announces a blacklist add/remove to every other
// replica.
func (p *PubSub) PublishBlacklist(ctx context.Context, origin string, push BlacklistPush) error {
	return p.publish(ctx, pubsubMessage{Origin: origin, Blacklist: &push})
}

// Subscribe listens on the shared channel until ctx is canceled,
// dispatching each remote message to the matching callback. Messages
// whose origin matches selfOrigin are dropped, since the publishing
// replica already applied the change locally before publishing it.
func (p *PubSub) Subscribe(ctx context.Context, selfOrigin string, onNode func(store.NodeRecord), onEndpoint func(EndpointPush), onBlacklist func(BlacklistPush)) {
	sub := p.client.Subscribe(ctx, p.channel)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg pubsubMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					p.logger.Warn("discarding malformed pubsub message", "error", err)
					continue
				}
				if msg.Origin == selfOrigin {
					continue
				}
				switch {
				case msg.Node != nil:
					onNode(*msg.Node)
				case msg.Endpoint != nil:
					onEndpoint(*msg.Endpoint)
				case msg.Blacklist != nil:
					onBlacklist(*msg.Blacklist)
				}
			}
		}
	}()
}
