// Package fanout relays live events between server instances over Redis
// pub/sub, so a recipient connected to any instance receives them.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mentorchat/internal/models"
)

const DefaultChannel = "chat:events"

// Deliverer hands an event to the connections held by this instance.
// *websocket.Hub implements it.
type Deliverer interface {
	Publish(ctx context.Context, recipients []int64, event models.WebSocketMessage) error
}

type envelope struct {
	Origin     string          `json:"origin"`
	Recipients []int64         `json:"recipients"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Relay publishes every event to a Redis channel and delivers what it
// receives from that channel locally. The publishing instance also receives
// its own events, so it never delivers directly.
type Relay struct {
	rdb      *redis.Client
	local    Deliverer
	channel  string
	instance string
	ready    chan struct{}
	logger   *slog.Logger
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func NewRelay(rdb *redis.Client, local Deliverer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	instance := uuid.NewString()
	return &Relay{
		rdb:      rdb,
		local:    local,
		channel:  DefaultChannel,
		instance: instance,
		ready:    make(chan struct{}),
		logger:   logger.With("component", "fanout", "instance", instance),
	}
}

func (r *Relay) Publish(ctx context.Context, recipients []int64, event models.WebSocketMessage) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event.Type, err)
	}
	data, err := json.Marshal(envelope{
		Origin:     r.instance,
		Recipients: recipients,
		Type:       event.Type,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by Redis.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run consumes the channel until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	close(r.ready)
	r.logger.Info("relay_subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("bad_envelope", "error", err)
				continue
			}
			event := models.WebSocketMessage{Type: env.Type, Payload: env.Payload}
			if err := r.local.Publish(ctx, env.Recipients, event); err != nil {
				r.logger.Warn("local_delivery_failed", "type", env.Type, "origin", env.Origin, "error", err)
			}
		}
	}
}
