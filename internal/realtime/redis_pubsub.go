package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/models"
)

const (
	channelPrefix = "consult:session:"
	eventTTL      = 5 * time.Second
)

// changePayload is published to Redis when a session's status changes on some instance.
type changePayload struct {
	Origin    string               `json:"origin"`
	SessionID uuid.UUID            `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	At        int64                `json:"at"`
}

// RedisPubSub tells other relay instances about lifecycle changes so their cached read
// models do not go stale.
type RedisPubSub struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session changes.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, origin: uuid.NewString(), logger: logger}
}

// PublishSessionChanged publishes a change to the session's Redis channel.
func (r *RedisPubSub) PublishSessionChanged(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus) error {
	body, err := json.Marshal(changePayload{Origin: r.origin, SessionID: sessionID, Status: status, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+sessionID.String(), body).Err()
}

// SubscribeSessionChanges calls handler for changes published by other instances.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeSessionChanges(handler func(sessionID uuid.UUID, status models.SessionStatus)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p changePayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Warn("bad session change payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if p.Origin == r.origin || !strings.HasSuffix(msg.Channel, p.SessionID.String()) {
					continue
				}
				handler(p.SessionID, p.Status)
			}
		}
	}()
	return cancelCtx, nil
}
