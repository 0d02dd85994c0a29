package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
)

const DefaultChannelPrefix = "property-ledger:"

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifier publishes notifications as JSON on <prefix><topic>.
type RedisNotifier struct {
	client publisher
	prefix string
}

var _ ports.Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

func (n *RedisNotifier) Notify(ctx context.Context, msg ports.Notification) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.prefix+msg.Topic, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

var _ ports.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg ports.Notification) error {
	n.logger.Info("notification",
		zap.String("topic", msg.Topic),
		zap.String("entity_id", msg.EntityID),
		zap.String("actor_id", msg.ActorID),
		zap.String("message", msg.Message),
		zap.Any("metadata", msg.Metadata),
	)
	return nil
}
