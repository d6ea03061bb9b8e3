package pulse

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/logger"
)

// broadcastChannel carries events with no subscriber
const broadcastChannel = "broadcast"

// NewRedisClient connects to the configured redis and verifies it with PING
func NewRedisClient(ctx context.Context, cfg am.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Addr)
	}
	return rdb, nil
}

// RedisPublisher publishes progress events on <prefix>:<subscriberId>
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisPublisher creates a publisher using channel prefix
func NewRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Channel returns the channel an event for subscriberID is published on
func (p *RedisPublisher) Channel(subscriberID string) string {
	if subscriberID == "" {
		subscriberID = broadcastChannel
	}
	return p.prefix + ":" + subscriberID
}

// Publish implements Publisher
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode progress event")
	}
	if err := p.rdb.Publish(ctx, p.Channel(ev.SubscriberID), data).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish progress for job %s", ev.JobID)
	}
	return nil
}

// RedisRelay delivers events published by other processes to bus until ctx
// is done. Events that originated on bus itself are skipped.
func RedisRelay(ctx context.Context, rdb *redis.Client, prefix string, bus *Bus, log *zap.SugaredLogger) error {
	pubsub := rdb.PSubscribe(ctx, prefix+":*")
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "failed to subscribe to %s:*", prefix)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warnw("Dropping malformed progress message", "channel", msg.Channel, logger.FieldError, err)
				continue
			}
			if ev.Origin == bus.ID() {
				continue
			}
			bus.PublishLocal(ev)
		}
	}
}
