package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// connectAttempts bounds the startup retry loops below.
const connectAttempts = 5

// ConnectRedis opens a client for RedisAddress and returns it with a lock
// client on top. It retries with exponential backoff and gives up after a
// few attempts so a missing Redis never blocks startup forever.
func ConnectRedis(ctx context.Context, cfg *Config, logger *logrus.Logger) (*redis.Client, *redislock.Client, error) {
	if cfg.RedisAddress == "" {
		return nil, nil, errors.New("REDIS_ADDRESS not set")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		DB:       0,
		PoolSize: 10,
	})

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			logger.WithFields(logrus.Fields{"module": "config", "addr": cfg.RedisAddress, "attempt": attempt}).
				Info("connected to redis")
			return rdb, redislock.New(rdb), nil
		}

		sleep := backoff(attempt)
		logger.WithFields(logrus.Fields{"module": "config", "addr": cfg.RedisAddress, "attempt": attempt}).
			WithError(err).Warnf("failed to connect redis, retrying in %s", sleep)
		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	rdb.Close()
	return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
}

// ConnectPubSub creates a Pub/Sub client for PubSubProjectID, using
// PUBSUB_CREDENTIALS_JSON when set and Application Default Credentials
// otherwise.
func ConnectPubSub(ctx context.Context, cfg *Config, logger *logrus.Logger) (*pubsub.Client, error) {
	if cfg.PubSubProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID not set")
	}

	var opts []option.ClientOption
	if cfg.PubSubCredJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.PubSubCredJSON)))
	}

	var (
		client *pubsub.Client
		err    error
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err = pubsub.NewClient(ctx, cfg.PubSubProjectID, opts...)
		if err == nil {
			logger.WithFields(logrus.Fields{"module": "config", "project_id": cfg.PubSubProjectID, "attempt": attempt}).
				Info("pubsub client ready")
			return client, nil
		}

		sleep := backoff(attempt)
		logger.WithFields(logrus.Fields{"module": "config", "project_id": cfg.PubSubProjectID, "attempt": attempt}).
			WithError(err).Warnf("failed to init pubsub client, retrying in %s", sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("connect pubsub %s: %w", cfg.PubSubProjectID, err)
}

// EnsureTopic returns topicID, creating it if it does not exist.
func EnsureTopic(ctx context.Context, client *pubsub.Client, topicID string) (*pubsub.Topic, error) {
	if topicID == "" {
		return nil, errors.New("topic is required")
	}
	t := client.Topic(topicID)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = client.CreateTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topicID, err)
	}
	return t, nil
}

func backoff(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
