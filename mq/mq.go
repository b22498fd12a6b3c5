// Package mq receives seafile server events from redis pub/sub channels.
package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/option"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Dispatcher handles one message. It must not block on failures.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel string, body []byte)
}

// Source is a live subscription.
type Source interface {
	Receive(ctx context.Context) (channel string, payload string, err error)
	Close() error
}

// Subscriber feeds every message of its channels to a Dispatcher, one at a
// time, reconnecting with exponential backoff when the subscription breaks.
type Subscriber struct {
	channels   []string
	dispatcher Dispatcher

	// Connect opens a subscription to channels.
	Connect    func(ctx context.Context, channels []string) (Source, error)
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewRedisClient creates a client from the [REDIS] options.
func NewRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", option.RedisHost, option.RedisPort),
		Password: option.RedisPasswd,
		DB:       option.RedisDB,
	})
}

// NewSubscriber creates a subscriber reading channels from client.
func NewSubscriber(client *redis.Client, dispatcher Dispatcher, channels ...string) *Subscriber {
	s := new(Subscriber)
	s.channels = channels
	s.dispatcher = dispatcher
	s.MinBackoff = defaultMinBackoff
	s.MaxBackoff = defaultMaxBackoff
	s.Connect = func(ctx context.Context, channels []string) (Source, error) {
		pubsub := client.Subscribe(ctx, channels...)
		// Wait for the confirmation so connection errors surface here.
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, err
		}
		return &redisSource{pubsub}, nil
	}
	return s
}

type redisSource struct {
	pubsub *redis.PubSub
}

func (s *redisSource) Receive(ctx context.Context) (string, string, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return "", "", err
	}
	return msg.Channel, msg.Payload, nil
}

func (s *redisSource) Close() error {
	return s.pubsub.Close()
}

// Run receives messages until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.MinBackoff
	for {
		src, err := s.Connect(ctx, s.channels)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("Failed to subscribe to %v: %v, retrying in %v", s.channels, err, backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, s.MaxBackoff)
			continue
		}

		log.Infof("Subscribed to %v", s.channels)
		backoff = s.MinBackoff
		err = s.receive(ctx, src)
		src.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("Lost subscription to %v: %v", s.channels, err)
	}
}

func (s *Subscriber) receive(ctx context.Context, src Source) error {
	for {
		channel, payload, err := src.Receive(ctx)
		if err != nil {
			return err
		}
		s.dispatcher.Dispatch(ctx, channel, []byte(payload))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
