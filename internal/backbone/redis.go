package backbone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"deskrelay/pkg/interfaces"
)

// Options configure the Redis client
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Redis implements interfaces.Backbone over Redis publish/subscribe
type Redis struct {
	client *redis.Client
}

// NewRedis creates a client. No connection is made until first use.
func NewRedis(opts Options) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:        opts.Addr,
			Password:    opts.Password,
			DB:          opts.DB,
			DialTimeout: opts.DialTimeout,
		}),
	}
}

// Ping verifies the server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Publish sends payload on channel
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// PSubscribe subscribes to pattern and waits for the server's confirmation
func (r *Redis) PSubscribe(ctx context.Context, pattern string) (interfaces.Subscription, error) {
	if pattern == "" {
		return nil, ErrEmptyChannel
	}

	ps := r.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan interfaces.Delivery, 256),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Close releases the client's connection pool
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil && err != redis.ErrClosed {
		return err
	}
	return nil
}

type subscription struct {
	ps        *redis.PubSub
	out       chan interfaces.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// forward copies go-redis messages into the transport-neutral channel
func (s *subscription) forward() {
	defer close(s.out)

	for msg := range s.ps.Channel() {
		select {
		case s.out <- interfaces.Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan interfaces.Delivery {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
