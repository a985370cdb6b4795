// Package redis bridges a Redis pub/sub channel to a token.Watcher so that
// invalidation signals published by one process fire watcher-backed tokens in
// every subscribed replica. Cached values never cross the wire; only the
// "something changed" signal does.
package redis

import (
	"context"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/tokencache/token"
)

// Feed subscribes to a Redis channel and calls Watcher.Signal for every
// message received. Message payloads are ignored; receipt is the signal.
type Feed struct {
	sub       *goredis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// NewFeed subscribes client to channel and starts the receive loop.
// Close stops the loop and tears down the subscription.
func NewFeed(ctx context.Context, client goredis.UniversalClient, channel string, w *token.Watcher) (*Feed, error) {
	sub := client.Subscribe(ctx, channel)
	// force the SUBSCRIBE round-trip so a bad client/channel fails here,
	// not silently inside the loop
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	f := &Feed{sub: sub, done: make(chan struct{})}
	go f.loop(w)
	return f, nil
}

func (f *Feed) loop(w *token.Watcher) {
	defer close(f.done)
	for range f.sub.Channel() {
		w.Signal()
	}
}

// Close unsubscribes and waits for the receive loop to drain.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.sub.Close()
		<-f.done
	})
	return err
}

// Notify publishes an invalidation signal on channel. Every Feed subscribed
// to the same channel (this process included) fires its watcher epoch.
func Notify(ctx context.Context, client goredis.UniversalClient, channel string) error {
	return client.Publish(ctx, channel, "x").Err()
}
