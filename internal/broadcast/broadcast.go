// Package broadcast republishes feed snapshots on Redis pub/sub channels so
// other dashboards can follow the simulation without polling the API.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/overwatch/internal/threatfeed"
	"github.com/linnemanlabs/overwatch/internal/tribunal"
)

const (
	DefaultPrefix    = "overwatch"
	DefaultQueueSize = 64
	publishTimeout   = 2 * time.Second
)

// Publisher is the subset of *redis.Client used here.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Options configures a Broadcaster.
type Options struct {
	Prefix    string
	QueueSize int
	Logger    log.Logger
}

type payload struct {
	channel string
	data    any
}

// Broadcaster queues feed updates and publishes them from Run, off the
// generator tick path. Publish failures are logged and never surfaced.
type Broadcaster struct {
	client Publisher
	prefix string
	logger log.Logger
	queue  chan payload
}

// New creates a Broadcaster on client.
func New(client Publisher, opts Options) *Broadcaster {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Broadcaster{
		client: client,
		prefix: opts.Prefix,
		logger: opts.Logger,
		queue:  make(chan payload, opts.QueueSize),
	}
}

// ThreatsChannel is where threat feed snapshots are published.
func (b *Broadcaster) ThreatsChannel() string { return b.prefix + ":threats" }

// TribunalChannel is where tribunal snapshots are published.
func (b *Broadcaster) TribunalChannel() string { return b.prefix + ":tribunal" }

// HandleThreats is a threat feed subscriber.
func (b *Broadcaster) HandleThreats(u threatfeed.Update) {
	b.enqueue(payload{channel: b.ThreatsChannel(), data: u.Snapshot})
}

// HandleTribunal is a tribunal subscriber.
func (b *Broadcaster) HandleTribunal(u tribunal.Update) {
	b.enqueue(payload{channel: b.TribunalChannel(), data: u.Snapshot})
}

func (b *Broadcaster) enqueue(p payload) {
	select {
	case b.queue <- p:
	default:
		b.logger.Warn(context.Background(), "broadcast queue full, dropping", "channel", p.channel)
	}
}

// Run publishes queued snapshots until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-b.queue:
			if err := b.publish(ctx, p); err != nil {
				b.logger.Error(ctx, err, "broadcast publish failed", "channel", p.channel)
			}
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, p payload) error {
	data, err := json.Marshal(p.data)
	if err != nil {
		return fmt.Errorf("broadcast: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("broadcast: publish %s: %w", p.channel, err)
	}
	return nil
}
