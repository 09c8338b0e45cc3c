package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/config"
	"github.com/aliskhannn/webp-offload/internal/model"
)

// ErrDiscard marks handler errors for messages that can never succeed, such
// as undecodable events. They are committed and skipped.
var ErrDiscard = errors.New("discard message")

// client is the part of the wbf Kafka consumer used here.
type client interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
	Close() error
}

// assetHandler defines the interface for handling asset event messages.
type assetHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// Consumer reads asset events from Kafka and hands them to the handler.
type Consumer struct {
	client   client
	handler  assetHandler
	cfg      *config.Kafka
	strategy retry.Strategy
}

// New creates a new Consumer.
// - cfg: Kafka configuration struct
// - s: retry strategy for fetches and commits
// - h: handler for asset event messages
func New(
	cfg *config.Kafka,
	s retry.Strategy,
	h assetHandler,
) *Consumer {
	return newConsumer(wbfkafka.NewConsumer(cfg.Brokers, cfg.Topic, cfg.GroupID), cfg, s, h)
}

func newConsumer(cl client, cfg *config.Kafka, s retry.Strategy, h assetHandler) *Consumer {
	return &Consumer{
		client:   cl,
		handler:  h,
		cfg:      cfg,
		strategy: s,
	}
}

// Consume fetches messages until ctx is cancelled. A message is committed
// after the handler accepts or discards it; other failures are logged and
// left uncommitted for redelivery.
func (c *Consumer) Consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if err := c.client.Close(); err != nil {
			zlog.Logger.Err(err).Msg("failed to close consumer")
			return
		}
		zlog.Logger.Info().Msg("consumer closed")
	}()

	zlog.Logger.Info().
		Str("topic", c.cfg.Topic).
		Msg("starting consumer")

	for {
		if ctx.Err() != nil {
			zlog.Logger.Info().Msg("shutdown signal received, stopping consumer")
			return
		}

		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = c.client.Fetch(ctx)
			return fetchErr
		}, c.strategy)

		if err != nil {
			zlog.Logger.Err(err).Msg("failed to fetch message")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		c.handle(ctx, msg)
	}
}

// handle passes msg to the handler and commits it unless the handler failed
// with a retryable error. It reports whether msg was committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	log := zlog.Logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()
	if id, err := model.ParseAssetID(string(msg.Key)); err == nil {
		log = log.With().Int64("asset_id", int64(id)).Logger()
	}

	if err := c.handler.Handle(ctx, msg); err != nil {
		if !errors.Is(err, ErrDiscard) {
			log.Err(err).Msg("failed to process asset event")
			return false
		}
		log.Warn().Err(err).Msg("discarding asset event")
	}

	err := retry.Do(func() error {
		return c.client.Commit(ctx, msg)
	}, c.strategy)
	if err != nil {
		log.Err(err).Msg("failed to commit message after retries")
		return false
	}

	log.Info().Msg("message handled successfully")
	return true
}
