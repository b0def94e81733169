// Package kafkasource is the concrete messagepipeline.CommittableSource
// backing the at-least-once consumer stream for KAFKA connections: a
// sarama consumer-group that only marks a message consumed once the
// at-least-once stream has signalled downstream success, never on receipt.
package kafkasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/jimmy777/ditto-connectivity/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// Config holds the Kafka connection settings a Consumer needs.
type Config struct {
	Brokers       []string
	Topics        []string
	ConsumerGroup string
	ClientID      string
	Version       string
}

// Consumer implements messagepipeline.CommittableSource over a sarama
// consumer group. Each delivered record carries a Commit function bound to
// that specific message and consumer-group session; calling it marks the
// message consumed via session.MarkMessage. Offsets are never marked on
// receipt: only the at-least-once stream's commit stage calls Commit,
// after the downstream sink has acknowledged the record.
type Consumer struct {
	cfg    Config
	group  sarama.ConsumerGroup
	logger zerolog.Logger

	records  chan messagepipeline.CommittableRecord
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConsumer dials cfg.Brokers and creates a consumer group; it does not
// begin consuming until Start is called.
func NewConsumer(cfg Config, logger zerolog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group cannot be empty")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka topics cannot be empty")
	}

	version := sarama.V2_8_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version %q: %w", cfg.Version, err)
		}
		version = v
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = version
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Net.DialTimeout = 10 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	return &Consumer{
		cfg:     cfg,
		group:   group,
		logger:  logger.With().Str("component", "kafkasource.Consumer").Logger(),
		records: make(chan messagepipeline.CommittableRecord, 256),
		done:    make(chan struct{}),
	}, nil
}

// Records returns the channel messagepipeline.AtLeastOnceStream pumps from.
func (c *Consumer) Records() <-chan messagepipeline.CommittableRecord {
	return c.records
}

// Start launches the consumer-group session loop in a background goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	handler := &groupHandler{consumer: c}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if runCtx.Err() != nil {
				return
			}
			if err := c.group.Consume(runCtx, c.cfg.Topics, handler); err != nil {
				c.logger.Warn().Err(err).Msg("consumer group session ended with error, retrying")
				select {
				case <-runCtx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.Error().Err(err).Msg("kafka consumer group error")
		}
	}()

	return nil
}

// Stop cancels the session loop, waits for it to exit, and closes the
// consumer group and the records channel.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		waitDone := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if err := c.group.Close(); err != nil && stopErr == nil {
			stopErr = fmt.Errorf("closing kafka consumer group: %w", err)
		}
		close(c.records)
		close(c.done)
	})
	return stopErr
}

// Done returns a channel closed once Stop has fully torn the consumer down.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// groupHandler implements sarama.ConsumerGroupHandler, converting each
// claimed message into a messagepipeline.CommittableRecord whose Commit
// closure calls session.MarkMessage for that exact message.
type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := messagepipeline.CommittableRecord{
				MessageData: messagepipeline.MessageData{
					ID:          fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
					Payload:     msg.Value,
					PublishTime: msg.Timestamp,
				},
				Attributes: headerMap(msg.Headers, msg.Topic),
				PartitionOffset: messagepipeline.PartitionOffset{
					Partition: msg.Partition,
					Offset:    msg.Offset,
				},
				Commit: func() error {
					session.MarkMessage(msg, "")
					return nil
				},
			}
			select {
			case h.consumer.records <- rec:
			case <-session.Context().Done():
				return nil
			}
		}
	}
}

// headerMap flattens a record's Kafka headers into a plain string map and
// adds the source topic under "kafka_topic", so downstream mapping-rule
// resolution can route a record to the connection.Source it arrived on.
func headerMap(headers []*sarama.RecordHeader, topic string) map[string]string {
	m := make(map[string]string, len(headers)+1)
	for _, h := range headers {
		m[string(h.Key)] = string(h.Value)
	}
	m["kafka_topic"] = topic
	return m
}
