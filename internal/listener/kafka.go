package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

// GroupFactory creates a Kafka consumer group.
type GroupFactory func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)

// EventListener consumes JSON records from a Kafka topic as a member of a
// consumer group.
type EventListener struct {
	base
	newGroup GroupFactory
}

// NewEventListener creates a consumer for stage. A nil factory uses
// sarama.NewConsumerGroup.
func NewEventListener(stage *domain.StageDescriptor, factory GroupFactory, deps Deps) *EventListener {
	if factory == nil {
		factory = sarama.NewConsumerGroup
	}
	return &EventListener{base: newBase(stage, deps), newGroup: factory}
}

func (l *EventListener) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "provisioning-gateway"
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Run joins the group and consumes until ctx is done. Group creation and
// session errors are returned so the supervisor can restart the listener.
func (l *EventListener) Run(ctx context.Context) error {
	opts := l.stage.Listener
	group, err := l.newGroup(opts.Brokers, opts.GroupID, l.saramaConfig())
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			l.logger.Error("failed to close consumer group", slog.String("error", err.Error()))
		}
	}()

	go func() {
		for err := range group.Errors() {
			l.logger.Error("consumer group error", slog.String("error", err.Error()))
		}
	}()

	l.logger.Info("subscribed to Kafka topic",
		slog.String("topic", opts.Topic),
		slog.String("consumer_group", opts.GroupID),
	)

	for {
		err := group.Consume(ctx, []string{opts.Topic}, l)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %s: %w", opts.Topic, err)
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (l *EventListener) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (l *EventListener) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler. Every message is
// marked once handled, whether or not its dispatch succeeded.
func (l *EventListener) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			l.process(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (l *EventListener) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	var record map[string]any
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		l.fail(ctx, fmt.Errorf("decode message at %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err))
		l.observe("failed")
		return
	}
	l.handle(ctx, record)
}
