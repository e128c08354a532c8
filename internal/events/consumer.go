package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/jogardn/gpedidos/internal/remote"
	"github.com/sirupsen/logrus"
)

// GroupFactory opens a consumer group. Tests replace it.
type GroupFactory func(groupID string) (sarama.ConsumerGroup, error)

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed"`
	DeliveredCount int64 `json:"delivered"`
	DLQCount       int64 `json:"dlq"`
	FailureCount   int64 `json:"failures"`
}

type consumerCounters struct {
	processed atomic.Int64
	delivered atomic.Int64
	dlq       atomic.Int64
	failures  atomic.Int64
}

const defaultJoinTimeout = 30 * time.Second

// KafkaFeed delivers ChangesTopic messages as change events. Every
// subscription joins its own consumer group starting at the newest offset,
// so each running service sees every change once, from the moment it
// subscribed. Subscribe returns only after every partition is claimed, so a
// Load that follows it misses nothing.
type KafkaFeed struct {
	newGroup    GroupFactory
	groupPrefix string
	joinTimeout time.Duration
	dlq         sarama.SyncProducer
	logger      *logrus.Logger
	counters    consumerCounters
}

var _ remote.Feed = (*KafkaFeed)(nil)

type FeedOption func(*KafkaFeed)

func WithGroupFactory(factory GroupFactory) FeedOption {
	return func(f *KafkaFeed) { f.newGroup = factory }
}

// WithJoinTimeout bounds how long Subscribe waits for partition assignment.
func WithJoinTimeout(d time.Duration) FeedOption {
	return func(f *KafkaFeed) { f.joinTimeout = d }
}

func newConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_6_0_0
	return config
}

// NewKafkaFeed consumes from brokers. Malformed messages are forwarded to
// ChangesDLQTopic through dlq.
func NewKafkaFeed(brokers, groupPrefix string, dlq sarama.SyncProducer, logger *logrus.Logger, opts ...FeedOption) (*KafkaFeed, error) {
	if dlq == nil {
		return nil, errors.New("nil dependency: dlq producer")
	}
	if logger == nil {
		return nil, errors.New("nil dependency: logger")
	}

	brokerList := strings.Split(brokers, ",")
	f := &KafkaFeed{
		groupPrefix: groupPrefix,
		joinTimeout: defaultJoinTimeout,
		dlq:         dlq,
		logger:      logger,
		newGroup: func(groupID string) (sarama.ConsumerGroup, error) {
			return sarama.NewConsumerGroup(brokerList, groupID, newConsumerConfig())
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *KafkaFeed) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: f.counters.processed.Load(),
		DeliveredCount: f.counters.delivered.Load(),
		DLQCount:       f.counters.dlq.Load(),
		FailureCount:   f.counters.failures.Load(),
	}
}

func (f *KafkaFeed) Subscribe(ctx context.Context, handler remote.Handler) (remote.Subscription, error) {
	groupID := fmt.Sprintf("%s-%s", f.groupPrefix, uuid.NewString())
	group, err := f.newGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		group:  group,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h := &consumerGroupHandler{
		handler:  handler,
		dlq:      f.dlq,
		logger:   f.logger,
		counters: &f.counters,
		joined:   newJoinSignal(),
	}
	go f.consume(consumeCtx, sub, h)

	timer := time.NewTimer(f.joinTimeout)
	defer timer.Stop()

	select {
	case <-h.joined.ready:
	case <-ctx.Done():
		sub.Unsubscribe()
		return nil, ctx.Err()
	case <-sub.done:
		sub.Unsubscribe()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("consumer group %s stopped before joining", groupID)
	case <-timer.C:
		sub.Unsubscribe()
		return nil, fmt.Errorf("consumer group %s did not join within %s", groupID, f.joinTimeout)
	}

	f.logger.WithFields(logrus.Fields{
		"topic":    ChangesTopic,
		"group_id": groupID,
	}).Info("Subscribed to order change topic")
	return sub, nil
}

func (f *KafkaFeed) consume(ctx context.Context, sub *kafkaSubscription, h *consumerGroupHandler) {
	defer close(sub.done)

	for {
		// Consume returns on every rebalance; rejoin until cancelled.
		if err := sub.group.Consume(ctx, []string{ChangesTopic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			f.logger.WithError(err).Error("Error consuming from Kafka")
		}
		if ctx.Err() != nil {
			f.logger.Info("Kafka consumer context cancelled")
			return
		}
	}
}

type kafkaSubscription struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *kafkaSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.group.Close()
	})
	return s.err
}

// joinSignal closes ready once every partition of the first session has a
// running claim. A claim starts after its initial offset is resolved, so
// from then on no newer message can be skipped.
type joinSignal struct {
	mu      sync.Mutex
	pending int
	once    sync.Once
	ready   chan struct{}
}

func newJoinSignal() *joinSignal {
	return &joinSignal{ready: make(chan struct{})}
}

func (j *joinSignal) setup(claims map[string][]int32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = 0
	for _, partitions := range claims {
		j.pending += len(partitions)
	}
	if j.pending == 0 {
		j.once.Do(func() { close(j.ready) })
	}
}

func (j *joinSignal) claimed() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending--
	if j.pending <= 0 {
		j.once.Do(func() { close(j.ready) })
	}
}

type consumerGroupHandler struct {
	handler  remote.Handler
	dlq      sarama.SyncProducer
	logger   *logrus.Logger
	counters *consumerCounters
	joined   *joinSignal
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.WithField("claims", session.Claims()).Info("Kafka consumer group session setup")
	if h.joined != nil {
		h.joined.setup(session.Claims())
	}
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

// ConsumeClaim starts a consumer loop of ConsumerGroupClaim's Messages()
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	if h.joined != nil {
		h.joined.claimed()
	}
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.handleMessage(message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleMessage(message *sarama.ConsumerMessage) {
	h.counters.processed.Add(1)

	msg, err := DecodeChangeMessage(message.Value)
	if err != nil {
		h.counters.failures.Add(1)
		h.logger.WithError(err).WithFields(logrus.Fields{
			"partition": message.Partition,
			"offset":    message.Offset,
			"key":       string(message.Key),
		}).Warn("Malformed change message")

		if dlqErr := sendToDLQ(h.dlq, message, err); dlqErr != nil {
			h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
			return
		}
		h.counters.dlq.Add(1)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"event_id": msg.EventID,
		"kind":     msg.Kind,
		"order_id": msg.Record.ID,
		"offset":   message.Offset,
	}).Debug("Received change message")

	h.handler(msg.Event())
	h.counters.delivered.Add(1)
}

// DecodeChangeMessage parses and checks a ChangesTopic payload.
func DecodeChangeMessage(data []byte) (ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ChangeMessage{}, fmt.Errorf("decode change message: %w", err)
	}
	if msg.Record.ID <= 0 {
		return ChangeMessage{}, errors.New("decode change message: missing record id")
	}
	return msg, nil
}
