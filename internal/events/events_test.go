package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func mockProducer(t *testing.T) *mocks.SyncProducer {
	return mocks.NewSyncProducer(t, newProducerConfig())
}

type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                          { return s.claims }
func (s *fakeSession) MemberID() string                                    { return "member" }
func (s *fakeSession) GenerationID() int32                                 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)             {}
func (s *fakeSession) Commit()                                             {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)            {}
func (s *fakeSession) Context() context.Context                            { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                              { return ChangesTopic }
func (c *fakeClaim) Partition() int32                           { return c.partition }
func (c *fakeClaim) InitialOffset() int64                       { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64                 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func changePayload(t *testing.T, kind models.ChangeKind, id int64) []byte {
	t.Helper()
	data, err := json.Marshal(ChangeMessage{
		Source: "test",
		Kind:   kind,
		Record: models.Order{ID: id, Client: "Ana", Price: decimal.NewFromInt(25)},
	})
	require.NoError(t, err)
	return data
}

func TestPublishChange(t *testing.T) {
	sp := mockProducer(t)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != ChangesTopic {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "7" {
			return errors.New("wrong key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		decoded, err := DecodeChangeMessage(value)
		if err != nil {
			return err
		}
		if decoded.Source != "feed-relay" || decoded.Kind != models.ChangeUpdate {
			return errors.New("unexpected envelope")
		}
		return nil
	})

	producer := NewKafkaProducer(sp, "feed-relay", quietLogger())
	err := producer.PublishChange(models.ChangeEvent{Kind: models.ChangeUpdate, Record: models.Order{ID: 7}})
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestPublishChangeFailure(t *testing.T) {
	sp := mockProducer(t)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewKafkaProducer(sp, "feed-relay", quietLogger())
	err := producer.PublishChange(models.ChangeEvent{Kind: models.ChangeInsert, Record: models.Order{ID: 1}})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, producer.Close())
}

func TestDecodeChangeMessage(t *testing.T) {
	msg, err := DecodeChangeMessage(changePayload(t, models.ChangeDelete, 4))
	require.NoError(t, err)
	assert.Equal(t, models.ChangeEvent{Kind: models.ChangeDelete, Record: msg.Record}, msg.Event())
	assert.Equal(t, int64(4), msg.Record.ID)

	_, err = DecodeChangeMessage([]byte(`{"kind":"UPSERT","record":{"id":1}}`))
	assert.Error(t, err)

	_, err = DecodeChangeMessage([]byte(`{"kind":"INSERT","record":{}}`))
	assert.Error(t, err)

	_, err = DecodeChangeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestConsumeClaimDeliversAndDeadLetters(t *testing.T) {
	sp := mockProducer(t)
	var dlqMessage *sarama.ProducerMessage
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		dlqMessage = msg
		return nil
	})

	var (
		mu       sync.Mutex
		received []models.ChangeEvent
	)
	counters := &consumerCounters{}
	h := &consumerGroupHandler{
		handler: func(ev models.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, ev)
		},
		dlq:      sp,
		logger:   quietLogger(),
		counters: counters,
	}

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Topic: ChangesTopic, Offset: 10, Key: []byte("1"), Value: changePayload(t, models.ChangeInsert, 1)}
	claim.messages <- &sarama.ConsumerMessage{Topic: ChangesTopic, Offset: 11, Key: []byte("x"), Value: []byte(`{"kind":"INSERT"`)}
	claim.messages <- &sarama.ConsumerMessage{Topic: ChangesTopic, Offset: 12, Key: []byte("1"), Value: changePayload(t, models.ChangeDelete, 1)}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, claim))

	mu.Lock()
	require.Len(t, received, 2)
	assert.Equal(t, models.ChangeInsert, received[0].Kind)
	assert.Equal(t, models.ChangeDelete, received[1].Kind)
	mu.Unlock()

	assert.Equal(t, []int64{10, 11, 12}, session.marked)
	assert.Equal(t, int64(3), counters.processed.Load())
	assert.Equal(t, int64(2), counters.delivered.Load())
	assert.Equal(t, int64(1), counters.dlq.Load())

	require.NotNil(t, dlqMessage)
	assert.Equal(t, ChangesDLQTopic, dlqMessage.Topic)

	// Read the dead letter back the way the monitor does.
	value, err := dlqMessage.Value.Encode()
	require.NoError(t, err)
	key, err := dlqMessage.Key.Encode()
	require.NoError(t, err)
	consumed := &sarama.ConsumerMessage{Key: key, Value: value}
	for i := range dlqMessage.Headers {
		consumed.Headers = append(consumed.Headers, &dlqMessage.Headers[i])
	}
	record, err := ReadDLQRecord(consumed)
	require.NoError(t, err)
	assert.Equal(t, "x", record.Key)
	assert.Equal(t, ChangesTopic, record.Metadata.OriginalTopic)
	assert.Equal(t, "11", record.OriginalOffset)
	assert.True(t, strings.HasPrefix(record.Metadata.ErrorMessage, "decode change message"))

	require.NoError(t, sp.Close())
}

func TestConsumeClaimStopsWithSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &consumerGroupHandler{
		handler:  func(models.ChangeEvent) {},
		dlq:      mockProducer(t),
		logger:   quietLogger(),
		counters: &consumerCounters{},
	}

	done := make(chan error, 1)
	go func() {
		done <- h.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{messages: make(chan *sarama.ConsumerMessage)})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after the session ended")
	}
}

// fakeGroup joins after delay and claims partitions of ChangesTopic the way
// a sarama session does. With stalled set it never finishes joining.
type fakeGroup struct {
	delay      time.Duration
	partitions []int32
	stalled    bool

	mu       sync.Mutex
	consumes int
	claimed  int
	closed   bool
	errs     chan error
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumes++
	g.mu.Unlock()

	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return nil
	}
	if g.stalled {
		<-ctx.Done()
		return nil
	}

	session := &fakeSession{ctx: ctx, claims: map[string][]int32{ChangesTopic: g.partitions}}
	if err := handler.Setup(session); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, p := range g.partitions {
		claim := &fakeClaim{partition: p, messages: make(chan *sarama.ConsumerMessage)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each claim resolves its offset before consuming.
			time.Sleep(g.delay)
			g.mu.Lock()
			g.claimed++
			g.mu.Unlock()
			handler.ConsumeClaim(session, claim)
		}()
	}
	wg.Wait()
	return handler.Cleanup(session)
}

func (g *fakeGroup) claimedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.claimed
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func TestSubscribeJoinsFreshGroupAndUnsubscribes(t *testing.T) {
	group := &fakeGroup{partitions: []int32{0}, errs: make(chan error)}
	var groupIDs []string
	feed, err := NewKafkaFeed("localhost:9092", "order-service", mockProducer(t), quietLogger(),
		WithGroupFactory(func(groupID string) (sarama.ConsumerGroup, error) {
			groupIDs = append(groupIDs, groupID)
			return group, nil
		}))
	require.NoError(t, err)

	sub, err := feed.Subscribe(context.Background(), func(models.ChangeEvent) {})
	require.NoError(t, err)

	require.Len(t, groupIDs, 1)
	assert.True(t, strings.HasPrefix(groupIDs[0], "order-service-"))
	group.mu.Lock()
	assert.Equal(t, 1, group.consumes)
	group.mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	group.mu.Lock()
	assert.True(t, group.closed)
	group.mu.Unlock()
}

func TestSubscribeWaitsForEveryPartition(t *testing.T) {
	group := &fakeGroup{delay: 50 * time.Millisecond, partitions: []int32{0, 1, 2}, errs: make(chan error)}
	feed, err := NewKafkaFeed("localhost:9092", "order-service", mockProducer(t), quietLogger(),
		WithGroupFactory(func(string) (sarama.ConsumerGroup, error) { return group, nil }))
	require.NoError(t, err)

	start := time.Now()
	sub, err := feed.Subscribe(context.Background(), func(models.ChangeEvent) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, 3, group.claimedCount())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSubscribeJoinTimeout(t *testing.T) {
	group := &fakeGroup{stalled: true, errs: make(chan error)}
	feed, err := NewKafkaFeed("localhost:9092", "order-service", mockProducer(t), quietLogger(),
		WithGroupFactory(func(string) (sarama.ConsumerGroup, error) { return group, nil }),
		WithJoinTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = feed.Subscribe(context.Background(), func(models.ChangeEvent) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not join")

	group.mu.Lock()
	assert.True(t, group.closed)
	group.mu.Unlock()
}

func TestSubscribeCancelledBeforeJoin(t *testing.T) {
	group := &fakeGroup{delay: time.Hour, partitions: []int32{0}, errs: make(chan error)}
	feed, err := NewKafkaFeed("localhost:9092", "order-service", mockProducer(t), quietLogger(),
		WithGroupFactory(func(string) (sarama.ConsumerGroup, error) { return group, nil }))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = feed.Subscribe(ctx, func(models.ChangeEvent) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	group.mu.Lock()
	assert.True(t, group.closed)
	group.mu.Unlock()
}

func TestSubscribeGroupFailure(t *testing.T) {
	feed, err := NewKafkaFeed("localhost:9092", "order-service", mockProducer(t), quietLogger(),
		WithGroupFactory(func(string) (sarama.ConsumerGroup, error) {
			return nil, sarama.ErrOutOfBrokers
		}))
	require.NoError(t, err)

	_, err = feed.Subscribe(context.Background(), func(models.ChangeEvent) {})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestMetrics(t *testing.T) {
	feed, err := NewKafkaFeed("localhost:9092", "svc", mockProducer(t), quietLogger())
	require.NoError(t, err)

	feed.counters.processed.Add(3)
	feed.counters.dlq.Add(1)

	assert.Equal(t, ConsumerMetrics{ProcessedCount: 3, DLQCount: 1}, feed.Metrics())
}
