package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	ChangesTopic    = "orders.changes"
	ChangesDLQTopic = "orders.changes.dlq"
)

// ChangeMessage is the Kafka envelope of one order change.
type ChangeMessage struct {
	EventID   uuid.UUID         `json:"event_id"`
	EventTime time.Time         `json:"event_time"`
	Source    string            `json:"source"`
	Kind      models.ChangeKind `json:"kind"`
	Record    models.Order      `json:"record"`
}

func (m ChangeMessage) Event() models.ChangeEvent {
	return models.ChangeEvent{Kind: m.Kind, Record: m.Record}
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	source   string
	logger   *logrus.Logger
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

// NewSyncProducer connects a producer with the settings every publisher in
// this module uses.
func NewSyncProducer(brokers string) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
}

// NewKafkaProducer publishes on ChangesTopic. source identifies the relay in
// every message.
func NewKafkaProducer(producer sarama.SyncProducer, source string, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		source:   source,
		logger:   logger,
	}
}

// PublishChange keys the message by order id, so all changes of one order
// land on the same partition and keep their order.
func (p *KafkaProducer) PublishChange(event models.ChangeEvent) error {
	msg := ChangeMessage{
		EventID:   uuid.New(),
		EventTime: time.Now().UTC(),
		Source:    p.source,
		Kind:      event.Kind,
		Record:    event.Record,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: ChangesTopic,
		Key:   sarama.StringEncoder(strconv.FormatInt(event.Record.ID, 10)),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		p.logger.WithError(err).WithField("order_id", event.Record.ID).Error("Failed to send change to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     ChangesTopic,
		"partition": partition,
		"offset":    offset,
		"order_id":  event.Record.ID,
		"kind":      event.Kind,
		"event_id":  msg.EventID,
	}).Info("Change published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
