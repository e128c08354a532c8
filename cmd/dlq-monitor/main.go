package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/gpedidos/internal/config"
	"github.com/jogardn/gpedidos/internal/events"
	"github.com/jogardn/gpedidos/internal/logging"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.MustLoad()

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create logger")
	}

	// Create consumer for DLQ monitoring
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(strings.Split(cfg.Kafka.Brokers, ","), "dlq-monitor-group", saramaConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := &dlqHandler{logger: logger}

	go func() {
		for {
			if err := consumer.Consume(ctx, []string{events.ChangesDLQTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.WithError(err).Error("Error consuming from DLQ")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	logger.WithField("topic", events.ChangesDLQTopic).Info("DLQ monitor started")

	<-ctx.Done()
	logger.Info("Shutting down DLQ monitor...")
}

type dlqHandler struct {
	logger *logrus.Logger
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		record, err := events.ReadDLQRecord(message)
		if err != nil {
			h.logger.WithError(err).WithField("offset", message.Offset).Warn("DLQ message without readable metadata")
		}

		h.logger.WithFields(logrus.Fields{
			"topic":              message.Topic,
			"partition":          message.Partition,
			"offset":             message.Offset,
			"key":                record.Key,
			"original_topic":     record.Metadata.OriginalTopic,
			"original_partition": record.OriginalPartition,
			"original_offset":    record.OriginalOffset,
			"error_message":      record.Metadata.ErrorMessage,
		}).Warn("DLQ message detected")

		fmt.Printf("\n=== DLQ Message ===\n")
		fmt.Printf("Time: %s\n", time.Now().Format(time.RFC3339))
		fmt.Printf("Failed At: %s\n", record.Metadata.FailureTime.Format(time.RFC3339))
		fmt.Printf("Order Key: %s\n", record.Key)
		fmt.Printf("Source: %s[%s]@%s\n", record.Metadata.OriginalTopic, record.OriginalPartition, record.OriginalOffset)
		fmt.Printf("Error: %s\n", record.Metadata.ErrorMessage)
		fmt.Printf("Payload: %s\n", record.Payload)
		fmt.Printf("==================\n\n")

		session.MarkMessage(message, "")
	}
	return nil
}
