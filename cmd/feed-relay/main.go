// Command feed-relay republishes PostgreSQL change notifications on Kafka,
// so order services can use the kafka feed instead of holding a LISTEN
// connection each.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/gpedidos/internal/config"
	"github.com/jogardn/gpedidos/internal/events"
	"github.com/jogardn/gpedidos/internal/logging"
	"github.com/jogardn/gpedidos/internal/remote"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.MustLoad()

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create logger")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Feed relay stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := remote.OpenDB(ctx, cfg.DSN, cfg.LogQueries, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	pg, err := remote.NewPostgres(db, cfg.DSN, logger,
		remote.WithReconnectInterval(cfg.Listener.MinReconnect, cfg.Listener.MaxReconnect),
		remote.WithReconnectHandler(func() {
			logger.Warn("Listener reconnected, notifications sent while it was down were not relayed")
		}),
	)
	if err != nil {
		return err
	}

	syncProducer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	producer := events.NewKafkaProducer(syncProducer, cfg.Kafka.Source, logger)
	defer producer.Close()

	sub, err := pg.Subscribe(ctx, func(event models.ChangeEvent) {
		if err := producer.PublishChange(event); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"kind":     event.Kind,
				"order_id": event.Record.ID,
			}).Error("Failed to relay change")
		}
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"channel": remote.ChangeChannel,
		"topic":   events.ChangesTopic,
	}).Info("Feed relay started")

	<-ctx.Done()

	logger.Info("Shutting down feed relay...")
	return sub.Unsubscribe()
}
