package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/gpedidos/internal/circuitbreaker"
	"github.com/jogardn/gpedidos/internal/comparison"
	"github.com/jogardn/gpedidos/internal/config"
	"github.com/jogardn/gpedidos/internal/events"
	"github.com/jogardn/gpedidos/internal/logging"
	"github.com/jogardn/gpedidos/internal/orders"
	"github.com/jogardn/gpedidos/internal/reconcile"
	"github.com/jogardn/gpedidos/internal/remote"
	"github.com/jogardn/gpedidos/internal/websocket"
	"github.com/sirupsen/logrus"
)

const serviceName = "order-service"

func main() {
	cfg := config.MustLoad()

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create logger")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Order service stopped")
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

	// Set once the store exists; the listener cannot reconnect before that.
	var store *reconcile.Store
	pg, err := remote.NewPostgres(db, cfg.DSN, logger,
		remote.WithReconnectInterval(cfg.Listener.MinReconnect, cfg.Listener.MaxReconnect),
		remote.WithReconnectHandler(func() {
			if store == nil {
				return
			}
			if err := store.Load(ctx); err != nil {
				logger.WithError(err).Warn("Reload after listener reconnect failed")
			}
		}),
	)
	if err != nil {
		return err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "orders-db",
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		MaxRequests: cfg.Breaker.MaxRequests,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}, logger)
	repo := remote.NewGuarded(pg, breaker)

	handlerOpts := []orders.Option{
		orders.WithRequestTimeout(cfg.HTTPServer.RequestTimeout),
		orders.WithHealthCheck("database", db.PingContext),
		orders.WithHealthDetail("circuit_breaker", func() any { return breaker.Metrics() }),
	}

	var client remote.Client
	switch cfg.FeedSource {
	case config.FeedKafka:
		dlq, err := events.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		defer dlq.Close()

		feed, err := events.NewKafkaFeed(cfg.Kafka.Brokers, cfg.Kafka.GroupPrefix, dlq, logger,
			events.WithJoinTimeout(cfg.Kafka.JoinTimeout))
		if err != nil {
			return err
		}
		client = remote.Join(repo, feed)
		handlerOpts = append(handlerOpts, orders.WithHealthDetail("kafka_feed", func() any { return feed.Metrics() }))
	default:
		client = remote.Join(repo, pg)
	}

	store, err = reconcile.New(client, logger)
	if err != nil {
		return err
	}
	if err := store.Start(ctx); err != nil {
		return err
	}
	defer store.Close()

	hub := websocket.NewHub(logger, cfg.HTTPServer.AllowedOrigins...)
	go hub.Run(ctx)
	cancelPush := orders.PublishSnapshots(store, hub, serviceName)
	defer cancelPush()

	analyzer, err := comparison.NewDataAnalyzer(repo, logger)
	if err != nil {
		return err
	}

	handler, err := orders.NewHandler(store, analyzer, logger, handlerOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      handler.Router(cfg.HTTPServer.AllowedOrigins, hub.HandleWebSocket),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.HTTPServer.Address,
			"feed":    cfg.FeedSource,
		}).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
	return nil
}
