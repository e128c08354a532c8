package remote_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jogardn/gpedidos/internal/circuitbreaker"
	"github.com/jogardn/gpedidos/internal/remote"
	"github.com/jogardn/gpedidos/internal/remote/remotetest"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardedOpensAfterFailures(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	fake := remotetest.New()
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "orders-db",
		MaxFailures: 2,
		Timeout:     time.Minute,
	}, logger)
	guarded := remote.NewGuarded(fake, breaker)
	ctx := context.Background()

	down := errors.New("connection refused")
	fake.FailNext("list", down)
	_, err := guarded.List(ctx)
	assert.ErrorIs(t, err, down)

	fake.FailNext("insert", down)
	err = guarded.Insert(ctx, models.Draft{Client: "Ana", Product: "Lamp", Price: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, down)

	_, err = guarded.List(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, []string{"list", "insert"}, fake.Calls())
	assert.Equal(t, circuitbreaker.StateOpen, guarded.Breaker().State())
}

func TestJoinUsesSeparateFeed(t *testing.T) {
	repo := remotetest.New(models.Order{ID: 1, Client: "Ana", Product: "Lamp"})
	feed := remotetest.New()
	client := remote.Join(repo, feed)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, func(models.ChangeEvent) {})
	require.NoError(t, err)
	assert.Equal(t, 1, feed.Subscribers())
	assert.Equal(t, 0, repo.Subscribers())

	orders, err := client.List(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, feed.Subscribers())
}
