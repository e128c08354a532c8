package remote

import (
	"context"

	"github.com/jogardn/gpedidos/internal/circuitbreaker"
	"github.com/jogardn/gpedidos/pkg/models"
)

// Guarded routes every repository call through a circuit breaker, so a dead
// database fails fast instead of stacking up requests.
type Guarded struct {
	repo    Repository
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuarded(repo Repository, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{repo: repo, breaker: breaker}
}

var _ Repository = (*Guarded)(nil)

func (g *Guarded) List(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		orders, err = g.repo.List(ctx)
		return err
	})
	return orders, err
}

func (g *Guarded) Insert(ctx context.Context, draft models.Draft) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.repo.Insert(ctx, draft)
	})
}

func (g *Guarded) Update(ctx context.Context, id int64, patch models.Patch) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.repo.Update(ctx, id, patch)
	})
}

func (g *Guarded) Delete(ctx context.Context, id int64) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.repo.Delete(ctx, id)
	})
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}
