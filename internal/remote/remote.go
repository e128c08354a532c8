// Package remote defines the contract of the remote order store and its
// implementations: PostgreSQL for storage and change notifications, and a
// circuit-breaker guard around any repository.
package remote

import (
	"context"

	"github.com/jogardn/gpedidos/pkg/models"
)

// Repository is the query and mutation half of the remote store.
type Repository interface {
	// List returns every order, newest (highest id) first.
	List(ctx context.Context) ([]models.Order, error)
	// Insert stores a fully defaulted draft. The id is assigned by the store.
	Insert(ctx context.Context, draft models.Draft) error
	Update(ctx context.Context, id int64, patch models.Patch) error
	Delete(ctx context.Context, id int64) error
}

// Handler receives change events one at a time.
type Handler func(models.ChangeEvent)

type Subscription interface {
	Unsubscribe() error
}

// Feed is the change-notification half of the remote store.
type Feed interface {
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
}

type Client interface {
	Repository
	Feed
}

// Join combines a repository with a feed from a different transport, e.g.
// PostgreSQL for queries and Kafka for notifications.
func Join(repo Repository, feed Feed) Client {
	return joined{Repository: repo, Feed: feed}
}

type joined struct {
	Repository
	Feed
}
