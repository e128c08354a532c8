package reconcile

import (
	"slices"
	"strings"

	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/jogardn/gpedidos/pkg/models"
)

// Snapshot is an immutable view of the collection. The backing slice is
// never written after the snapshot is taken.
type Snapshot struct {
	orders  []models.Order
	version uint64
}

// Version increases by one on every change to the collection.
func (s Snapshot) Version() uint64 { return s.version }

func (s Snapshot) Len() int { return len(s.orders) }

// Orders returns a copy, most recently known first.
func (s Snapshot) Orders() []models.Order {
	return slices.Clone(s.orders)
}

func (s Snapshot) Find(id int64) (models.Order, bool) {
	if i := indexOf(s.orders, id); i >= 0 {
		return s.orders[i], true
	}
	return models.Order{}, false
}

// Search keeps orders whose client or product contains term, ignoring case.
// An empty term matches everything.
func (s Snapshot) Search(term string) []models.Order {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return s.Orders()
	}
	out := make([]models.Order, 0)
	for _, o := range s.orders {
		if strings.Contains(strings.ToLower(o.Client), term) ||
			strings.Contains(strings.ToLower(o.Product), term) {
			out = append(out, o)
		}
	}
	return out
}

// Select returns the orders with the given ids in the given order.
func (s Snapshot) Select(ids []int64) ([]models.Order, error) {
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		o, ok := s.Find(id)
		if !ok {
			return nil, &errs.NotFoundError{ID: id}
		}
		out = append(out, o)
	}
	return out, nil
}

func indexOf(orders []models.Order, id int64) int {
	return slices.IndexFunc(orders, func(o models.Order) bool { return o.ID == id })
}
