// Package remotetest provides an in-memory remote store for tests. Change
// events are queued and only reach subscribers on Flush, which lets tests
// observe the state between a mutation and its confirmation.
package remotetest

import (
	"context"
	"slices"
	"sync"

	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/jogardn/gpedidos/internal/remote"
	"github.com/jogardn/gpedidos/pkg/models"
)

type Fake struct {
	mu       sync.Mutex
	orders   map[int64]models.Order
	nextID   int64
	pending  []models.ChangeEvent
	handlers map[int]remote.Handler
	nextSub  int
	failures map[string]error
	blocks   map[string]chan struct{}
	calls    []string
}

var _ remote.Client = (*Fake)(nil)

// New seeds the store. Later inserts get ids above the highest seeded id.
func New(seed ...models.Order) *Fake {
	f := &Fake{
		orders:   make(map[int64]models.Order),
		handlers: make(map[int]remote.Handler),
		failures: make(map[string]error),
		blocks:   make(map[string]chan struct{}),
	}
	for _, o := range seed {
		f.orders[o.ID] = o
		f.nextID = max(f.nextID, o.ID)
	}
	return f
}

// FailNext makes the next call of op ("list", "insert", "update", "delete",
// "subscribe") return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Block makes calls of op wait until release is called or their context ends.
func (f *Fake) Block(op string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.blocks[op] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.blocks, op)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Calls lists every operation attempted, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Pending is the number of queued, undelivered events.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fake) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// Put writes a row without emitting an event, as if the change happened
// while nobody was listening.
func (f *Fake) Put(o models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
	f.nextID = max(f.nextID, o.ID)
}

// Remove deletes a row without emitting an event.
func (f *Fake) Remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, id)
}

// Emit queues an arbitrary event, e.g. a duplicate or a change made by
// another writer. The table is not touched.
func (f *Fake) Emit(events ...models.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, events...)
}

// Flush delivers queued events to every subscriber in order and returns how
// many were delivered.
func (f *Fake) Flush() int {
	f.mu.Lock()
	events := f.pending
	f.pending = nil
	handlers := make([]remote.Handler, 0, len(f.handlers))
	keys := make([]int, 0, len(f.handlers))
	for k := range f.handlers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		handlers = append(handlers, f.handlers[k])
	}
	f.mu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
	return len(events)
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	block := f.blocks[op]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *Fake) List(ctx context.Context) ([]models.Order, error) {
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b models.Order) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func (f *Fake) Insert(ctx context.Context, draft models.Draft) error {
	if err := f.enter(ctx, "insert"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o := models.Order{
		ID:      f.nextID,
		Client:  draft.Client,
		Product: draft.Product,
		Cost:    draft.Cost,
		Price:   draft.Price,
		Status:  draft.Status,
	}
	if draft.PaidAmount != nil {
		o.PaidAmount = *draft.PaidAmount
	}
	if draft.Date != nil {
		o.Date = *draft.Date
	}
	f.orders[o.ID] = o
	f.pending = append(f.pending, models.ChangeEvent{Kind: models.ChangeInsert, Record: o})
	return nil
}

func (f *Fake) Update(ctx context.Context, id int64, patch models.Patch) error {
	if err := f.enter(ctx, "update"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.orders[id]
	if !ok {
		return &errs.NotFoundError{ID: id}
	}
	next := patch.Apply(current)
	f.orders[id] = next
	f.pending = append(f.pending, models.ChangeEvent{Kind: models.ChangeUpdate, Record: next})
	return nil
}

func (f *Fake) Delete(ctx context.Context, id int64) error {
	if err := f.enter(ctx, "delete"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[id]; !ok {
		return &errs.NotFoundError{ID: id}
	}
	delete(f.orders, id)
	f.pending = append(f.pending, models.ChangeEvent{Kind: models.ChangeDelete, Record: models.Order{ID: id}})
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, handler remote.Handler) (remote.Subscription, error) {
	if err := f.enter(ctx, "subscribe"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	key := f.nextSub
	f.handlers[key] = handler
	return &subscription{fake: f, key: key}, nil
}

type subscription struct {
	fake *Fake
	key  int
}

func (s *subscription) Unsubscribe() error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	delete(s.fake.handlers, s.key)
	return nil
}
