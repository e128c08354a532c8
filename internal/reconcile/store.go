// Package reconcile keeps an in-memory order collection consistent with the
// remote store.
//
// The collection has a single writer discipline: only Load and OnChangeEvent
// change it. Create, Update and Delete validate, send the request and return;
// the change becomes visible when the store's change feed confirms it. This
// keeps the local view equal to the remote record even when a request
// partially fails, at the cost of one feed round trip of latency.
package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/jogardn/gpedidos/internal/remote"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("reconcile: store closed")

type Option func(*Store)

// WithClock sets the clock used for default order dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type journaledEvent struct {
	seq   uint64
	event models.ChangeEvent
}

type Store struct {
	client remote.Client
	logger *logrus.Logger
	now    func() time.Time

	// writeMu serializes merges together with their watcher notifications,
	// so watchers observe snapshots in merge order.
	writeMu sync.Mutex

	mu           sync.Mutex
	orders       []models.Order
	version      uint64
	seq          uint64
	loading      int
	journal      []journaledEvent
	loadsStarted uint64
	loadApplied  uint64
	sub          remote.Subscription
	closed       bool
	watchers     map[int]func(Snapshot)
	nextWatcher  int
}

func New(client remote.Client, logger *logrus.Logger, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("nil dependency: remote client")
	}
	if logger == nil {
		return nil, errors.New("nil dependency: logger")
	}

	s := &Store{
		client:   client,
		logger:   logger,
		now:      time.Now,
		orders:   []models.Order{},
		watchers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start attaches to the change feed and then loads the collection. Events
// that arrive during the load are kept, see Load.
func (s *Store) Start(ctx context.Context) error {
	if err := s.Subscribe(ctx); err != nil {
		return err
	}
	return s.Load(ctx)
}

// Load replaces the collection with the remote listing. On failure the
// previous collection stays. Feed events received while the listing was in
// flight are re-applied on top of it. A load that finishes after a newer one
// was applied is discarded.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	s.loading++
	s.loadsStarted++
	gen := s.loadsStarted
	mark := s.seq
	s.mu.Unlock()

	orders, err := s.client.List(ctx)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.loading--
	var replay []models.ChangeEvent
	for _, j := range s.journal {
		if j.seq > mark {
			replay = append(replay, j.event)
		}
	}
	if s.loading == 0 {
		s.journal = nil
	}

	if err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).Error("Failed to load orders, keeping previous collection")
		return &errs.RemoteError{Op: "list", Err: err}
	}
	if gen < s.loadApplied {
		s.mu.Unlock()
		s.logger.WithField("generation", gen).Debug("Discarding stale order listing")
		return nil
	}
	s.loadApplied = gen

	next := normalize(orders)
	for _, ev := range replay {
		next, _ = merge(next, ev)
	}
	snap, watchers := s.commitLocked(next)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"count":    snap.Len(),
		"replayed": len(replay),
	}).Info("Orders loaded")

	notify(watchers, snap)
	return nil
}

// Subscribe attaches OnChangeEvent to the feed, replacing any previous
// subscription. Call it again after a feed disconnect.
func (s *Store) Subscribe(ctx context.Context) error {
	sub, err := s.client.Subscribe(ctx, s.OnChangeEvent)
	if err != nil {
		s.logger.WithError(err).Error("Failed to subscribe to order changes")
		return &errs.RemoteError{Op: "subscribe", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unsubscribe(sub)
		return ErrClosed
	}
	old := s.sub
	s.sub = sub
	s.mu.Unlock()

	s.unsubscribe(old)
	return nil
}

// Close tears down the feed subscription. Events delivered afterwards are
// ignored. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (s *Store) unsubscribe(sub remote.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		s.logger.WithError(err).Warn("Failed to release change subscription")
	}
}

// Create validates the draft and sends the insert. The new order appears
// locally only when its Insert event arrives.
func (s *Store) Create(ctx context.Context, draft models.Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	draft = draft.WithDefaults(models.DateOf(s.now()))

	if err := s.client.Insert(ctx, draft); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"client":  draft.Client,
			"product": draft.Product,
		}).Error("Failed to insert order")
		return &errs.RemoteError{Op: "insert", Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"client":  draft.Client,
		"product": draft.Product,
	}).Info("Order insert sent")
	return nil
}

// Update sends the patched fields of a known order. The local record changes
// only when the Update event arrives.
func (s *Store) Update(ctx context.Context, id int64, patch models.Patch) error {
	current, ok := s.Current().Find(id)
	if !ok {
		return &errs.NotFoundError{ID: id}
	}
	if err := patch.Validate(current); err != nil {
		return err
	}

	if err := s.client.Update(ctx, id, patch); err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("Failed to update order")
		return &errs.RemoteError{Op: "update", Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": id,
		"fields":   patch.Fields(),
	}).Info("Order update sent")
	return nil
}

// Delete sends the delete of a known order. The local removal happens when
// the Delete event arrives.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, ok := s.Current().Find(id); !ok {
		return &errs.NotFoundError{ID: id}
	}

	if err := s.client.Delete(ctx, id); err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("Failed to delete order")
		return &errs.RemoteError{Op: "delete", Err: err}
	}

	s.logger.WithField("order_id", id).Info("Order delete sent")
	return nil
}

// OnChangeEvent merges one feed event. It never calls the remote store.
func (s *Store) OnChangeEvent(event models.ChangeEvent) {
	if !event.Kind.Valid() || event.Record.ID <= 0 {
		s.logger.WithFields(logrus.Fields{
			"kind":     event.Kind,
			"order_id": event.Record.ID,
		}).Warn("Ignoring malformed change event")
		return
	}
	// Delete events only need the id.
	if event.Kind != models.ChangeDelete {
		if err := event.Record.Validate(); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"kind":     event.Kind,
				"order_id": event.Record.ID,
			}).Warn("Ignoring change event with invalid record")
			return
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	if s.loading > 0 {
		s.journal = append(s.journal, journaledEvent{seq: s.seq, event: event})
	}

	next, changed := merge(s.orders, event)
	if !changed {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"kind":     event.Kind,
			"order_id": event.Record.ID,
		}).Debug("Change event for unknown order ignored")
		return
	}
	snap, watchers := s.commitLocked(next)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"kind":     event.Kind,
		"order_id": event.Record.ID,
		"version":  snap.Version(),
	}).Debug("Change event applied")

	notify(watchers, snap)
}

func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{orders: s.orders, version: s.version}
}

// Watch calls fn with the current snapshot and then with every new one, in
// merge order. fn runs on the writer's goroutine: it may read the store but
// must not mutate it.
func (s *Store) Watch(fn func(Snapshot)) (cancel func()) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.nextWatcher++
	key := s.nextWatcher
	s.watchers[key] = fn
	current := Snapshot{orders: s.orders, version: s.version}
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.watchers, key)
		s.mu.Unlock()
	}
}

// commitLocked installs next as the collection. s.mu must be held.
func (s *Store) commitLocked(next []models.Order) (Snapshot, []func(Snapshot)) {
	s.orders = next
	s.version++

	keys := make([]int, 0, len(s.watchers))
	for k := range s.watchers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	watchers := make([]func(Snapshot), 0, len(keys))
	for _, k := range keys {
		watchers = append(watchers, s.watchers[k])
	}
	return Snapshot{orders: next, version: s.version}, watchers
}

func notify(watchers []func(Snapshot), snap Snapshot) {
	for _, fn := range watchers {
		fn(snap)
	}
}

// merge applies one event and returns a new slice; orders is not modified.
func merge(orders []models.Order, event models.ChangeEvent) ([]models.Order, bool) {
	i := indexOf(orders, event.Record.ID)

	switch event.Kind {
	case models.ChangeInsert:
		if i >= 0 {
			next := slices.Clone(orders)
			next[i] = event.Record
			return next, true
		}
		next := make([]models.Order, 0, len(orders)+1)
		next = append(next, event.Record)
		return append(next, orders...), true

	case models.ChangeUpdate:
		if i < 0 {
			return orders, false
		}
		next := slices.Clone(orders)
		next[i] = event.Record
		return next, true

	case models.ChangeDelete:
		if i < 0 {
			return orders, false
		}
		next := make([]models.Order, 0, len(orders)-1)
		next = append(next, orders[:i]...)
		return append(next, orders[i+1:]...), true
	}
	return orders, false
}

// normalize orders a listing newest first and drops repeated ids.
func normalize(orders []models.Order) []models.Order {
	next := make([]models.Order, 0, len(orders))
	seen := make(map[int64]struct{}, len(orders))
	for _, o := range orders {
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		next = append(next, o)
	}
	slices.SortStableFunc(next, func(a, b models.Order) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})
	return next
}
