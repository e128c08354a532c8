package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// ChangeChannel is the NOTIFY channel the orders trigger publishes on.
const ChangeChannel = "orders_changes"

type Postgres struct {
	db           *sql.DB
	dsn          string
	logger       *logrus.Logger
	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
	onReconnect  func()
}

type PostgresOption func(*Postgres)

// WithReconnectHandler registers fn to run after the listener connection was
// re-established. Notifications sent while it was down are lost, so fn
// should reload.
func WithReconnectHandler(fn func()) PostgresOption {
	return func(p *Postgres) { p.onReconnect = fn }
}

func WithReconnectInterval(min, max time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.minReconnect = min
		p.maxReconnect = max
	}
}

func NewPostgres(db *sql.DB, dsn string, logger *logrus.Logger, opts ...PostgresOption) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("nil dependency: database")
	}
	if logger == nil {
		return nil, errors.New("nil dependency: logger")
	}

	p := &Postgres{
		db:           db,
		dsn:          dsn,
		logger:       logger,
		minReconnect: 1 * time.Second,
		maxReconnect: 30 * time.Second,
		pingInterval: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ Client = (*Postgres)(nil)

// EnsureSchema creates the orders table and its notify trigger if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			client TEXT NOT NULL,
			product TEXT NOT NULL,
			cost NUMERIC(12,2) NOT NULL CHECK (cost >= 0),
			price NUMERIC(12,2) NOT NULL CHECK (price >= 0),
			paid_amount NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (paid_amount >= 0),
			status TEXT NOT NULL DEFAULT 'pending_purchase',
			date DATE NOT NULL DEFAULT CURRENT_DATE
		)`,
		`CREATE OR REPLACE FUNCTION notify_order_change() RETURNS trigger AS $$
		BEGIN
			IF TG_OP = 'DELETE' THEN
				PERFORM pg_notify('` + ChangeChannel + `',
					json_build_object('kind', TG_OP, 'record', row_to_json(OLD))::text);
				RETURN OLD;
			END IF;
			PERFORM pg_notify('` + ChangeChannel + `',
				json_build_object('kind', TG_OP, 'record', row_to_json(NEW))::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS orders_notify ON orders`,
		`CREATE TRIGGER orders_notify
			AFTER INSERT OR UPDATE OR DELETE ON orders
			FOR EACH ROW EXECUTE FUNCTION notify_order_change()`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]models.Order, error) {
	const query = `
		SELECT id, client, product, cost, price, paid_amount, status, date
		FROM orders ORDER BY id DESC
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			p.logger.WithError(err).Error("Failed to close rows")
		}
	}()

	orders := make([]models.Order, 0)
	for rows.Next() {
		var order models.Order
		err = rows.Scan(
			&order.ID,
			&order.Client,
			&order.Product,
			&order.Cost,
			&order.Price,
			&order.PaidAmount,
			&order.Status,
			&order.Date,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	// Rows.Err will report the last error encountered by Rows.Scan.
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

func (p *Postgres) Insert(ctx context.Context, draft models.Draft) error {
	const query = `
		INSERT INTO orders (client, product, cost, price, paid_amount, status, date)
		VALUES ($1, $2, $3, $4, COALESCE($5::numeric, 0), $6, COALESCE($7::date, CURRENT_DATE))
	`

	var paid any
	if draft.PaidAmount != nil {
		paid = *draft.PaidAmount
	}
	var date any
	if draft.Date != nil && !draft.Date.IsZero() {
		date = *draft.Date
	}
	status := draft.Status
	if status == "" {
		status = models.StatusPendingPurchase
	}

	_, err := p.db.ExecContext(ctx, query,
		draft.Client, draft.Product, draft.Cost, draft.Price, paid, status, date)
	return err
}

func (p *Postgres) Update(ctx context.Context, id int64, patch models.Patch) error {
	query, args := buildUpdate(id, patch)
	if query == "" {
		return errors.New("update: empty patch")
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

func (p *Postgres) Delete(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

// buildUpdate writes only the columns present in the patch.
func buildUpdate(id int64, patch models.Patch) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Client != nil {
		add("client", strings.TrimSpace(*patch.Client))
	}
	if patch.Product != nil {
		add("product", strings.TrimSpace(*patch.Product))
	}
	if patch.Cost != nil {
		add("cost", *patch.Cost)
	}
	if patch.Price != nil {
		add("price", *patch.Price)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.PaidAmount != nil {
		add("paid_amount", *patch.PaidAmount)
	}
	if len(sets) == 0 {
		return "", nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE orders SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return query, args
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &errs.NotFoundError{ID: id}
	}
	return nil
}

// DecodeNotification parses the payload written by notify_order_change.
func DecodeNotification(payload string) (models.ChangeEvent, error) {
	var event models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("decode change notification: %w", err)
	}
	if event.Record.ID <= 0 {
		return models.ChangeEvent{}, errors.New("decode change notification: missing record id")
	}
	return event, nil
}

// Subscribe listens on ChangeChannel until ctx is done or the subscription
// is cancelled.
func (p *Postgres) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	listener := pq.NewListener(p.dsn, p.minReconnect, p.maxReconnect, p.listenerEvent)
	if err := listener.Listen(ChangeChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	sub := &pgSubscription{
		listener: listener,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.dispatch(ctx, sub, handler)

	p.logger.WithField("channel", ChangeChannel).Info("Subscribed to order change notifications")
	return sub, nil
}

func (p *Postgres) dispatch(ctx context.Context, sub *pgSubscription, handler Handler) {
	defer close(sub.done)

	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case n := <-sub.listener.Notify:
			// nil after a reconnect; listenerEvent handles the resync.
			if n == nil {
				continue
			}
			event, err := DecodeNotification(n.Extra)
			if err != nil {
				p.logger.WithError(err).WithField("payload", n.Extra).Warn("Dropping malformed change notification")
				continue
			}
			handler(event)

		case <-ticker.C:
			go func() {
				if err := sub.listener.Ping(); err != nil {
					p.logger.WithError(err).Warn("Change listener ping failed")
				}
			}()

		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Postgres) listenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		p.logger.Info("Change listener connected")
	case pq.ListenerEventDisconnected:
		p.logger.WithError(err).Warn("Change listener disconnected")
	case pq.ListenerEventReconnected:
		p.logger.Info("Change listener reconnected")
		if p.onReconnect != nil {
			go p.onReconnect()
		}
	case pq.ListenerEventConnectionAttemptFailed:
		p.logger.WithError(err).Warn("Change listener connection attempt failed")
	}
}

type pgSubscription struct {
	listener *pq.Listener
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	err      error
}

func (s *pgSubscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.err = s.listener.Close()
	})
	return s.err
}
