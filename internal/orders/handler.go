// Package orders is the HTTP surface of the order tracker. Mutating
// endpoints answer 202 Accepted: the request reached the remote store, and
// the change shows up in the collection (and on the websocket) once the
// change feed confirms it.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/gpedidos/internal/comparison"
	"github.com/jogardn/gpedidos/internal/errs"
	"github.com/jogardn/gpedidos/internal/reconcile"
	"github.com/jogardn/gpedidos/internal/stats"
	"github.com/jogardn/gpedidos/pkg/models"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type Store interface {
	Current() reconcile.Snapshot
	Load(ctx context.Context) error
	Create(ctx context.Context, draft models.Draft) error
	Update(ctx context.Context, id int64, patch models.Patch) error
	Delete(ctx context.Context, id int64) error
}

type DriftAuditor interface {
	Audit(ctx context.Context, local []models.Order) (*comparison.DriftReport, error)
	GenerateReport(report *comparison.DriftReport, format string) ([]byte, error)
}

// HealthCheck reports a dependency as unhealthy by returning an error.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	store          Store
	auditor        DriftAuditor
	logger         *logrus.Logger
	requestTimeout time.Duration
	checks         map[string]HealthCheck
	details        map[string]func() any
}

type Option func(*Handler)

// WithRequestTimeout bounds the remote call behind each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.requestTimeout = d }
}

// WithHealthCheck adds a named check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithHealthDetail adds informational data, such as breaker metrics, to
// GET /health without affecting its status.
func WithHealthDetail(name string, detail func() any) Option {
	return func(h *Handler) { h.details[name] = detail }
}

func NewHandler(store Store, auditor DriftAuditor, logger *logrus.Logger, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, errors.New("nil dependency: store")
	}
	if auditor == nil {
		return nil, errors.New("nil dependency: drift auditor")
	}
	if logger == nil {
		return nil, errors.New("nil dependency: logger")
	}

	h := &Handler{
		store:          store,
		auditor:        auditor,
		logger:         logger,
		requestTimeout: 10 * time.Second,
		checks:         make(map[string]HealthCheck),
		details:        make(map[string]func() any),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// OrderView is an order with its derived amounts.
type OrderView struct {
	models.Order
	Profit  string `json:"profit"`
	Balance string `json:"balance"`
}

func viewOf(o models.Order) OrderView {
	return OrderView{Order: o, Profit: o.Profit().String(), Balance: o.Balance().String()}
}

func viewsOf(orders []models.Order) []OrderView {
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOf(o))
	}
	return views
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Current()
	orders := snap.Search(r.URL.Query().Get("q"))

	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orders":  viewsOf(orders),
		"count":   len(orders),
		"version": snap.Version(),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, found := h.store.Current().Find(id)
	if !found {
		h.respondWithErr(w, &errs.NotFoundError{ID: id})
		return
	}
	h.respondWithJSON(w, http.StatusOK, viewOf(order))
}

// CreateOrder accepts a JSON draft or an HTML form.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	draft, err := h.decodeDraft(r)
	if err != nil {
		var verr *errs.ValidationError
		if errors.As(err, &verr) {
			h.respondWithErr(w, err)
			return
		}
		h.logger.WithError(err).Warn("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.store.Create(ctx, draft); err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondAccepted(w, "Order submitted")
}

func (h *Handler) decodeDraft(r *http.Request) (models.Draft, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return models.Draft{}, err
		}
		form := models.DraftForm{
			Client:     r.FormValue("client"),
			Product:    r.FormValue("product"),
			Cost:       r.FormValue("cost"),
			Price:      r.FormValue("price"),
			PaidAmount: r.FormValue("paid_amount"),
			Status:     r.FormValue("status"),
			Date:       r.FormValue("date"),
		}
		return form.Parse()
	default:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return models.Draft{}, err
		}
		return models.ParseDraftJSON(data)
	}
}

func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var patch models.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.logger.WithError(err).Warn("Failed to decode order patch")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.store.Update(ctx, id, patch); err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondAccepted(w, "Order update submitted")
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.store.Delete(ctx, id); err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondAccepted(w, "Order deletion submitted")
}

func (h *Handler) ReloadOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.store.Load(ctx); err != nil {
		h.respondWithErr(w, err)
		return
	}

	snap := h.store.Current()
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   snap.Len(),
		"version": snap.Version(),
	})
}

func (h *Handler) Drift(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	report, err := h.auditor.Audit(ctx, h.store.Current().Orders())
	if err != nil {
		h.logger.WithError(err).Error("Drift audit failed")
		h.respondWithErr(w, &errs.RemoteError{Op: "list", Err: err})
		return
	}

	format := r.URL.Query().Get("format")
	data, err := h.auditor.GenerateReport(report, format)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := "application/json"
	if strings.EqualFold(format, "summary") {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, stats.Compute(h.store.Current().Orders()))
}

type invoiceRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) Invoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		verr := &errs.ValidationError{}
		verr.Add("ids", "is required")
		h.respondWithErr(w, verr)
		return
	}

	orders, err := h.store.Current().Select(req.IDs)
	if err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, stats.BuildInvoice(orders))
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "healthy",
		"service": "order-service",
		"orders":  h.store.Current().Len(),
	}
	code := http.StatusOK

	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	if len(checks) > 0 {
		status["checks"] = checks
	}
	for name, detail := range h.details {
		status[name] = detail()
	}

	h.respondWithJSON(w, code, status)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondWithError(w, http.StatusBadRequest, "Invalid order id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondAccepted(w http.ResponseWriter, message string) {
	h.respondWithJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": message,
	})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, errs.JSON{Success: false, Message: message})
}

// respondWithErr maps the store's error taxonomy onto HTTP statuses.
func (h *Handler) respondWithErr(w http.ResponseWriter, err error) {
	var verr *errs.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondWithJSON(w, http.StatusBadRequest, errs.JSON{
			Success: false,
			Message: "Validation failed",
			Fields:  verr.Fields,
		})
	case errors.Is(err, errs.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrRemote):
		h.respondWithError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.WithError(err).Error("Unexpected error")
		h.respondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}
