package orders

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/nanmu42/gzip"
)

// Router builds the service's routes. ws, when set, serves the websocket
// endpoint; it sits outside the gzip subrouter because the upgrade needs the
// raw connection.
func (h *Handler) Router(allowedOrigins []string, ws http.HandlerFunc) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(allowedOrigins))
	router.Use(loggingMiddleware(h.logger))

	if ws != nil {
		router.HandleFunc("/ws", ws).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/").Subrouter()
	api.Use(gzip.DefaultHandler().WrapHandler)

	api.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/invoices", h.Invoice).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/orders", h.ListOrders).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/reload", h.ReloadOrders).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/orders/drift", h.Drift).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/orders/{id:[0-9]+}", h.GetOrder).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/orders/{id:[0-9]+}", h.UpdateOrder).Methods(http.MethodPatch)
	api.HandleFunc("/orders/{id:[0-9]+}", h.DeleteOrder).Methods(http.MethodDelete)

	return router
}
