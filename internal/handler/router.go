package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/rentmarket-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка бронирований.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/checkin", h.Checkin)
			r.Post("/{id}/checkout", h.Checkout)
			r.Post("/{id}/finalize", h.Finalize)
			r.Post("/{id}/cancel", h.Cancel)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/{bookingID}/init", h.InitPayment)
			r.Get("/{bookingID}/check", h.CheckPayment)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Post("/", h.RecordIncident)
			r.Post("/{id}/resolve", h.ResolveIncident)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.jobAuth.Middleware)

			r.Post("/jobs/advance-bookings", h.AdvanceBookings)
			r.Post("/jobs/expire-payments", h.ExpirePayments)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
