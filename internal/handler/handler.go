// Package handler содержит HTTP-обработчики API движка бронирований.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/rentmarket-system/internal/gateway"
	"github.com/mmeshcher/rentmarket-system/internal/middleware"
	"github.com/mmeshcher/rentmarket-system/internal/model"
	"github.com/mmeshcher/rentmarket-system/internal/pricing"
	"github.com/mmeshcher/rentmarket-system/internal/repository"
	"github.com/mmeshcher/rentmarket-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateBooking(ctx context.Context, in service.CreateBookingInput) (*model.Booking, error)
	GetBooking(ctx context.Context, id string) (*service.BookingDetails, error)
	CheckinBooking(ctx context.Context, bookingID string, in service.CheckinInput) (*service.CheckinResult, error)
	CheckoutBooking(ctx context.Context, bookingID string, in service.CheckoutInput) (*service.CheckoutResult, error)
	FinalizeBooking(ctx context.Context, bookingID string) (*service.FinalizeResult, error)
	CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	RecordIncident(ctx context.Context, in service.RecordIncidentInput) (*model.Incident, error)
	ResolveIncident(ctx context.Context, id int64, status model.IncidentStatus, notes string) (*model.Incident, error)
	InitPayment(ctx context.Context, bookingID string) (*service.PaymentInit, error)
	CheckPayment(ctx context.Context, bookingID string) (model.PaymentStatus, error)
	AdvanceConfirmedBookings(ctx context.Context) (int64, error)
	ExpirePendingPayments(ctx context.Context) (int64, error)
}

// Handler реализует HTTP-обработчики API движка бронирований.
type Handler struct {
	service Service
	logger  *zap.Logger
	jobAuth *middleware.JobAuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, jobAuth *middleware.JobAuthMiddleware) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		jobAuth: jobAuth,
	}
}

// statusForError переводит доменные ошибки в HTTP-статусы.
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrMissingField),
		errors.Is(err, pricing.ErrInvalidDateRange),
		errors.Is(err, service.ErrTooEarly),
		errors.Is(err, service.ErrPaymentAlreadyPaid),
		errors.Is(err, repository.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrBookingNotFound),
		errors.Is(err, repository.ErrEquipmentNotFound),
		errors.Is(err, repository.ErrInsuranceNotFound),
		errors.Is(err, repository.ErrIncidentNotFound),
		errors.Is(err, repository.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		// Детали сбоев хранилища наружу не отдаём.
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type bookingResponse struct {
	ID             string   `json:"id"`
	EquipmentID    int64    `json:"equipmentId"`
	RenterID       int64    `json:"renterId"`
	OwnerID        int64    `json:"ownerId"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	Quantity       int      `json:"quantity"`
	BasePrice      int64    `json:"basePrice"`
	ServiceFee     int64    `json:"serviceFee"`
	InsuranceFee   int64    `json:"insuranceFee"`
	Discount       int64    `json:"discount"`
	TotalPrice     int64    `json:"totalPrice"`
	Status         string   `json:"status"`
	CheckinTime    *string  `json:"checkinTime,omitempty"`
	CheckinImages  []string `json:"checkinImages,omitempty"`
	CheckoutTime   *string  `json:"checkoutTime,omitempty"`
	CheckoutImages []string `json:"checkoutImages,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	InsuranceID    *int64   `json:"insuranceId,omitempty"`
	CreatedAt      string   `json:"createdAt"`
}

func toBookingResponse(b *model.Booking) bookingResponse {
	resp := bookingResponse{
		ID:             b.ID,
		EquipmentID:    b.EquipmentID,
		RenterID:       b.RenterID,
		OwnerID:        b.OwnerID,
		StartDate:      b.StartDate.Format("2006-01-02"),
		EndDate:        b.EndDate.Format("2006-01-02"),
		Quantity:       b.Quantity,
		BasePrice:      b.BasePrice,
		ServiceFee:     b.ServiceFee,
		InsuranceFee:   b.InsuranceFee,
		Discount:       b.Discount,
		TotalPrice:     b.TotalPrice,
		Status:         string(b.Status),
		CheckinImages:  b.CheckinImages,
		CheckoutImages: b.CheckoutImages,
		Notes:          b.Notes,
		InsuranceID:    b.InsuranceID,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
	}
	if b.CheckinTime != nil {
		v := b.CheckinTime.Format(time.RFC3339)
		resp.CheckinTime = &v
	}
	if b.CheckoutTime != nil {
		v := b.CheckoutTime.Format(time.RFC3339)
		resp.CheckoutTime = &v
	}
	return resp
}

type incidentResponse struct {
	ID               int64    `json:"id"`
	BookingID        *string  `json:"bookingId,omitempty"`
	ReporterID       int64    `json:"reporterId"`
	Type             string   `json:"type"`
	Severity         string   `json:"severity,omitempty"`
	Description      string   `json:"description,omitempty"`
	Images           []string `json:"images,omitempty"`
	Status           string   `json:"status"`
	ResolutionAmount int64    `json:"resolutionAmount"`
	Notes            string   `json:"notes,omitempty"`
	CreatedAt        string   `json:"createdAt"`
}

func toIncidentResponse(inc *model.Incident) incidentResponse {
	return incidentResponse{
		ID:               inc.ID,
		BookingID:        inc.BookingID,
		ReporterID:       inc.ReporterID,
		Type:             string(inc.Type),
		Severity:         string(inc.Severity),
		Description:      inc.Description,
		Images:           inc.Images,
		Status:           string(inc.Status),
		ResolutionAmount: inc.ResolutionAmount,
		Notes:            inc.Notes,
		CreatedAt:        inc.CreatedAt.Format(time.RFC3339),
	}
}

func toIncidentResponses(incidents []model.Incident) []incidentResponse {
	resp := make([]incidentResponse, 0, len(incidents))
	for i := range incidents {
		resp = append(resp, toIncidentResponse(&incidents[i]))
	}
	return resp
}

type createBookingRequest struct {
	EquipmentID int64  `json:"equipmentId"`
	RenterID    int64  `json:"renterId"`
	OwnerID     int64  `json:"ownerId,omitempty"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Quantity    int    `json:"quantity"`
	InsuranceID *int64 `json:"insuranceId,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// CreateBooking создаёт бронирование с рассчитанной стоимостью.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// ownerId из запроса игнорируется: владелец денормализуется из каталога.
	booking, err := h.service.CreateBooking(r.Context(), service.CreateBookingInput{
		EquipmentID: req.EquipmentID,
		RenterID:    req.RenterID,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Quantity:    req.Quantity,
		InsuranceID: req.InsuranceID,
		Notes:       req.Notes,
	})
	if err != nil {
		h.respondError(w, err, "create booking error")
		return
	}

	h.respondJSON(w, http.StatusCreated, toBookingResponse(booking))
}

type bookingDetailsResponse struct {
	Booking   bookingResponse    `json:"booking"`
	Incidents []incidentResponse `json:"incidents"`
}

// GetBooking возвращает бронирование вместе с его инцидентами.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	details, err := h.service.GetBooking(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "get booking error", zap.String("booking", id))
		return
	}

	h.respondJSON(w, http.StatusOK, bookingDetailsResponse{
		Booking:   toBookingResponse(details.Booking),
		Incidents: toIncidentResponses(details.Incidents),
	})
}

type checkinRequest struct {
	Images   []string `json:"images"`
	Notes    string   `json:"notes,omitempty"`
	Incident *struct {
		Severity    string `json:"severity"`
		Description string `json:"description"`
	} `json:"incident,omitempty"`
}

type checkinResponse struct {
	Booking  bookingResponse   `json:"booking"`
	Incident *incidentResponse `json:"incident,omitempty"`
}

// Checkin фиксирует передачу оборудования арендатору.
func (h *Handler) Checkin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.CheckinInput{
		Images: req.Images,
		Notes:  req.Notes,
	}
	if req.Incident != nil {
		in.Incident = &service.IncidentReport{
			Severity:    model.IncidentSeverity(req.Incident.Severity),
			Description: req.Incident.Description,
		}
	}

	result, err := h.service.CheckinBooking(r.Context(), id, in)
	if err != nil {
		h.respondError(w, err, "checkin error", zap.String("booking", id))
		return
	}

	resp := checkinResponse{Booking: toBookingResponse(result.Booking)}
	if result.Incident != nil {
		inc := toIncidentResponse(result.Incident)
		resp.Incident = &inc
	}

	h.respondJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	Images           []string `json:"images"`
	Notes            string   `json:"notes,omitempty"`
	Severity         string   `json:"severity,omitempty"`
	IssueDescription string   `json:"issueDescription,omitempty"`
	LateMinutes      int64    `json:"lateMinutes,omitempty"`
	LateReason       string   `json:"lateReason,omitempty"`
}

type chargesResponse struct {
	DamageCharge int64 `json:"damageCharge"`
	LateCharge   int64 `json:"lateCharge"`
	Total        int64 `json:"total"`
}

type checkoutResponse struct {
	Booking   bookingResponse    `json:"booking"`
	Incidents []incidentResponse `json:"incidents"`
	Charges   chargesResponse    `json:"charges"`
}

// Checkout фиксирует возврат оборудования и дополнительные начисления.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.CheckoutBooking(r.Context(), id, service.CheckoutInput{
		Images:           req.Images,
		Notes:            req.Notes,
		Severity:         model.IncidentSeverity(req.Severity),
		IssueDescription: req.IssueDescription,
		LateMinutes:      req.LateMinutes,
		LateReason:       req.LateReason,
	})
	if err != nil {
		h.respondError(w, err, "checkout error", zap.String("booking", id))
		return
	}

	h.respondJSON(w, http.StatusOK, checkoutResponse{
		Booking:   toBookingResponse(result.Booking),
		Incidents: toIncidentResponses(result.Incidents),
		Charges: chargesResponse{
			DamageCharge: result.Charges.DamageCharge,
			LateCharge:   result.Charges.LateCharge,
			Total:        result.Charges.Total,
		},
	})
}

type payoutResponse struct {
	ID        int64  `json:"id"`
	OwnerID   int64  `json:"ownerId"`
	BookingID string `json:"bookingId"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type finalizeResponse struct {
	Booking bookingResponse `json:"booking"`
	Payout  payoutResponse  `json:"payout"`
}

// Finalize завершает бронирование по истечении срока аренды.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.service.FinalizeBooking(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "finalize error", zap.String("booking", id))
		return
	}

	h.respondJSON(w, http.StatusOK, finalizeResponse{
		Booking: toBookingResponse(result.Booking),
		Payout: payoutResponse{
			ID:        result.Payout.ID,
			OwnerID:   result.Payout.OwnerID,
			BookingID: result.Payout.BookingID,
			Amount:    result.Payout.Amount,
			Status:    string(result.Payout.Status),
		},
	})
}

// Cancel отменяет бронирование до начала аренды.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	booking, err := h.service.CancelBooking(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "cancel error", zap.String("booking", id))
		return
	}

	h.respondJSON(w, http.StatusOK, toBookingResponse(booking))
}

type paymentInitResponse struct {
	Amount    int64  `json:"amount"`
	Content   string `json:"content"`
	QRPayload string `json:"qrPayload"`
}

// InitPayment получает платёжные реквизиты бронирования от внешнего шлюза.
func (h *Handler) InitPayment(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")

	init, err := h.service.InitPayment(r.Context(), bookingID)
	if err != nil {
		h.respondError(w, err, "init payment error", zap.String("booking", bookingID))
		return
	}

	h.respondJSON(w, http.StatusOK, paymentInitResponse{
		Amount:    init.Amount,
		Content:   init.Content,
		QRPayload: init.QRPayload,
	})
}

type paymentCheckResponse struct {
	Status string `json:"status"`
}

// CheckPayment возвращает статус оплаты бронирования; предназначен для опроса клиентом.
func (h *Handler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")

	status, err := h.service.CheckPayment(r.Context(), bookingID)
	if err != nil {
		h.respondError(w, err, "check payment error", zap.String("booking", bookingID))
		return
	}

	h.respondJSON(w, http.StatusOK, paymentCheckResponse{Status: string(status)})
}

type recordIncidentRequest struct {
	BookingID        *string  `json:"bookingId,omitempty"`
	ReporterID       int64    `json:"reporterId"`
	Type             string   `json:"type"`
	Severity         string   `json:"severity,omitempty"`
	Description      string   `json:"description,omitempty"`
	Images           []string `json:"images,omitempty"`
	ResolutionAmount int64    `json:"resolutionAmount,omitempty"`
}

// RecordIncident создаёт произвольную запись об инциденте.
func (h *Handler) RecordIncident(w http.ResponseWriter, r *http.Request) {
	var req recordIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	incident, err := h.service.RecordIncident(r.Context(), service.RecordIncidentInput{
		BookingID:        req.BookingID,
		ReporterID:       req.ReporterID,
		Type:             model.IncidentType(req.Type),
		Severity:         model.IncidentSeverity(req.Severity),
		Description:      req.Description,
		Images:           req.Images,
		ResolutionAmount: req.ResolutionAmount,
	})
	if err != nil {
		h.respondError(w, err, "record incident error")
		return
	}

	h.respondJSON(w, http.StatusCreated, toIncidentResponse(incident))
}

type resolveIncidentRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// ResolveIncident фиксирует решение администратора по инциденту.
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req resolveIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status := model.IncidentStatus(req.Status)
	if status != model.IncidentStatusResolved && status != model.IncidentStatusRejected {
		http.Error(w, "status must be resolved or rejected", http.StatusBadRequest)
		return
	}

	incident, err := h.service.ResolveIncident(r.Context(), id, status, req.Notes)
	if err != nil {
		h.respondError(w, err, "resolve incident error", zap.Int64("incident", id))
		return
	}

	h.respondJSON(w, http.StatusOK, toIncidentResponse(incident))
}

type sweepResponse struct {
	Updated int64 `json:"updated"`
}

// AdvanceBookings запускает сметающее задание активации бронирований по дате.
func (h *Handler) AdvanceBookings(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.AdvanceConfirmedBookings(r.Context())
	if err != nil {
		h.respondError(w, err, "advance bookings sweep error")
		return
	}

	h.respondJSON(w, http.StatusOK, sweepResponse{Updated: count})
}

// ExpirePayments запускает сметающее задание отклонения просроченных платежей.
func (h *Handler) ExpirePayments(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.ExpirePendingPayments(r.Context())
	if err != nil {
		h.respondError(w, err, "expire payments sweep error")
		return
	}

	h.respondJSON(w, http.StatusOK, sweepResponse{Updated: count})
}
