// Package service реализует бизнес-логику движка бронирований и расчётов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/rentmarket-system/internal/gateway"
	"github.com/mmeshcher/rentmarket-system/internal/model"
	"github.com/mmeshcher/rentmarket-system/internal/pricing"
	"github.com/mmeshcher/rentmarket-system/internal/repository"
)

const dateLayout = "2006-01-02"

// ErrMissingField возвращается при отсутствии обязательного поля запроса.
var (
	ErrMissingField = errors.New("missing required field")
	// ErrTooEarly возвращается при попытке завершить бронирование до даты окончания.
	ErrTooEarly = errors.New("booking end date not reached")
	// ErrPaymentAlreadyPaid возвращается при повторной инициации уже оплаченного платежа.
	ErrPaymentAlreadyPaid = errors.New("payment already completed")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetEquipment(ctx context.Context, id int64) (*model.Equipment, error)
	GetInsurance(ctx context.Context, id int64) (*model.Insurance, error)
	CreateBooking(ctx context.Context, b *model.Booking) error
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	TransitionBooking(ctx context.Context, id string, to model.BookingStatus, from ...model.BookingStatus) error
	SetBookingCheckin(ctx context.Context, id string, at time.Time, images []string, note string) error
	SetBookingCheckout(ctx context.Context, id string, at time.Time, images []string, note string, extraCharges int64) error
	UpsertPayment(ctx context.Context, p *model.Payment) error
	GetPaymentByBooking(ctx context.Context, bookingID string) (*model.Payment, error)
	ConfirmPayment(ctx context.Context, bookingID, txnID string, paidAt time.Time) error
	CreateIncident(ctx context.Context, inc *model.Incident) error
	GetIncident(ctx context.Context, id int64) (*model.Incident, error)
	ResolveIncident(ctx context.Context, id int64, status model.IncidentStatus, notes string) error
	GetIncidentsByBooking(ctx context.Context, bookingID string) ([]model.Incident, error)
	EnsurePayout(ctx context.Context, p *model.Payout) (bool, error)
	GetPayoutByBooking(ctx context.Context, bookingID string) (*model.Payout, error)
	AdvanceConfirmedBookings(ctx context.Context) (int64, error)
	ExpirePendingPayments(ctx context.Context) (int64, error)
}

// Gateway описывает контракт клиента внешнего платёжного шлюза.
type Gateway interface {
	SearchByRef(ctx context.Context, ref string) (*gateway.Intent, error)
	Init(ctx context.Context, ref string, amount int64) (*gateway.Intent, error)
}

// Service содержит бизнес-логику движка бронирований.
type Service struct {
	repo        Repository
	gateway     Gateway
	bankCode    string
	bankAccount string
	now         func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом платёжного шлюза.
// Реквизиты счёта платформы используются для сборки QR-ссылки на перевод.
func NewService(repo Repository, gw Gateway, bankCode, bankAccount string) *Service {
	return &Service{
		repo:        repo,
		gateway:     gw,
		bankCode:    bankCode,
		bankAccount: bankAccount,
		now:         time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateBookingInput описывает запрос на создание бронирования.
type CreateBookingInput struct {
	EquipmentID int64
	RenterID    int64
	StartDate   string
	EndDate     string
	Quantity    int
	InsuranceID *int64
	Notes       string
}

// CreateBooking создаёт бронирование с рассчитанной стоимостью.
// Валидное бронирование подтверждается сразу; владелец денормализуется
// из каталога оборудования и далее не пересчитывается.
func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (*model.Booking, error) {
	if in.EquipmentID == 0 || in.RenterID == 0 || in.StartDate == "" || in.EndDate == "" {
		return nil, ErrMissingField
	}
	if in.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity", ErrMissingField)
	}

	start, err := time.Parse(dateLayout, in.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: start date %q", pricing.ErrInvalidDateRange, in.StartDate)
	}
	end, err := time.Parse(dateLayout, in.EndDate)
	if err != nil {
		return nil, fmt.Errorf("%w: end date %q", pricing.ErrInvalidDateRange, in.EndDate)
	}

	equipment, err := s.repo.GetEquipment(ctx, in.EquipmentID)
	if err != nil {
		return nil, err
	}

	var (
		policy      *model.Insurance
		insuranceID *int64
	)
	if in.InsuranceID != nil {
		policy, err = s.repo.GetInsurance(ctx, *in.InsuranceID)
		if err != nil {
			return nil, err
		}
		// Неактивный полис считается отсутствующим: ни сбора, ни ссылки.
		if !policy.IsActive() {
			policy = nil
		} else {
			insuranceID = in.InsuranceID
		}
	}

	breakdown, err := pricing.ComputeBookingPrice(equipment.PricePerDay, in.Quantity, start, end, policy)
	if err != nil {
		return nil, err
	}

	booking := &model.Booking{
		ID:           uuid.NewString(),
		EquipmentID:  equipment.ID,
		RenterID:     in.RenterID,
		OwnerID:      equipment.OwnerID,
		StartDate:    start,
		EndDate:      end,
		Quantity:     in.Quantity,
		BasePrice:    breakdown.BasePrice,
		ServiceFee:   breakdown.ServiceFee,
		InsuranceFee: breakdown.InsuranceFee,
		TotalPrice:   breakdown.TotalPrice,
		Status:       model.BookingStatusConfirmed,
		Notes:        in.Notes,
		InsuranceID:  insuranceID,
	}

	if err := s.repo.CreateBooking(ctx, booking); err != nil {
		return nil, err
	}

	return booking, nil
}

// BookingDetails объединяет бронирование и его инциденты.
type BookingDetails struct {
	Booking   *model.Booking
	Incidents []model.Incident
}

// GetBooking возвращает бронирование вместе с его инцидентами.
func (s *Service) GetBooking(ctx context.Context, id string) (*BookingDetails, error) {
	booking, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	incidents, err := s.repo.GetIncidentsByBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	return &BookingDetails{Booking: booking, Incidents: incidents}, nil
}

// IncidentReport описывает проблему, заявленную при передаче оборудования.
type IncidentReport struct {
	Severity    model.IncidentSeverity
	Description string
}

// CheckinInput описывает запрос на фиксацию передачи оборудования.
type CheckinInput struct {
	Images   []string
	Notes    string
	Incident *IncidentReport
}

// CheckinResult содержит обновлённое бронирование и созданный инцидент, если он был.
type CheckinResult struct {
	Booking  *model.Booking
	Incident *model.Incident
}

// CheckinBooking фиксирует передачу оборудования арендатору: ongoing -> reviewing.
// Если при передаче заявлена проблема, создаётся один инцидент.
func (s *Service) CheckinBooking(ctx context.Context, bookingID string, in CheckinInput) (*CheckinResult, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	note := "checkin"
	if in.Notes != "" {
		note = "checkin: " + in.Notes
	}

	if err := s.repo.SetBookingCheckin(ctx, bookingID, s.now(), in.Images, note); err != nil {
		return nil, err
	}

	var incident *model.Incident
	if in.Incident != nil {
		incident = &model.Incident{
			BookingID:   &booking.ID,
			ReporterID:  booking.RenterID,
			Type:        model.IncidentTypeDamage,
			Severity:    in.Incident.Severity,
			Description: in.Incident.Description,
			Images:      in.Images,
			Status:      model.IncidentStatusPending,
		}
		if err := s.repo.CreateIncident(ctx, incident); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	return &CheckinResult{Booking: updated, Incident: incident}, nil
}

// rentalDeadline возвращает момент окончания аренды. Дата окончания
// включительна: весь последний день оплачен, срок истекает в его конце.
func rentalDeadline(b *model.Booking) time.Time {
	return b.EndDate.Add(24 * time.Hour)
}

// CheckoutInput описывает запрос на фиксацию возврата оборудования.
type CheckoutInput struct {
	Images           []string
	Notes            string
	Severity         model.IncidentSeverity
	IssueDescription string
	LateMinutes      int64
	LateReason       string
}

// CheckoutResult содержит обновлённое бронирование, созданные инциденты
// и разбивку дополнительных начислений.
type CheckoutResult struct {
	Booking   *model.Booking
	Incidents []model.Incident
	Charges   pricing.Charges
}

// CheckoutBooking фиксирует возврат оборудования: reviewing -> completed.
// Дополнительные начисления за повреждение и просрочку рассчитываются здесь же,
// прибавляются к итоговой стоимости и оформляются инцидентами. Завершение не
// зависит от рассмотрения инцидентов.
func (s *Service) CheckoutBooking(ctx context.Context, bookingID string, in CheckoutInput) (*CheckoutResult, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	equipment, err := s.repo.GetEquipment(ctx, booking.EquipmentID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	severity := in.Severity
	if severity == "" {
		severity = model.SeverityNone
	}
	if !severity.Known() {
		return nil, fmt.Errorf("%w: severity %q", ErrMissingField, severity)
	}

	lateMinutes := pricing.EffectiveLateMinutes(in.LateMinutes, rentalDeadline(booking), now)
	charges := pricing.ComputeExtraCharges(equipment.ReplacementPrice, equipment.PricePerDay, booking.Quantity, severity, lateMinutes)

	note := fmt.Sprintf("checkout: damage=%d late=%d", charges.DamageCharge, charges.LateCharge)
	if in.Notes != "" {
		note += " | " + in.Notes
	}

	// Защищённый переход применяет начисления ровно один раз:
	// проигравший гонку возврат получает ErrInvalidState.
	if err := s.repo.SetBookingCheckout(ctx, bookingID, now, in.Images, note, charges.Total); err != nil {
		return nil, err
	}

	var incidents []model.Incident

	if severity != model.SeverityNone {
		damage := model.Incident{
			BookingID:        &booking.ID,
			ReporterID:       booking.OwnerID,
			Type:             model.IncidentTypeDamage,
			Severity:         severity,
			Description:      in.IssueDescription,
			Images:           in.Images,
			Status:           model.IncidentStatusPending,
			ResolutionAmount: charges.DamageCharge,
		}
		if err := s.repo.CreateIncident(ctx, &damage); err != nil {
			return nil, err
		}
		incidents = append(incidents, damage)
	}

	if lateMinutes > 0 {
		late := model.Incident{
			BookingID:        &booking.ID,
			ReporterID:       booking.OwnerID,
			Type:             model.IncidentTypeLate,
			Severity:         model.SeverityMinor,
			Description:      fmt.Sprintf("returned %d minutes late: %s", lateMinutes, in.LateReason),
			Status:           model.IncidentStatusPending,
			ResolutionAmount: charges.LateCharge,
		}
		if err := s.repo.CreateIncident(ctx, &late); err != nil {
			return nil, err
		}
		incidents = append(incidents, late)
	}

	if _, err := s.ensurePayout(ctx, booking); err != nil {
		return nil, err
	}

	updated, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{Booking: updated, Incidents: incidents, Charges: charges}, nil
}

// FinalizeResult содержит завершённое бронирование и выплату владельцу.
type FinalizeResult struct {
	Booking *model.Booking
	Payout  *model.Payout
}

// FinalizeBooking завершает бронирование по истечении срока без процедуры
// возврата: ongoing -> completed. Требует, чтобы дата окончания прошла.
func (s *Service) FinalizeBooking(ctx context.Context, bookingID string) (*FinalizeResult, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if !s.now().After(rentalDeadline(booking)) {
		return nil, fmt.Errorf("%w: booking %s ends %s", ErrTooEarly, bookingID, booking.EndDate.Format(dateLayout))
	}

	if err := s.repo.TransitionBooking(ctx, bookingID, model.BookingStatusCompleted, model.BookingStatusOngoing); err != nil {
		return nil, err
	}

	payout, err := s.ensurePayout(ctx, booking)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	return &FinalizeResult{Booking: updated, Payout: payout}, nil
}

// CancelBooking отменяет бронирование до начала аренды: pending/confirmed -> canceled.
func (s *Service) CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	err := s.repo.TransitionBooking(ctx, bookingID, model.BookingStatusCanceled,
		model.BookingStatusPending, model.BookingStatusConfirmed)
	if err != nil {
		return nil, err
	}
	return s.repo.GetBooking(ctx, bookingID)
}

// ensurePayout создаёт выплату владельцу, если её ещё нет. Оба пути завершения
// бронирования сходятся здесь, поэтому выплата создаётся ровно один раз.
// Сумма выплаты — только basePrice: сборы остаются доходом платформы.
func (s *Service) ensurePayout(ctx context.Context, booking *model.Booking) (*model.Payout, error) {
	payout := &model.Payout{
		OwnerID:   booking.OwnerID,
		BookingID: booking.ID,
		Amount:    booking.BasePrice,
		Status:    model.PayoutStatusPending,
		Notes:     "booking completed",
	}

	created, err := s.repo.EnsurePayout(ctx, payout)
	if err != nil {
		return nil, err
	}
	if created {
		return payout, nil
	}

	return s.repo.GetPayoutByBooking(ctx, booking.ID)
}

// RecordIncidentInput описывает произвольное сообщение об инциденте.
type RecordIncidentInput struct {
	BookingID        *string
	ReporterID       int64
	Type             model.IncidentType
	Severity         model.IncidentSeverity
	Description      string
	Images           []string
	ResolutionAmount int64
}

// RecordIncident создаёт запись об инциденте со статусом pending.
// Для типов, привязанных к бронированию, обязательны идентификатор
// бронирования и степень серьёзности; для свободного вопроса — нет.
func (s *Service) RecordIncident(ctx context.Context, in RecordIncidentInput) (*model.Incident, error) {
	if in.ReporterID == 0 || in.Type == "" {
		return nil, ErrMissingField
	}
	if in.ResolutionAmount < 0 {
		return nil, fmt.Errorf("%w: resolution amount must be non-negative", ErrMissingField)
	}

	if in.Type != model.IncidentTypeQuestion {
		if in.BookingID == nil || *in.BookingID == "" {
			return nil, fmt.Errorf("%w: booking id", ErrMissingField)
		}
		if !in.Severity.Known() {
			return nil, fmt.Errorf("%w: severity %q", ErrMissingField, in.Severity)
		}
		if _, err := s.repo.GetBooking(ctx, *in.BookingID); err != nil {
			return nil, err
		}
	}

	incident := &model.Incident{
		BookingID:        in.BookingID,
		ReporterID:       in.ReporterID,
		Type:             in.Type,
		Severity:         in.Severity,
		Description:      in.Description,
		Images:           in.Images,
		Status:           model.IncidentStatusPending,
		ResolutionAmount: in.ResolutionAmount,
	}

	if err := s.repo.CreateIncident(ctx, incident); err != nil {
		return nil, err
	}

	return incident, nil
}

// ResolveIncident фиксирует решение администратора по инциденту.
// Повторный вызов с тем же статусом идемпотентен.
func (s *Service) ResolveIncident(ctx context.Context, id int64, status model.IncidentStatus, notes string) (*model.Incident, error) {
	if err := s.repo.ResolveIncident(ctx, id, status, notes); err != nil {
		return nil, err
	}
	return s.repo.GetIncident(ctx, id)
}

// PaymentInit содержит реквизиты к оплате, полученные от шлюза.
type PaymentInit struct {
	Amount    int64
	Content   string
	QRPayload string
}

// InitPayment получает от внешнего шлюза платёжные реквизиты бронирования.
// Идемпотентный ключ — идентификатор бронирования; найденная во внешней
// системе запись используется дословно, локально суммы не перевычисляются.
func (s *Service) InitPayment(ctx context.Context, bookingID string) (*PaymentInit, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetPaymentByBooking(ctx, bookingID)
	if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == model.PaymentStatusPaid {
		return nil, ErrPaymentAlreadyPaid
	}

	intent, err := s.gateway.SearchByRef(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if intent == nil {
		intent, err = s.gateway.Init(ctx, bookingID, booking.TotalPrice)
		if errors.Is(err, gateway.ErrRefExists) {
			// Проигрыш гонки параллельной инициации: запись уже есть,
			// перечитываем её вместо блокировки.
			intent, err = s.searchExisting(ctx, bookingID)
		}
		if err != nil {
			return nil, err
		}
	}

	payment := &model.Payment{
		BookingID: booking.ID,
		RenterID:  booking.RenterID,
		OwnerID:   booking.OwnerID,
		Amount:    intent.Amount,
		Content:   intent.Content,
		Ref:       booking.ID,
		Status:    model.PaymentStatusPending,
		Method:    "bank_transfer",
	}
	if err := s.repo.UpsertPayment(ctx, payment); err != nil {
		return nil, err
	}

	return &PaymentInit{
		Amount:    intent.Amount,
		Content:   intent.Content,
		QRPayload: gateway.BuildQRPayload(s.bankCode, s.bankAccount, intent.Amount, intent.Content),
	}, nil
}

// searchExisting перечитывает запись шлюза после конфликта reference.
// Единственное место локального восстановления: ограниченный повтор поиска.
func (s *Service) searchExisting(ctx context.Context, ref string) (*gateway.Intent, error) {
	var intent *gateway.Intent

	backoff := retry.WithMaxRetries(3, retry.NewConstant(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		found, err := s.gateway.SearchByRef(ctx, ref)
		if err != nil {
			return err
		}
		if found == nil {
			return retry.RetryableError(fmt.Errorf("reference %s not visible yet", ref))
		}
		intent = found
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reference exists but not found on re-search", gateway.ErrUnavailable)
	}

	return intent, nil
}

// CheckPayment проверяет статус оплаты бронирования. Оплаченный локально платёж
// возвращается без обращения к шлюзу; подтверждение от шлюза атомарно
// отмечает платёж и активирует бронирование.
func (s *Service) CheckPayment(ctx context.Context, bookingID string) (model.PaymentStatus, error) {
	payment, err := s.repo.GetPaymentByBooking(ctx, bookingID)
	if err != nil {
		return "", err
	}

	if payment.Status == model.PaymentStatusPaid {
		return model.PaymentStatusPaid, nil
	}

	intent, err := s.gateway.SearchByRef(ctx, bookingID)
	if err != nil {
		return "", err
	}

	if intent != nil && intent.Status == gateway.IntentStatusPaid {
		if err := s.repo.ConfirmPayment(ctx, bookingID, intent.TxnID, s.now()); err != nil {
			return "", err
		}
		return model.PaymentStatusPaid, nil
	}

	return model.PaymentStatusPending, nil
}

// AdvanceConfirmedBookings запускает сметающее задание активации бронирований по дате.
func (s *Service) AdvanceConfirmedBookings(ctx context.Context) (int64, error) {
	return s.repo.AdvanceConfirmedBookings(ctx)
}

// ExpirePendingPayments запускает сметающее задание отклонения просроченных платежей.
func (s *Service) ExpirePendingPayments(ctx context.Context) (int64, error) {
	return s.repo.ExpirePendingPayments(ctx)
}
