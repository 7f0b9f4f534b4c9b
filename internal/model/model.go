// Package model содержит доменные сущности движка бронирований и расчётов.
package model

import "time"

// BookingStatus описывает статус жизненного цикла бронирования.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusOngoing   BookingStatus = "ongoing"
	BookingStatusReviewing BookingStatus = "reviewing"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCanceled  BookingStatus = "canceled"
	BookingStatusFailed    BookingStatus = "failed"
)

// IsTerminal сообщает, является ли статус терминальным: из него нет переходов.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCanceled || s == BookingStatusFailed
}

// Booking описывает одно соглашение об аренде оборудования.
// Все денежные поля хранятся в минимальных единицах валюты.
type Booking struct {
	ID             string
	EquipmentID    int64
	RenterID       int64
	OwnerID        int64
	StartDate      time.Time
	EndDate        time.Time
	Quantity       int
	BasePrice      int64
	ServiceFee     int64
	InsuranceFee   int64
	Discount       int64
	TotalPrice     int64
	Status         BookingStatus
	CheckinTime    *time.Time
	CheckinImages  []string
	CheckoutTime   *time.Time
	CheckoutImages []string
	Notes          string
	InsuranceID    *int64
	CreatedAt      time.Time
}

// PaymentStatus описывает статус платёжного намерения.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	// PaymentStatusCompleted встречается в протоколе внешнего шлюза;
	// локальный жизненный цикл записывает только pending/paid/failed.
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment описывает платёжное намерение во внешнем банковском шлюзе,
// связанное с бронированием через reference (идемпотентный ключ).
type Payment struct {
	ID        int64
	BookingID string
	RenterID  int64
	OwnerID   int64
	Amount    int64
	Content   string
	Ref       string
	Status    PaymentStatus
	Method    string
	TxnID     string
	PaidAt    *time.Time
	CreatedAt time.Time
}

// IncidentType описывает тип зафиксированного инцидента.
type IncidentType string

const (
	IncidentTypeDamage   IncidentType = "damage"
	IncidentTypeLate     IncidentType = "late"
	IncidentTypeTheft    IncidentType = "theft"
	IncidentTypeOther    IncidentType = "other"
	IncidentTypeQuestion IncidentType = "question"
)

// IncidentSeverity описывает степень серьёзности повреждения.
type IncidentSeverity string

const (
	SeverityNone     IncidentSeverity = "none"
	SeverityMinor    IncidentSeverity = "minor"
	SeverityMajor    IncidentSeverity = "major"
	SeverityCritical IncidentSeverity = "critical"
)

// Known сообщает, входит ли степень в известный набор значений.
func (s IncidentSeverity) Known() bool {
	switch s {
	case SeverityNone, SeverityMinor, SeverityMajor, SeverityCritical:
		return true
	}
	return false
}

// IncidentStatus описывает статус рассмотрения инцидента.
type IncidentStatus string

const (
	IncidentStatusPending  IncidentStatus = "pending"
	IncidentStatusResolved IncidentStatus = "resolved"
	IncidentStatusRejected IncidentStatus = "rejected"
)

// Incident описывает аномалию, зафиксированную по бронированию.
// BookingID равен nil только для свободного вопроса (type=question).
type Incident struct {
	ID               int64
	BookingID        *string
	ReporterID       int64
	Type             IncidentType
	Severity         IncidentSeverity
	Description      string
	Images           []string
	Status           IncidentStatus
	ResolutionAmount int64
	Notes            string
	CreatedAt        time.Time
}

// PayoutStatus описывает статус выплаты владельцу.
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusCompleted PayoutStatus = "completed"
	PayoutStatusFailed    PayoutStatus = "failed"
)

// Payout описывает выплату владельцу за завершённое бронирование.
// Сумма равна basePrice: сервисный и страховой сборы остаются доходом платформы.
type Payout struct {
	ID         int64
	OwnerID    int64
	BookingID  string
	Amount     int64
	Status     PayoutStatus
	IncidentID *int64
	Notes      string
	CreatedAt  time.Time
}

// Equipment описывает позицию каталога оборудования (внешний справочник, только чтение).
type Equipment struct {
	ID               int64
	OwnerID          int64
	PricePerDay      int64
	ReplacementPrice int64
	Quantity         int
}

// Insurance описывает снимок страхового полиса (внешний справочник, только чтение).
type Insurance struct {
	ID          int64
	Status      string
	MinCoverage int64
	MaxCoverage int64
}

// IsActive сообщает, действует ли полис.
func (i *Insurance) IsActive() bool {
	return i != nil && i.Status == "active"
}
