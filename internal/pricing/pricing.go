// Package pricing содержит чистые функции расчёта стоимости аренды
// и дополнительных начислений после её завершения.
package pricing

import (
	"errors"
	"math"
	"time"

	"github.com/mmeshcher/rentmarket-system/internal/model"
)

// ErrInvalidDateRange возвращается, если дата окончания раньше даты начала
// или дата не распознана.
var ErrInvalidDateRange = errors.New("invalid date range")

const (
	// serviceFeeRate — доля сервисного сбора от базовой стоимости.
	serviceFeeRate = 0.05
	// insuranceDailyRate — дневная ставка страхового сбора от среднего покрытия.
	insuranceDailyRate = 0.0015
	// insuranceFeeFloor — минимальный страховой сбор за бронирование.
	insuranceFeeFloor = 15000
)

// severityMultipliers задаёт долю восстановительной стоимости,
// взимаемую за повреждение каждой степени серьёзности.
var severityMultipliers = map[model.IncidentSeverity]float64{
	model.SeverityNone:     0,
	model.SeverityMinor:    0.15,
	model.SeverityMajor:    0.4,
	model.SeverityCritical: 1.0,
}

// Breakdown содержит разбивку стоимости бронирования.
type Breakdown struct {
	TotalDays    int
	BasePrice    int64
	ServiceFee   int64
	InsuranceFee int64
	TotalPrice   int64
}

// Charges содержит дополнительные начисления, рассчитанные при возврате.
type Charges struct {
	DamageCharge int64
	LateCharge   int64
	Total        int64
}

// ComputeBookingPrice рассчитывает стоимость бронирования за период с start по end
// включительно. Страховой сбор начисляется только при активном полисе.
func ComputeBookingPrice(pricePerDay int64, quantity int, start, end time.Time, policy *model.Insurance) (Breakdown, error) {
	if end.Before(start) {
		return Breakdown{}, ErrInvalidDateRange
	}

	totalDays := TotalDays(start, end)

	qty := quantity
	if qty < 1 {
		qty = 1
	}

	basePrice := int64(totalDays) * pricePerDay * int64(qty)
	serviceFee := roundHalfUp(float64(basePrice) * serviceFeeRate)

	var insuranceFee int64
	if policy.IsActive() {
		avgCoverage := float64(policy.MinCoverage+policy.MaxCoverage) / 2
		insuranceFee = roundHalfUp(avgCoverage * insuranceDailyRate * float64(totalDays))
		if insuranceFee < insuranceFeeFloor {
			insuranceFee = insuranceFeeFloor
		}
	}

	return Breakdown{
		TotalDays:    totalDays,
		BasePrice:    basePrice,
		ServiceFee:   serviceFee,
		InsuranceFee: insuranceFee,
		TotalPrice:   basePrice + serviceFee + insuranceFee,
	}, nil
}

// TotalDays возвращает число оплачиваемых дней аренды: обе граничные даты
// включаются, минимум один день.
func TotalDays(start, end time.Time) int {
	days := int(math.Ceil(end.Sub(start).Hours()/24)) + 1
	if days < 1 {
		days = 1
	}
	return days
}

// ComputeExtraCharges рассчитывает начисления за повреждение и просрочку.
// Начисление за повреждение — доля восстановительной стоимости по степени
// серьёзности, умноженная на количество. Просрочка тарифицируется за каждый
// начатый час по часовому эквиваленту дневной цены.
func ComputeExtraCharges(replacementPrice, pricePerDay int64, quantity int, severity model.IncidentSeverity, lateMinutes int64) Charges {
	qty := quantity
	if qty < 1 {
		qty = 1
	}

	var damage int64
	if mult, ok := severityMultipliers[severity]; ok && mult > 0 {
		damage = roundHalfUp(float64(replacementPrice) * mult * float64(qty))
	}

	var late int64
	if lateMinutes > 0 {
		hours := math.Ceil(float64(lateMinutes) / 60)
		late = roundHalfUp(hours * float64(pricePerDay) / 24)
	}

	return Charges{
		DamageCharge: damage,
		LateCharge:   late,
		Total:        damage + late,
	}
}

// EffectiveLateMinutes возвращает фактическую просрочку в минутах.
// Значению клиента, заниженному относительно настенных часов, не доверяем.
func EffectiveLateMinutes(provided int64, scheduledEnd, now time.Time) int64 {
	wallClock := int64(math.Ceil(now.Sub(scheduledEnd).Minutes()))

	minutes := provided
	if wallClock > minutes {
		minutes = wallClock
	}
	if minutes < 0 {
		minutes = 0
	}
	return minutes
}

func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
