package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/rentmarket-system/internal/model"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestComputeBookingPrice(t *testing.T) {
	tests := []struct {
		name        string
		pricePerDay int64
		quantity    int
		start       string
		end         string
		policy      *model.Insurance
		want        Breakdown
	}{
		{
			name:        "three inclusive days without insurance",
			pricePerDay: 450000,
			quantity:    1,
			start:       "2024-01-01",
			end:         "2024-01-03",
			want: Breakdown{
				TotalDays:  3,
				BasePrice:  1350000,
				ServiceFee: 67500,
				TotalPrice: 1417500,
			},
		},
		{
			name:        "single day when start equals end",
			pricePerDay: 100000,
			quantity:    2,
			start:       "2024-05-10",
			end:         "2024-05-10",
			want: Breakdown{
				TotalDays:  1,
				BasePrice:  200000,
				ServiceFee: 10000,
				TotalPrice: 210000,
			},
		},
		{
			name:        "quantity below one treated as one",
			pricePerDay: 100000,
			quantity:    0,
			start:       "2024-05-10",
			end:         "2024-05-11",
			want: Breakdown{
				TotalDays:  2,
				BasePrice:  200000,
				ServiceFee: 10000,
				TotalPrice: 210000,
			},
		},
		{
			name:        "active policy below floor gets minimum fee",
			pricePerDay: 100000,
			quantity:    1,
			start:       "2024-05-10",
			end:         "2024-05-10",
			policy: &model.Insurance{
				Status:      "active",
				MinCoverage: 1000000,
				MaxCoverage: 2000000,
			},
			want: Breakdown{
				TotalDays:    1,
				BasePrice:    100000,
				ServiceFee:   5000,
				InsuranceFee: 15000,
				TotalPrice:   120000,
			},
		},
		{
			name:        "active policy above floor",
			pricePerDay: 450000,
			quantity:    1,
			start:       "2024-01-01",
			end:         "2024-01-10",
			policy: &model.Insurance{
				Status:      "active",
				MinCoverage: 50000000,
				MaxCoverage: 100000000,
			},
			// avg=75000000, 75000000*0.0015*10 = 1125000
			want: Breakdown{
				TotalDays:    10,
				BasePrice:    4500000,
				ServiceFee:   225000,
				InsuranceFee: 1125000,
				TotalPrice:   5850000,
			},
		},
		{
			name:        "inactive policy gives no insurance fee",
			pricePerDay: 450000,
			quantity:    1,
			start:       "2024-01-01",
			end:         "2024-01-03",
			policy: &model.Insurance{
				Status:      "inactive",
				MinCoverage: 50000000,
				MaxCoverage: 100000000,
			},
			want: Breakdown{
				TotalDays:  3,
				BasePrice:  1350000,
				ServiceFee: 67500,
				TotalPrice: 1417500,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeBookingPrice(tt.pricePerDay, tt.quantity, date(tt.start), date(tt.end), tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.TotalPrice, got.BasePrice+got.ServiceFee+got.InsuranceFee)
		})
	}
}

func TestComputeBookingPrice_EndBeforeStart(t *testing.T) {
	_, err := ComputeBookingPrice(100000, 1, date("2024-01-05"), date("2024-01-01"), nil)
	require.ErrorIs(t, err, ErrInvalidDateRange)
}

func TestComputeExtraCharges(t *testing.T) {
	tests := []struct {
		name             string
		replacementPrice int64
		pricePerDay      int64
		quantity         int
		severity         model.IncidentSeverity
		lateMinutes      int64
		want             Charges
	}{
		{
			name:             "no damage and no lateness",
			replacementPrice: 95000000,
			pricePerDay:      450000,
			quantity:         1,
			severity:         model.SeverityNone,
			want:             Charges{},
		},
		{
			name:             "major damage",
			replacementPrice: 95000000,
			pricePerDay:      450000,
			quantity:         1,
			severity:         model.SeverityMajor,
			want: Charges{
				DamageCharge: 38000000,
				Total:        38000000,
			},
		},
		{
			name:             "critical damage scales by quantity",
			replacementPrice: 1000000,
			pricePerDay:      100000,
			quantity:         3,
			severity:         model.SeverityCritical,
			want: Charges{
				DamageCharge: 3000000,
				Total:        3000000,
			},
		},
		{
			name:        "ninety minutes late billed as two hours",
			pricePerDay: 450000,
			quantity:    1,
			severity:    model.SeverityNone,
			lateMinutes: 90,
			want: Charges{
				LateCharge: 37500,
				Total:      37500,
			},
		},
		{
			name:             "damage and lateness are independent",
			replacementPrice: 95000000,
			pricePerDay:      450000,
			quantity:         1,
			severity:         model.SeverityMinor,
			lateMinutes:      30,
			want: Charges{
				DamageCharge: 14250000,
				LateCharge:   18750,
				Total:        14268750,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeExtraCharges(tt.replacementPrice, tt.pricePerDay, tt.quantity, tt.severity, tt.lateMinutes)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeExtraCharges_SeverityMonotonic(t *testing.T) {
	order := []model.IncidentSeverity{
		model.SeverityNone,
		model.SeverityMinor,
		model.SeverityMajor,
		model.SeverityCritical,
	}

	var prev int64 = -1
	for _, sev := range order {
		got := ComputeExtraCharges(95000000, 450000, 1, sev, 0)
		if got.DamageCharge <= prev {
			t.Fatalf("damage charge for %s = %d, want greater than %d", sev, got.DamageCharge, prev)
		}
		prev = got.DamageCharge
	}
}

func TestEffectiveLateMinutes(t *testing.T) {
	end := date("2024-01-10")

	tests := []struct {
		name     string
		provided int64
		now      time.Time
		want     int64
	}{
		{
			name:     "wall clock overrides lower client value",
			provided: 10,
			now:      end.Add(90 * time.Minute),
			want:     90,
		},
		{
			name:     "client value kept when higher",
			provided: 120,
			now:      end.Add(90 * time.Minute),
			want:     120,
		},
		{
			name:     "returned before the deadline",
			provided: 0,
			now:      end.Add(-2 * time.Hour),
			want:     0,
		},
		{
			name:     "partial minute rounded up",
			provided: 0,
			now:      end.Add(30 * time.Second),
			want:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveLateMinutes(tt.provided, end, tt.now)
			if got != tt.want {
				t.Fatalf("EffectiveLateMinutes = %d, want %d", got, tt.want)
			}
		})
	}
}
