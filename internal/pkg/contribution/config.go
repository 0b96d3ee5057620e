package contribution

import (
	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/internal/pkg/env"
)

// PaymentConfig carries the currency and fee/renewal settings the engine
// needs. It is threaded explicitly into the calculator and providers so
// they stay free of ambient global state.
type PaymentConfig struct {
	Currency         string
	GracePeriodDays  int
	MinMonthlyAmount float64
	// MinAnnualAmount is the minimum total for a full year of annual
	// billing; zero disables the annual floor.
	MinAnnualAmount float64
}

// LoadPaymentConfig reads the payment configuration once at startup.
func LoadPaymentConfig() PaymentConfig {
	return PaymentConfig{
		Currency:         env.GetEnv("PAYMENT_CURRENCY", "GBP"),
		GracePeriodDays:  env.GetEnvInt("PAYMENT_GRACE_DAYS", 7),
		MinMonthlyAmount: env.GetEnvFloat("PAYMENT_MIN_MONTHLY", 1),
		MinAnnualAmount:  env.GetEnvFloat("PAYMENT_MIN_ANNUAL", 12),
	}
}

// MinimumFor returns the minimum monthly-normalized amount for a billing
// period.
func (c PaymentConfig) MinimumFor(period string) float64 {
	if period == models.ContributionPeriodAnnually {
		return c.MinAnnualAmount / 12
	}
	return c.MinMonthlyAmount
}

// PeriodMonths returns the number of months one contribution period spans.
func PeriodMonths(period string) int {
	if period == models.ContributionPeriodAnnually {
		return 12
	}
	return 1
}
