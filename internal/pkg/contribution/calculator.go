package contribution

import (
	"math"
	"time"

	"github.com/memberflow/memberflow/app/models"
)

// FeeFunc converts an actual period amount in currency units into the
// chargeable amount in minor units, fee included. Fee formulas are
// provider-specific.
type FeeFunc func(actual float64) int64

// GoCardlessFee grosses the charge up so the net amount after GoCardless
// deducts its cut still equals the requested amount: 1% plus 20 minor
// units, floored per the processor's own rounding.
func GoCardlessFee(actual float64) int64 {
	return int64(math.Floor(actual/0.99*100)) + 20
}

// StripeFee is the card-side fee formula.
//
// TODO(product): no card fee formula has been decided; paying the fee on a
// card contribution currently adds nothing. Do not copy the GoCardless
// formula here without a product decision.
func StripeFee(actual float64) int64 {
	return int64(math.Round(actual * 100))
}

// GetChargeableAmount computes, in minor currency units, what one billing
// period costs: the monthly amount times the period length, plus the
// provider fee when the contact opted into paying it.
func GetChargeableAmount(monthlyAmount float64, period string, payFee bool, fee FeeFunc) int64 {
	actual := monthlyAmount * float64(PeriodMonths(period))
	if payFee && fee != nil {
		return fee(actual)
	}
	return int64(math.Round(actual * 100))
}

// CalcRenewalDate computes the date the contact's next charge is expected,
// net of the grace period, or nil when the contact has no contribution or
// no active membership.
//
// With an explicit expiry the renewal is expiry minus grace. Without one,
// annual contributions renew on the next anniversary of the role's
// DateAdded and monthly contributions renew one month from now. The result
// is always capped to one contribution period ahead of now so entitlement
// dates that drifted far into the future (manual data entry) cannot push
// renewals out indefinitely.
func CalcRenewalDate(contact *models.Contact, now time.Time, cfg PaymentConfig) *time.Time {
	if !contact.HasContribution() || !contact.MembershipActive(now) {
		return nil
	}

	role := contact.Role
	var renewal time.Time
	if role.DateExpires != nil {
		renewal = role.DateExpires.AddDate(0, 0, -cfg.GracePeriodDays)
	} else if contact.ContributionPeriod == models.ContributionPeriodAnnually {
		renewal = nextAnniversary(role.DateAdded, now)
	} else {
		renewal = now.AddDate(0, 1, 0)
	}

	cap := now.AddDate(0, PeriodMonths(contact.ContributionPeriod), 0)
	if renewal.After(cap) {
		renewal = cap
	}
	return &renewal
}

// CalcExpiryFromCharge converts a confirmed charge date into the membership
// expiry it justifies: one contribution period plus the grace buffer.
func CalcExpiryFromCharge(chargeDate time.Time, period string, cfg PaymentConfig) time.Time {
	return chargeDate.AddDate(0, PeriodMonths(period), cfg.GracePeriodDays)
}

// MonthsLeft counts the whole months remaining from now until the renewal
// date, rounding partial months up. Zero when the renewal is not in the
// future. Used to price mid-cycle proration top-ups.
func MonthsLeft(now, renewal time.Time) int {
	if !renewal.After(now) {
		return 0
	}
	months := 1
	for now.AddDate(0, months, 0).Before(renewal) {
		months++
	}
	return months
}

// nextAnniversary returns the yearly anniversary of dateAdded that is not
// in the past relative to now.
func nextAnniversary(dateAdded, now time.Time) time.Time {
	anniversary := time.Date(
		now.Year(), dateAdded.Month(), dateAdded.Day(),
		dateAdded.Hour(), dateAdded.Minute(), dateAdded.Second(), 0, dateAdded.Location(),
	)
	if anniversary.Before(now) {
		anniversary = anniversary.AddDate(1, 0, 0)
	}
	return anniversary
}
