package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ContributionTypeNone       = "none"
	ContributionTypeManual     = "manual"
	ContributionTypeGoCardless = "gocardless"
	ContributionTypeStripe     = "stripe"
	ContributionTypeGift       = "gift"
)

const (
	ContributionPeriodMonthly  = "monthly"
	ContributionPeriodAnnually = "annually"
)

// Contact is a person with (potentially) a recurring contribution. The
// contribution amount is always normalized to a monthly figure, even when
// the billing period is annual.
type Contact struct {
	ID                            uint           `gorm:"primaryKey" json:"id"`
	Email                         string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	FirstName                     string         `gorm:"type:varchar(100)" json:"first_name" validate:"max=100"`
	LastName                      string         `gorm:"type:varchar(100)" json:"last_name" validate:"max=100"`
	MemberCode                    string         `gorm:"uniqueIndex;type:varchar(20)" json:"member_code"`
	ContributionType              string         `gorm:"type:varchar(20);default:'none'" json:"contribution_type" validate:"oneof=none manual gocardless stripe gift"`
	ContributionPeriod            string         `gorm:"type:varchar(10);default:''" json:"contribution_period"`
	ContributionMonthlyAmount     float64        `gorm:"default:0" json:"contribution_monthly_amount"`
	NextContributionMonthlyAmount *float64       `gorm:"default:null" json:"next_contribution_monthly_amount,omitempty"`
	Role                          *ContactRole   `gorm:"foreignKey:ContactID" json:"role,omitempty"`
	CreatedAt                     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt                     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (c *Contact) Validate() error {
	v := validator.New()

	return v.Struct(c)
}

// FullName joins first and last name for processor customer records.
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// HasContribution reports whether the contact pays anything at all.
func (c *Contact) HasContribution() bool {
	return c.ContributionType != "" && c.ContributionType != ContributionTypeNone
}

// MembershipActive reports whether the contact holds a membership role
// that has not expired at the given instant.
func (c *Contact) MembershipActive(now time.Time) bool {
	return c.Role != nil && c.Role.IsActive(now)
}

// GenerateMemberCode assigns a fresh random member code. Codes are short
// and human-readable, so collisions are possible; callers retry on a
// uniqueness conflict.
func (c *Contact) GenerateMemberCode() error {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	c.MemberCode = strings.ToUpper(hex.EncodeToString(b))
	return nil
}
