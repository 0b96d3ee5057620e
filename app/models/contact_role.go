package models

import "time"

const RoleMember = "member"

// ContactRole is the membership entitlement derived from a contribution.
// Each contact holds at most one active membership role; a nil DateExpires
// means the membership never expires.
type ContactRole struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ContactID   uint       `gorm:"not null;uniqueIndex" json:"contact_id"`
	Role        string     `gorm:"type:varchar(50);default:'member'" json:"role"`
	DateAdded   time.Time  `gorm:"not null" json:"date_added"`
	DateExpires *time.Time `gorm:"type:timestamp;default:null" json:"date_expires,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the role entitles membership at the given instant.
func (r *ContactRole) IsActive(now time.Time) bool {
	if r == nil {
		return false
	}
	return r.DateExpires == nil || r.DateExpires.After(now)
}
