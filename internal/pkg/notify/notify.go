package notify

import (
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/memberflow/memberflow/app/models"
)

// Notifier receives lifecycle callbacks consumed by out-of-process
// collaborators (email, newsletter sync). The engine never sends email
// itself; it only announces what changed.
type Notifier interface {
	ContributionChanged(contact *models.Contact)
	MembershipExtended(contact *models.Contact, expires time.Time)
	MembershipCancelled(contact *models.Contact)
}

// LogNotifier is the default implementation; it just records the callback.
type LogNotifier struct{}

func (LogNotifier) ContributionChanged(contact *models.Contact) {
	log.Infof("[Notify] Contribution changed for contact %d", contact.ID)
}

func (LogNotifier) MembershipExtended(contact *models.Contact, expires time.Time) {
	log.Infof("[Notify] Membership for contact %d extended to %s", contact.ID, expires.Format(time.RFC3339))
}

func (LogNotifier) MembershipCancelled(contact *models.Contact) {
	log.Infof("[Notify] Membership for contact %d cancelled", contact.ID)
}
