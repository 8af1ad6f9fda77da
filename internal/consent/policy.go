package consent

import (
	"fmt"
	"math"
	"time"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

const day = 24 * time.Hour

// Reminder slot names.
const (
	SlotDay3    = "day3"
	SlotDay7    = "day7"
	SlotRenew45 = "45day"
	SlotRenew14 = "14day"
	SlotRenew7  = "7day"
	SlotRenew1  = "1day"
)

// ActionKind names what the policy wants done with a record.
type ActionKind string

const (
	ActionExpire       ActionKind = "expire"
	ActionSendReminder ActionKind = "send_reminder"
	ActionOpenRenewal  ActionKind = "open_renewal"
	ActionMarkOverdue  ActionKind = "mark_overdue"
)

// Action is a due lifecycle step. Slot is set only for reminders.
type Action struct {
	Kind  ActionKind
	Slot  string
	DueAt time.Time
}

func (a Action) String() string {
	if a.Kind == ActionSendReminder {
		return fmt.Sprintf("%s(%s)", a.Kind, a.Slot)
	}
	return string(a.Kind)
}

// Slot is a named reminder checkpoint. For initial requests Offset is measured
// after CreatedAt; for renewals it is measured before ValidUntil.
type Slot struct {
	Name   string
	Offset time.Duration
}

// Policy holds the time windows that drive the consent lifecycle. All methods
// are pure: the same record and instant always yield the same answer.
type Policy struct {
	RequestTTL   time.Duration
	InitialSlots []Slot
	RenewalSlots []Slot
	RenewalGrace time.Duration

	// SchoolYearEndMonth and SchoolYearEndDay mark the boundary at which an
	// approved consent lapses.
	SchoolYearEndMonth time.Month
	SchoolYearEndDay   int
}

// DefaultPolicy returns the production cadence: 14 day request expiry,
// day 3 and day 7 reminders, renewal reminders 45/14/7/1 days ahead.
func DefaultPolicy() Policy {
	return Policy{
		RequestTTL: 14 * day,
		InitialSlots: []Slot{
			{Name: SlotDay3, Offset: 3 * day},
			{Name: SlotDay7, Offset: 7 * day},
		},
		RenewalSlots: []Slot{
			{Name: SlotRenew45, Offset: 45 * day},
			{Name: SlotRenew14, Offset: 14 * day},
			{Name: SlotRenew7, Offset: 7 * day},
			{Name: SlotRenew1, Offset: 1 * day},
		},
		RenewalGrace:       0,
		SchoolYearEndMonth: time.July,
		SchoolYearEndDay:   31,
	}
}

// DueAction computes the lifecycle step due for the record at now, if any.
//
// Deadlines win over reminders. Among reminder slots only the latest one whose
// time has come is eligible, and it fires only when absent from RemindersSent;
// earlier slots that were never sent lapse once a later slot is due.
func (p Policy) DueAction(record models.ConsentRecord, now time.Time) (Action, bool) {
	switch record.Status {
	case models.ConsentStatusPending:
		if !now.Before(record.ExpiresAt) {
			if record.Kind == models.ConsentKindRenewal {
				return Action{Kind: ActionMarkOverdue, DueAt: record.ExpiresAt}, true
			}
			return Action{Kind: ActionExpire, DueAt: record.ExpiresAt}, true
		}
		slot, dueAt, ok := p.latestDueSlot(record, now)
		if !ok || record.HasSlot(slot.Name) {
			return Action{}, false
		}
		return Action{Kind: ActionSendReminder, Slot: slot.Name, DueAt: dueAt}, true

	case models.ConsentStatusScheduled:
		if record.Kind != models.ConsentKindRenewal {
			return Action{}, false
		}
		openAt := p.renewalAnchor(record).Add(-p.RenewalOpenLead())
		if !now.Before(openAt) {
			return Action{Kind: ActionOpenRenewal, DueAt: openAt}, true
		}

	case models.ConsentStatusOverdue:
		expireAt := record.ExpiresAt.Add(p.RenewalGrace)
		if !now.Before(expireAt) {
			return Action{Kind: ActionExpire, DueAt: expireAt}, true
		}
	}

	return Action{}, false
}

// RenewalOpenLead is how long before ValidUntil a scheduled renewal opens.
func (p Policy) RenewalOpenLead() time.Duration {
	var lead time.Duration
	for _, slot := range p.RenewalSlots {
		if slot.Offset > lead {
			lead = slot.Offset
		}
	}
	return lead
}

// Horizon bounds how far ahead of now a record's ExpiresAt can be while still
// needing attention; the store uses it to filter its scan.
func (p Policy) Horizon() time.Duration {
	horizon := p.RequestTTL
	if lead := p.RenewalOpenLead(); lead > horizon {
		horizon = lead
	}
	return horizon
}

// DaysRemaining counts whole days, rounded up, until the record's deadline.
func (p Policy) DaysRemaining(record models.ConsentRecord, now time.Time) int {
	deadline := record.ExpiresAt
	if record.Kind == models.ConsentKindRenewal {
		deadline = p.renewalAnchor(record)
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(float64(remaining) / float64(day)))
}

// InitialExpiry returns the hard deadline for a fresh request created at createdAt.
func (p Policy) InitialExpiry(createdAt time.Time) time.Time {
	return createdAt.Add(p.RequestTTL)
}

// ValidUntil returns the school-year boundary an approval at now is good for.
// Approvals that land inside the renewal window already cover the following
// year, so a parent is never asked to renew days after approving.
func (p Policy) ValidUntil(now time.Time) time.Time {
	now = now.UTC()
	boundary := p.boundaryInYear(now.Year())
	if !boundary.After(now) {
		boundary = p.boundaryInYear(now.Year() + 1)
	}
	if boundary.Sub(now) <= p.RenewalOpenLead() {
		boundary = p.boundaryInYear(boundary.Year() + 1)
	}
	return boundary
}

// SchoolYearLabel names the school year that ends at the given boundary.
func SchoolYearLabel(boundary time.Time) string {
	year := boundary.Year()
	return fmt.Sprintf("%d/%d", year-1, year)
}

func (p Policy) boundaryInYear(year int) time.Time {
	month := p.SchoolYearEndMonth
	if month == 0 {
		month = time.July
	}
	dayOfMonth := p.SchoolYearEndDay
	if dayOfMonth <= 0 {
		dayOfMonth = 31
	}
	// end of the configured day
	return time.Date(year, month, dayOfMonth, 0, 0, 0, 0, time.UTC).Add(day)
}

func (p Policy) latestDueSlot(record models.ConsentRecord, now time.Time) (Slot, time.Time, bool) {
	var (
		latest   Slot
		latestAt time.Time
		found    bool
	)
	for _, slot := range p.slotsFor(record) {
		dueAt := p.slotTime(record, slot)
		if now.Before(dueAt) {
			continue
		}
		if !found || dueAt.After(latestAt) {
			latest, latestAt, found = slot, dueAt, true
		}
	}
	return latest, latestAt, found
}

func (p Policy) slotsFor(record models.ConsentRecord) []Slot {
	if record.Kind == models.ConsentKindRenewal {
		return p.RenewalSlots
	}
	return p.InitialSlots
}

func (p Policy) slotTime(record models.ConsentRecord, slot Slot) time.Time {
	if record.Kind == models.ConsentKindRenewal {
		return p.renewalAnchor(record).Add(-slot.Offset)
	}
	return record.CreatedAt.Add(slot.Offset)
}

func (p Policy) renewalAnchor(record models.ConsentRecord) time.Time {
	if record.ValidUntil != nil {
		return *record.ValidUntil
	}
	return record.ExpiresAt
}
