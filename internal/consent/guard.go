package consent

import (
	"strings"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

// Guard answers whether a reminder slot already fired for a record. It keeps
// no state of its own: the record's RemindersSent set is the only source of
// truth, so the answer always agrees with what was persisted.
type Guard struct{}

// HasFired reports whether slot is in the record's RemindersSent set.
func (Guard) HasFired(record models.ConsentRecord, slot string) bool {
	return record.HasSlot(normalizeSlot(slot))
}

// MarkFired returns a copy of the record with slot added and ReminderCount
// incremented. Marking an already fired slot returns the record unchanged.
// Callers persist the result only after the notifier confirmed delivery.
func (g Guard) MarkFired(record models.ConsentRecord, slot string) models.ConsentRecord {
	slot = normalizeSlot(slot)
	out := record.Clone()
	if slot == "" || g.HasFired(record, slot) {
		return out
	}
	out.RemindersSent = models.DecodeSlots(models.EncodeSlots(append(out.RemindersSent, slot)))
	out.ReminderCount++
	return out
}

func normalizeSlot(slot string) string {
	return strings.ToLower(strings.TrimSpace(slot))
}
