package consent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-consent-api/internal/models"
)

var policyEpoch = time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC)

func pendingInitial(createdAt time.Time, sent ...string) models.ConsentRecord {
	return models.ConsentRecord{
		ID:            "rec-1",
		Kind:          models.ConsentKindInitial,
		Status:        models.ConsentStatusPending,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(14 * day),
		RemindersSent: sent,
		ReminderCount: len(sent),
	}
}

func renewal(status models.ConsentStatus, validUntil time.Time, sent ...string) models.ConsentRecord {
	return models.ConsentRecord{
		ID:            "ren-1",
		Kind:          models.ConsentKindRenewal,
		Status:        status,
		CreatedAt:     validUntil.AddDate(-1, 0, 0),
		ExpiresAt:     validUntil,
		ValidUntil:    &validUntil,
		RemindersSent: sent,
		ReminderCount: len(sent),
	}
}

func TestPolicyInitialReminderCadence(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		name   string
		record models.ConsentRecord
		at     time.Duration
		want   *Action
	}{
		{name: "nothing before day 3", record: pendingInitial(policyEpoch), at: 3*day - time.Minute},
		{name: "day3 due", record: pendingInitial(policyEpoch), at: 3 * day, want: &Action{Kind: ActionSendReminder, Slot: SlotDay3}},
		{name: "day3 already sent", record: pendingInitial(policyEpoch, SlotDay3), at: 3*day + 12*time.Hour},
		{name: "day7 due after day3", record: pendingInitial(policyEpoch, SlotDay3), at: 7 * day, want: &Action{Kind: ActionSendReminder, Slot: SlotDay7}},
		{name: "missed day3 lapses to day7", record: pendingInitial(policyEpoch), at: 8 * day, want: &Action{Kind: ActionSendReminder, Slot: SlotDay7}},
		{name: "superseded day3 never fires", record: pendingInitial(policyEpoch, SlotDay7), at: 10 * day},
		{name: "both sent", record: pendingInitial(policyEpoch, SlotDay3, SlotDay7), at: 13 * day},
		{name: "expiry at day 14", record: pendingInitial(policyEpoch, SlotDay3, SlotDay7), at: 14 * day, want: &Action{Kind: ActionExpire}},
		{name: "expiry beats unsent reminder", record: pendingInitial(policyEpoch), at: 20 * day, want: &Action{Kind: ActionExpire}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, ok := policy.DueAction(tc.record, policyEpoch.Add(tc.at))
			if tc.want == nil {
				require.False(t, ok, "unexpected action %s", action)
				return
			}
			require.True(t, ok)
			require.Equal(t, tc.want.Kind, action.Kind)
			require.Equal(t, tc.want.Slot, action.Slot)
		})
	}
}

func TestPolicyIsPure(t *testing.T) {
	policy := DefaultPolicy()
	record := pendingInitial(policyEpoch)
	now := policyEpoch.Add(7*day + time.Hour)

	first, ok1 := policy.DueAction(record, now)
	second, ok2 := policy.DueAction(record, now)
	require.Equal(t, ok1, ok2)
	require.Equal(t, first, second)
	require.Empty(t, record.RemindersSent)
}

func TestPolicyIgnoresSettledRecords(t *testing.T) {
	policy := DefaultPolicy()
	for _, status := range []models.ConsentStatus{
		models.ConsentStatusApproved,
		models.ConsentStatusDenied,
		models.ConsentStatusRevoked,
		models.ConsentStatusExpired,
	} {
		record := pendingInitial(policyEpoch)
		record.Status = status
		_, ok := policy.DueAction(record, policyEpoch.Add(30*day))
		require.False(t, ok, "status %s should have no due action", status)
	}
}

func TestPolicyRenewalWindow(t *testing.T) {
	policy := DefaultPolicy()
	validUntil := time.Date(2027, time.August, 1, 0, 0, 0, 0, time.UTC)

	_, ok := policy.DueAction(renewal(models.ConsentStatusScheduled, validUntil), validUntil.Add(-46*day))
	require.False(t, ok)

	action, ok := policy.DueAction(renewal(models.ConsentStatusScheduled, validUntil), validUntil.Add(-45*day))
	require.True(t, ok)
	require.Equal(t, ActionOpenRenewal, action.Kind)

	steps := []struct {
		at   time.Duration
		sent []string
		slot string
	}{
		{at: -45 * day, slot: SlotRenew45},
		{at: -14 * day, sent: []string{SlotRenew45}, slot: SlotRenew14},
		{at: -7 * day, sent: []string{SlotRenew45, SlotRenew14}, slot: SlotRenew7},
		{at: -1 * day, sent: []string{SlotRenew45, SlotRenew14, SlotRenew7}, slot: SlotRenew1},
	}
	for _, step := range steps {
		action, ok := policy.DueAction(renewal(models.ConsentStatusPending, validUntil, step.sent...), validUntil.Add(step.at))
		require.True(t, ok)
		require.Equal(t, ActionSendReminder, action.Kind)
		require.Equal(t, step.slot, action.Slot)
	}

	_, ok = policy.DueAction(renewal(models.ConsentStatusPending, validUntil, SlotRenew45), validUntil.Add(-20*day))
	require.False(t, ok)

	action, ok = policy.DueAction(renewal(models.ConsentStatusPending, validUntil, SlotRenew45), validUntil)
	require.True(t, ok)
	require.Equal(t, ActionMarkOverdue, action.Kind)

	action, ok = policy.DueAction(renewal(models.ConsentStatusOverdue, validUntil), validUntil)
	require.True(t, ok)
	require.Equal(t, ActionExpire, action.Kind)
}

func TestPolicyRenewalGrace(t *testing.T) {
	policy := DefaultPolicy()
	policy.RenewalGrace = 2 * day
	validUntil := time.Date(2027, time.August, 1, 0, 0, 0, 0, time.UTC)

	_, ok := policy.DueAction(renewal(models.ConsentStatusOverdue, validUntil), validUntil.Add(day))
	require.False(t, ok)

	action, ok := policy.DueAction(renewal(models.ConsentStatusOverdue, validUntil), validUntil.Add(2*day))
	require.True(t, ok)
	require.Equal(t, ActionExpire, action.Kind)
}

func TestPolicyValidUntil(t *testing.T) {
	policy := DefaultPolicy()

	got := policy.ValidUntil(time.Date(2026, time.September, 6, 10, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2027, time.August, 1, 0, 0, 0, 0, time.UTC), got)
	require.Equal(t, "2026/2027", SchoolYearLabel(got))

	// inside the renewal window the approval already covers the next year
	got = policy.ValidUntil(time.Date(2027, time.July, 20, 10, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2028, time.August, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestPolicyDaysRemainingAndHorizon(t *testing.T) {
	policy := DefaultPolicy()
	record := pendingInitial(policyEpoch)

	require.Equal(t, 14, policy.DaysRemaining(record, policyEpoch))
	require.Equal(t, 11, policy.DaysRemaining(record, policyEpoch.Add(3*day)))
	require.Equal(t, 1, policy.DaysRemaining(record, policyEpoch.Add(13*day+time.Hour)))
	require.Equal(t, 0, policy.DaysRemaining(record, policyEpoch.Add(15*day)))
	require.Equal(t, 45*day, policy.Horizon())
}
