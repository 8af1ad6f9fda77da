package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-consent-api/internal/dto"
	"github.com/noah-isme/gema-consent-api/internal/models"
)

func TestAuditServiceTrailReplaysEvents(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()
	id, code := f.request(t, "stu-1")
	_, err := f.svc.ApproveByCode(ctx, code, parentActor())
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, id, adminActor())
	require.NoError(t, err)

	trail, err := f.audit.Trail(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "revoked", trail.CurrentStatus)
	require.Equal(t, "revoked", trail.ReplayedStatus)
	require.True(t, trail.Consistent)
	require.Len(t, trail.Events, 3)
	for i, event := range trail.Events {
		require.EqualValues(t, i+1, event.Sequence)
	}
}

func TestAuditServiceTrailFlagsDivergence(t *testing.T) {
	f := newConsentFixture(t)
	id, _ := f.request(t, "stu-1")

	// simulate an out-of-band edit that bypassed the trail
	require.NoError(t, f.db.Model(&models.ConsentRecord{}).Where("id = ?", id).UpdateColumn("status", models.ConsentStatusDenied).Error)

	trail, err := f.audit.Trail(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "denied", trail.CurrentStatus)
	require.Equal(t, "pending", trail.ReplayedStatus)
	require.False(t, trail.Consistent)
}

func TestAuditServiceExportCSV(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()
	_, code := f.request(t, "stu-1")
	f.request(t, "stu-2")
	_, err := f.svc.ApproveByCode(ctx, code, parentActor())
	require.NoError(t, err)

	var buf bytes.Buffer
	rows, err := f.audit.ExportCSV(ctx, dto.AuditExportQuery{From: "2026-09-01", To: "2026-09-01", SchoolID: "school-a"}, &buf)
	require.NoError(t, err)
	// two submissions, one approval and the scheduled renewal
	require.Equal(t, 4, rows)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, auditCSVHeader, records[0])
	for _, row := range records[1:] {
		require.Equal(t, "p***t@example.com", row[7])
		require.NotContains(t, strings.Join(row, ","), "parent@example.com")
	}

	buf.Reset()
	rows, err = f.audit.ExportCSV(ctx, dto.AuditExportQuery{EventType: "approved"}, &buf)
	require.NoError(t, err)
	require.Equal(t, 1, rows)

	buf.Reset()
	rows, err = f.audit.ExportCSV(ctx, dto.AuditExportQuery{From: "2026-09-02"}, &buf)
	require.NoError(t, err)
	require.Zero(t, rows)
}

func TestAuditServiceExportRejectsBadRange(t *testing.T) {
	f := newConsentFixture(t)

	var buf bytes.Buffer
	_, err := f.audit.ExportCSV(context.Background(), dto.AuditExportQuery{From: "2026-09-10", To: "2026-09-01"}, &buf)
	require.ErrorIs(t, err, ErrInvalidExportQuery)

	_, err = f.audit.ExportCSV(context.Background(), dto.AuditExportQuery{From: "10/09/2026"}, &buf)
	require.Error(t, err)
	require.Zero(t, buf.Len())
}
