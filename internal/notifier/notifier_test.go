package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-consent-api/internal/consent"
)

type requesterStub struct {
	subject string
	sent    Message
	reply   string
	err     error
}

func (r *requesterStub) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	r.subject = subj
	if err := json.Unmarshal(data, &r.sent); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return &nats.Msg{Subject: subj, Data: []byte(r.reply)}, nil
}

func TestNATSNotifierAcceptsOkReplies(t *testing.T) {
	for _, reply := range []string{"ok", " OK\n", `{"status":"ok"}`} {
		stub := &requesterStub{reply: reply}
		n := NewNATSNotifier(stub, "gema.consent.mail", time.Second, zerolog.New(io.Discard))

		err := n.Send(context.Background(), Message{
			TemplateID: TemplateConsentReminder,
			Recipient:  "parent@example.com",
			Context:    map[string]interface{}{"record_id": "rec-1", "slot": "day3"},
		})
		require.NoError(t, err, "reply %q", reply)
		require.Equal(t, "gema.consent.mail", stub.subject)
		require.Equal(t, TemplateConsentReminder, stub.sent.TemplateID)
		require.Equal(t, "day3", stub.sent.Context["slot"])
	}
}

func TestNATSNotifierFailures(t *testing.T) {
	cases := []*requesterStub{
		{reply: `{"status":"error","error":"mailbox full"}`},
		{reply: "nope"},
		{err: nats.ErrNoResponders},
		{err: context.DeadlineExceeded},
	}
	for _, stub := range cases {
		n := NewNATSNotifier(stub, "gema.consent.mail", time.Second, zerolog.New(io.Discard))
		err := n.Send(context.Background(), Message{TemplateID: TemplateConsentRequest, Recipient: "p@example.com"})
		require.Error(t, err)
		require.True(t, errors.Is(err, consent.ErrNotifierDelivery), err.Error())
	}

	unconfigured := NewNATSNotifier(nil, "", 0, zerolog.New(io.Discard))
	require.ErrorIs(t, unconfigured.Send(context.Background(), Message{}), consent.ErrNotifierDelivery)
}

func TestLogNotifierAndMasking(t *testing.T) {
	require.NoError(t, NewLogNotifier(zerolog.New(io.Discard)).Send(context.Background(), Message{TemplateID: TemplateConsentRequest, Recipient: "parent@example.com"}))

	require.Equal(t, "p***t@example.com", MaskEmail("parent@example.com"))
	require.Equal(t, "a***@example.com", MaskEmail("ab@example.com"))
	require.Equal(t, "***", MaskEmail("broken"))
	require.Equal(t, "", MaskEmail(""))
}
