package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-consent-api/internal/consent"
)

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type deliveryReply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NATSNotifier sends each message as a NATS request and waits for the mail
// gateway to acknowledge it. Anything other than an "ok" reply is a failed
// delivery.
type NATSNotifier struct {
	conn    Requester
	subject string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewNATSNotifier constructs a notifier publishing requests on subject.
func NewNATSNotifier(conn Requester, subject string, timeout time.Duration, logger zerolog.Logger) *NATSNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSNotifier{
		conn:    conn,
		subject: subject,
		timeout: timeout,
		logger:  logger.With().Str("component", "nats_notifier").Logger(),
	}
}

// Send delivers msg and blocks until the gateway replies or the timeout hits.
func (n *NATSNotifier) Send(ctx context.Context, msg Message) error {
	if n.conn == nil || n.subject == "" {
		return fmt.Errorf("%w: nats notifier not configured", consent.ErrNotifierDelivery)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", consent.ErrNotifierDelivery, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	reply, err := n.conn.RequestWithContext(reqCtx, n.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			n.logger.Warn().Str("subject", n.subject).Msg("no mail gateway listening")
		}
		return fmt.Errorf("%w: %v", consent.ErrNotifierDelivery, err)
	}
	if err := parseReply(reply.Data); err != nil {
		n.logger.Warn().Err(err).Str("template", msg.TemplateID).Str("recipient", MaskEmail(msg.Recipient)).Msg("mail gateway rejected message")
		return err
	}
	return nil
}

func parseReply(data []byte) error {
	body := strings.TrimSpace(string(data))
	if strings.EqualFold(body, "ok") {
		return nil
	}

	var reply deliveryReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return fmt.Errorf("%w: unexpected reply %q", consent.ErrNotifierDelivery, body)
	}
	if strings.EqualFold(reply.Status, "ok") {
		return nil
	}
	reason := reply.Error
	if reason == "" {
		reason = reply.Status
	}
	return fmt.Errorf("%w: %s", consent.ErrNotifierDelivery, reason)
}
