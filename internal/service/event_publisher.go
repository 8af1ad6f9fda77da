package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-consent-api/internal/dto"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/observability"
)

// EventPublisher fans committed lifecycle events out to the dashboard.
// Publishing is best effort and never affects the transition itself.
type EventPublisher interface {
	Publish(ctx context.Context, record models.ConsentRecord, event models.AuditEvent)
}

// LifecycleMessage is the payload broadcast for every committed transition.
type LifecycleMessage struct {
	Source    string                    `json:"source"`
	Event     dto.AuditEventResponse    `json:"event"`
	Record    dto.ConsentRecordResponse `json:"record"`
	Published time.Time                 `json:"published_at"`
}

type eventPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string
}

// NewEventPublisher publishes on "<channelBase>:consent" in Redis and
// "<channelBase>.consent.<event>" in NATS. Either transport may be nil.
func NewEventPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) EventPublisher {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":consent"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".consent"
	}
	return &eventPublisher{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "consent_events").Logger(),
		nodeID:       uuid.NewString(),
	}
}

func (p *eventPublisher) Publish(ctx context.Context, record models.ConsentRecord, event models.AuditEvent) {
	message := LifecycleMessage{
		Source:    p.nodeID,
		Event:     dto.NewAuditEventResponse(event),
		Record:    dto.NewConsentRecordResponse(record),
		Published: time.Now().UTC(),
	}
	// parent contact details stay out of the broadcast
	message.Record.ParentEmail = ""

	payload, err := json.Marshal(message)
	if err != nil {
		p.logger.Warn().Err(err).Str("record_id", record.ID).Msg("failed to encode lifecycle event")
		return
	}

	if p.redis != nil && p.redisChannel != "" {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			observability.EventPublishFailures().WithLabelValues("redis").Inc()
			p.logger.Warn().Err(err).Str("record_id", record.ID).Str("event", event.EventType).Msg("redis publish failed")
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		subject := p.natsSubject + "." + subjectToken(event.EventType)
		if err := p.nats.Publish(subject, payload); err != nil {
			observability.EventPublishFailures().WithLabelValues("nats").Inc()
			p.logger.Warn().Err(err).Str("record_id", record.ID).Str("event", event.EventType).Msg("nats publish failed")
		}
	}
}

// subjectToken turns "reminder_sent:day3" into a single NATS subject token.
func subjectToken(eventType string) string {
	replacer := strings.NewReplacer(":", "_", ".", "_", " ", "_", "*", "_", ">", "_")
	return replacer.Replace(eventType)
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, record models.ConsentRecord, event models.AuditEvent) {}
