package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Message is one provider call. A merged batch unit travels as a single
// Message whose ItemIDs lists every member.
type Message struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"recipient_id"`
	Severity    domain.Severity `json:"severity"`
	Payload     domain.Payload  `json:"payload"`
	ItemIDs     []string        `json:"item_ids"`
	Merged      bool            `json:"merged,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// Provider abstracts delivery to an external notification service.
// Send returns nil, a domain.Transient error or a domain.Permanent error;
// unclassified errors are treated as transient by the caller.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// New builds the provider selected in config.
func New(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "", "webhook":
		return NewWebhookProvider(cfg.Webhook.URL, cfg.Timeout), nil
	case "kafka":
		return NewKafkaProvider(cfg.Kafka), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
