package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/data"
)

var (
	ErrUnknownProvider   = errors.New("unknown webhook provider")
	ErrSignatureInvalid  = errors.New("webhook signature invalid") // terminal, never retried
	ErrBadPayload        = errors.New("webhook payload malformed") // terminal
	ErrProcessingFailed  = errors.New("webhook processing failed") // transient, provider retries
	ErrPermanentlyFailed = errors.New("webhook permanently failed")
	ErrUnsupportedAction = errors.New("unsupported webhook action")
)

// Ledger actions understood by the processor.
const (
	ActionActivation = "activation"
	ActionExtension  = "extension"
)

type ProviderConfig struct {
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	SignaturePrefix string `yaml:"signature_prefix"`
}

// eventPayload is the provider-agnostic body shape. Provider specifics
// beyond signature and event id are out of scope.
type eventPayload struct {
	EventID    string `json:"event_id"`
	Action     string `json:"action"`
	LicenseKey string `json:"license_key"`
	Data       struct {
		ExpiresAt  *time.Time `json:"expires_at,omitempty"`
		ExtendDays int        `json:"extend_days,omitempty"`
		MaxDevices int        `json:"max_devices,omitempty"`
	} `json:"data"`
}

// Outcome is what a processed (or replayed) event reports back.
type Outcome struct {
	EventID  string `json:"event_id"`
	Action   string `json:"action"`
	Applied  bool   `json:"applied"`
	Replayed bool   `json:"replayed"`
	Message  string `json:"message,omitempty"`
}

type Ledger interface {
	Claim(ctx context.Context, provider, eventID, action string, licenseID *uuid.UUID) (*data.WebhookEvent, bool, error)
	Complete(ctx context.Context, id uuid.UUID, outcome json.RawMessage, apply func(q data.DBTX) error) error
	RecordFailure(ctx context.Context, id uuid.UUID, lastErr string, exhausted bool) error
}

type EventSink interface {
	PublishLicenseEvent(eventType string, key uuid.UUID, fields map[string]any)
}

// Processor turns at-least-once provider deliveries into effectively-once
// license mutations. Signature verification is terminal; everything after a
// successful claim either commits the side effect together with the ledger
// row or leaves the row pending for the provider's next retry.
type Processor struct {
	mu          sync.RWMutex
	providers   map[string]ProviderConfig
	ledger      Ledger
	dedup       *Dedup
	events      EventSink
	maxAttempts int
}

func NewProcessor(providers map[string]ProviderConfig, ledger Ledger, dedup *Dedup, events EventSink, maxAttempts int) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Processor{
		providers:   providers,
		ledger:      ledger,
		dedup:       dedup,
		events:      events,
		maxAttempts: maxAttempts,
	}
}

// Provider returns the config for a provider tag.
func (p *Processor) Provider(name string) (ProviderConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.providers[name]
	return cfg, ok
}

// SetProviders swaps the provider table (config hot reload).
func (p *Processor) SetProviders(providers map[string]ProviderConfig) {
	p.mu.Lock()
	p.providers = providers
	p.mu.Unlock()
}

// Process verifies, deduplicates and applies one delivery.
func (p *Processor) Process(ctx context.Context, provider string, body []byte, signature string) (*Outcome, error) {
	cfg, ok := p.Provider(provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	if !VerifySignature(cfg.Secret, body, signature, cfg.SignaturePrefix) {
		return nil, ErrSignatureInvalid
	}

	var evt eventPayload
	if err := json.Unmarshal(body, &evt); err != nil || evt.EventID == "" {
		return nil, ErrBadPayload
	}
	licenseKey, err := uuid.Parse(evt.LicenseKey)
	if err != nil {
		return nil, ErrBadPayload
	}
	if evt.Action != ActionActivation && evt.Action != ActionExtension {
		return nil, ErrUnsupportedAction
	}

	// Fast path: recently processed event replays from memory.
	if p.dedup != nil {
		if out, hit := p.dedup.Get(provider, evt.EventID); hit {
			out.Replayed = true
			return &out, nil
		}
	}

	entry, fresh, err := p.ledger.Claim(ctx, provider, evt.EventID, evt.Action, &licenseKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}

	if !fresh {
		switch entry.Status {
		case data.WebhookProcessed:
			var out Outcome
			if len(entry.Outcome) > 0 {
				_ = json.Unmarshal(entry.Outcome, &out)
			}
			out.EventID = evt.EventID
			out.Replayed = true
			return &out, nil
		case data.WebhookFailed:
			return nil, ErrPermanentlyFailed
		}
		// Pending redelivery. Claim already bumped attempts; give up once
		// the bound is exhausted.
		if entry.Attempts > p.maxAttempts {
			_ = p.ledger.RecordFailure(ctx, entry.ID, "retry budget exhausted", true)
			log.Printf("webhook: %s/%s permanently failed after %d attempts", provider, evt.EventID, entry.Attempts)
			return nil, ErrPermanentlyFailed
		}
	}

	out := Outcome{EventID: evt.EventID, Action: evt.Action, Applied: true, Message: "applied"}
	outcomeJSON, _ := json.Marshal(out)

	err = p.ledger.Complete(ctx, entry.ID, outcomeJSON, func(q data.DBTX) error {
		return p.apply(ctx, q, licenseKey, &evt)
	})
	if err != nil {
		if err == data.ErrLicenseNotFound {
			// Nothing a retry can fix; flag for operators.
			_ = p.ledger.RecordFailure(ctx, entry.ID, err.Error(), true)
			return nil, ErrPermanentlyFailed
		}
		exhausted := entry.Attempts >= p.maxAttempts
		_ = p.ledger.RecordFailure(ctx, entry.ID, err.Error(), exhausted)
		if exhausted {
			return nil, ErrPermanentlyFailed
		}
		return nil, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}

	if p.dedup != nil {
		p.dedup.Add(provider, evt.EventID, out)
	}
	if p.events != nil {
		p.events.PublishLicenseEvent("webhook."+evt.Action, licenseKey, map[string]any{
			"provider": provider,
			"event_id": evt.EventID,
		})
	}
	return &out, nil
}

// apply runs inside the ledger transaction.
func (p *Processor) apply(ctx context.Context, q data.DBTX, key uuid.UUID, evt *eventPayload) error {
	lt := data.LicenseTx{Q: q}
	switch evt.Action {
	case ActionActivation:
		// Payment completed: the license becomes usable again whatever
		// blocked it (fresh, RESET, EXPIRED).
		if err := lt.UpdateStatus(ctx, key, data.StatusActive); err != nil {
			return err
		}
		if evt.Data.MaxDevices > 0 {
			if err := lt.SetMaxDevices(ctx, key, evt.Data.MaxDevices); err != nil {
				return err
			}
		}
		if evt.Data.ExpiresAt != nil {
			if err := lt.ExtendExpiry(ctx, key, *evt.Data.ExpiresAt); err != nil {
				return err
			}
		}
		return nil
	case ActionExtension:
		until := time.Time{}
		if evt.Data.ExpiresAt != nil {
			until = *evt.Data.ExpiresAt
		} else if evt.Data.ExtendDays > 0 {
			until = time.Now().UTC().AddDate(0, 0, evt.Data.ExtendDays)
		} else {
			return ErrBadPayload
		}
		if err := lt.ExtendExpiry(ctx, key, until); err != nil {
			return err
		}
		// An extension past a lapsed expiry lifts EXPIRED. SUSPENDED and
		// RESET stay as they are.
		return lt.UpdateStatusFrom(ctx, key, data.StatusExpired, data.StatusActive)
	}
	return ErrUnsupportedAction
}
