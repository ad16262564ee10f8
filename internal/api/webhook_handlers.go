package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-license/internal/gateway"
	"github.com/technosupport/ts-license/internal/webhook"
)

type WebhookObserver interface {
	ObserveWebhook(provider, result string)
}

// WebhookHandler terminates provider callbacks. Status codes are chosen for
// the provider's retry logic: 2xx stops retries, 5xx asks for another
// delivery, 4xx marks the delivery unprocessable.
type WebhookHandler struct {
	Processor *webhook.Processor
	Metrics   WebhookObserver
}

func NewWebhookHandler(p *webhook.Processor, m WebhookObserver) *WebhookHandler {
	return &WebhookHandler{Processor: p, Metrics: m}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.observe(provider, "bad_payload")
		gateway.WriteError(w, start, gateway.CodeValidationError, "unreadable body", nil)
		return
	}

	sigHeader := "X-Webhook-Signature"
	if cfg, ok := h.Processor.Provider(provider); ok && cfg.SignatureHeader != "" {
		sigHeader = cfg.SignatureHeader
	}

	outcome, err := h.Processor.Process(r.Context(), provider, body, r.Header.Get(sigHeader))
	switch {
	case err == nil:
		result := "applied"
		if outcome.Replayed {
			result = "replayed"
		}
		h.observe(provider, result)
		gateway.WriteSuccess(w, start, outcome)

	case errors.Is(err, webhook.ErrUnknownProvider):
		h.observe(provider, "unknown_provider")
		gateway.WriteError(w, start, gateway.CodeValidationError, "unknown provider", nil)

	case errors.Is(err, webhook.ErrSignatureInvalid):
		h.observe(provider, "signature_invalid")
		gateway.WriteError(w, start, gateway.CodeWebhookSignatureInvalid, "signature verification failed", nil)

	case errors.Is(err, webhook.ErrBadPayload), errors.Is(err, webhook.ErrUnsupportedAction):
		h.observe(provider, "bad_payload")
		gateway.WriteError(w, start, gateway.CodeValidationError, "payload rejected", nil)

	case errors.Is(err, webhook.ErrPermanentlyFailed):
		// 200 on purpose: redelivering a permanently failed event is noise.
		// Operators find it via the failed-webhook list.
		h.observe(provider, "permanently_failed")
		gateway.WriteErrorStatus(w, start, http.StatusOK, gateway.CodeWebhookProcessingFailed, "event permanently failed", nil)

	default:
		log.Printf("webhook %s: %v", provider, err)
		h.observe(provider, "transient_error")
		gateway.WriteError(w, start, gateway.CodeWebhookProcessingFailed, "processing failed, retry later", nil)
	}
}

func (h *WebhookHandler) observe(provider, result string) {
	if h.Metrics != nil {
		h.Metrics.ObserveWebhook(provider, result)
	}
}
