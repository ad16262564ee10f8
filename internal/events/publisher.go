// Package events fans license lifecycle events out to reporting
// collaborators: a NATS subject for downstream consumers and an in-process
// hub feeding the live websocket tail.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type Event struct {
	Type       string         `json:"type"`
	LicenseKey string         `json:"license_key,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

type Publisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
	hub        *Hub
}

// NewPublisher builds a publisher. A nil conn disables NATS delivery but
// keeps the local hub working, so the service runs without a broker.
func NewPublisher(conn *nats.Conn, subject string, maxRetries int, hub *Hub) *Publisher {
	if subject == "" {
		subject = "license.events"
	}
	return &Publisher{conn: conn, subject: subject, maxRetries: maxRetries, hub: hub}
}

// PublishLicenseEvent emits one event. Delivery is best-effort with bounded
// retries; a failed publish is logged and dropped, never surfaced to the
// operation that produced it.
func (p *Publisher) PublishLicenseEvent(eventType string, key uuid.UUID, fields map[string]any) {
	evt := Event{
		Type:       eventType,
		LicenseKey: key.String(),
		Fields:     fields,
		At:         time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("events: marshal failed for %s: %v", eventType, err)
		return
	}

	if p.hub != nil {
		p.hub.Broadcast(payload)
	}

	if p.conn == nil {
		return
	}
	for i := 0; i <= p.maxRetries; i++ {
		if err = p.conn.Publish(p.subject, payload); err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	log.Printf("events: publish of %s failed after %d retries: %v", eventType, p.maxRetries, err)
}
