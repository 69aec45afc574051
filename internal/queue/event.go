// Package queue carries audit entries over RabbitMQ when the broker sink is
// selected: the API publishes, a background consumer persists to MySQL.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

const DefaultAuditQueue = "audit_logs"

const auditEventVersion = 1

// AuditEvent is the message body published for each audit entry.
type AuditEvent struct {
	Version int              `json:"v"`
	Entry   model.AuditEntry `json:"entry"`
}

func encodeAuditEvent(e model.AuditEntry) ([]byte, error) {
	return json.Marshal(AuditEvent{Version: auditEventVersion, Entry: e})
}

func decodeAuditEvent(body []byte) (model.AuditEntry, error) {
	var ev AuditEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return model.AuditEntry{}, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Version != auditEventVersion {
		return model.AuditEntry{}, fmt.Errorf("unsupported audit event version %d", ev.Version)
	}
	if ev.Entry.Action == "" {
		return model.AuditEntry{}, errors.New("audit event without action")
	}
	if ev.Entry.ID == "" {
		return model.AuditEntry{}, errors.New("audit event without id")
	}
	return ev.Entry, nil
}
