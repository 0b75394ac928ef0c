package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/garnizeh/servicemarket/pkg/models"
)

// JobDispatch is the outbox job type that delivers one notification.
const JobDispatch = "notification.dispatch"

// jobPriority runs notification jobs ahead of the default outbox priority.
const jobPriority = 50

// DispatchJob is the payload of a JobDispatch outbox row.
type DispatchJob struct {
	RecipientID int64           `json:"recipient_id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Job builds the outbox row for a notification. payload is encoded as the
// notification's JSON payload.
func Job(recipientID int64, typ, title, message string, payload any) models.BackgroundJob {
	var raw json.RawMessage
	if payload != nil {
		// payloads are plain maps and structs built by this module
		raw, _ = json.Marshal(payload)
	}

	body, _ := json.Marshal(DispatchJob{
		RecipientID: recipientID,
		Type:        typ,
		Title:       title,
		Message:     message,
		Payload:     raw,
	})

	return models.BackgroundJob{
		Type:     JobDispatch,
		Payload:  body,
		Priority: jobPriority,
	}
}

// HandleJob runs a JobDispatch row. It has the signature of a worker pool
// handler.
func (d *Dispatcher) HandleJob(ctx context.Context, j *models.BackgroundJob) error {
	var p DispatchJob
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return fmt.Errorf("decode dispatch job: %w", err)
	}

	if _, err := d.Dispatch(ctx, p.RecipientID, p.Type, p.Title, p.Message, p.Payload); err != nil {
		return fmt.Errorf("dispatch %s to %d: %w", p.Type, p.RecipientID, err)
	}

	return nil
}
