// Package notify relays document status changes to external subscribers. A
// notification names documents and analyses by id only; it never carries an
// identity hash, essay text or feedback.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"marking-backend/internal/events"
)

// Version of the notification body.
const Version = 1

// Notification is the message published after a commit.
type Notification struct {
	Sequence   uint64    `json:"sequence"`
	Kind       string    `json:"kind"`
	DocumentID string    `json:"documentId,omitempty"`
	AnalysisID string    `json:"analysisId,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
	Version    int       `json:"version"`
}

// Publisher sends notifications to a backend.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Encode returns the JSON representation of a notification.
func Encode(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// Decode parses a JSON payload into a Notification.
func Decode(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// FromEvent maps a committed event to a notification. Events that do not
// change a document, such as IdentityAnonymized, yield false.
func FromEvent(evt events.Event) (Notification, bool) {
	n := Notification{
		Sequence:   evt.Sequence,
		Kind:       string(evt.Kind()),
		RecordedAt: evt.Timestamp,
		Version:    Version,
	}
	switch p := evt.Payload.(type) {
	case events.DocumentLoaded:
		n.DocumentID, n.Status = p.DocumentID, "Pending"
	case events.AnalysisRequested:
		n.DocumentID, n.AnalysisID, n.Status = p.DocumentID, p.AnalysisID, "Analyzing"
	case events.AnalysisCompleted:
		n.DocumentID, n.AnalysisID, n.Status = p.DocumentID, p.AnalysisID, "Analyzed"
	case events.AnalysisFailed:
		n.DocumentID, n.AnalysisID, n.Reason = p.DocumentID, p.AnalysisID, p.Reason
	case events.FeedbackEdited:
		n.DocumentID = p.DocumentID
	case events.DocumentExported:
		n.DocumentID, n.Status = p.DocumentID, "Exported"
	case events.DocumentDeleted:
		n.DocumentID, n.Status = p.DocumentID, "Deleted"
	default:
		return Notification{}, false
	}
	return n, true
}

// NopPublisher discards notifications.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Notification) error { return nil }
func (NopPublisher) Close() error                                { return nil }
