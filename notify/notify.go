/*
Package notify delivers "caregiver arrived/left" notices to the family.

PURPOSE:
  The check-in validator hands every accepted event to an
  attendance.Notifier. Delivery to phones and mailboxes happens downstream;
  this package only publishes a JSON message to a broker (NATS or Kafka)
  or writes it to the log.

PAYLOAD:
  {"type":"attendance.check_in","event_id":"…","beneficiary_id":"B1",
   "beneficiary_name":"…","caregiver_name":"Alice","action":"check_in",
   "at":"2025-06-10T09:00:00Z","recipients":["…"]}

SEE ALSO:
  - checkin/validator.go: the only caller
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/care-attendance/attendance"
)

// SubjectPrefix is prepended to the action to form the NATS subject and the
// message type.
const SubjectPrefix = "attendance."

// Message is the wire form of an attendance.Notification.
type Message struct {
	Type            string    `json:"type"`
	EventID         string    `json:"event_id"`
	BeneficiaryID   string    `json:"beneficiary_id"`
	BeneficiaryName string    `json:"beneficiary_name"`
	CaregiverName   string    `json:"caregiver_name"`
	Action          string    `json:"action"`
	At              time.Time `json:"at"`
	Recipients      []string  `json:"recipients"`
}

func NewMessage(n attendance.Notification) Message {
	recipients := n.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	return Message{
		Type:            Subject(n.Action),
		EventID:         string(n.EventID),
		BeneficiaryID:   string(n.BeneficiaryID),
		BeneficiaryName: n.BeneficiaryName,
		CaregiverName:   n.CaregiverName,
		Action:          string(n.Action),
		At:              n.At.UTC(),
		Recipients:      recipients,
	}
}

// Subject returns e.g. "attendance.check_in".
func Subject(a attendance.Action) string {
	return SubjectPrefix + string(a)
}

func encode(n attendance.Notification) ([]byte, error) {
	payload, err := json.Marshal(NewMessage(n))
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return payload, nil
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes each notification as a structured log line. It is the
// default when no broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n attendance.Notification) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "attendance notification",
		"event_id", n.EventID,
		"beneficiary_id", n.BeneficiaryID,
		"caregiver", n.CaregiverName,
		"action", n.Action,
		"at", n.At,
		"recipients", len(n.Recipients))
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi fans a notification out to every notifier and joins their errors.
// One failing sink does not stop the others.
type Multi []attendance.Notifier

func (m Multi) Notify(ctx context.Context, n attendance.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithTimeout bounds each delivery so a slow broker cannot hold up the
// submission that triggered it.
func WithTimeout(next attendance.Notifier, d time.Duration) attendance.Notifier {
	return attendance.NotifierFunc(func(ctx context.Context, n attendance.Notification) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next.Notify(ctx, n)
	})
}
