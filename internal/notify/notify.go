// Package notify delivers fire-and-forget applicant notifications. Delivery
// failures are logged and never roll back the state transition that caused
// the event.
package notify

import (
	"context"

	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/securelog"
)

// Event names a notification-worthy state change.
type Event string

const (
	EventAdmitted     Event = "admitted"
	EventWaitlisted   Event = "waitlisted"
	EventRejected     Event = "rejected"
	EventBonusGranted Event = "bonus_granted"
)

type Notifier interface {
	Notify(ctx context.Context, applicantID applicant.ID, event Event)
}

// LogNotifier records notification events through securelog. It stands in
// for an email delivery backend; the engine only depends on the interface.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(_ context.Context, applicantID applicant.ID, event Event) {
	securelog.Event("notify."+string(event), string(applicantID))
}

// Multi fans one notification out to several sinks.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, applicantID applicant.ID, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, applicantID, event)
		}
	}
}
