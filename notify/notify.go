// Package notify pushes human-readable lifecycle events into the external
// conversation subsystem. State-changing commands write exactly one event into
// the outbox inside their own transaction; the dispatcher drains the outbox
// and delivers through a Port, so a rolled-back command never notifies.
package notify

import "context"

// EventKind enumerates the lifecycle events surfaced to conversations.
type EventKind string

const (
	KindApplicationAccepted EventKind = "application_accepted"
	KindApplicationRejected EventKind = "application_rejected"
	KindMilestoneActivated  EventKind = "milestone_activated"
	KindMilestoneCompleted  EventKind = "milestone_completed"
	KindMilestoneApproved   EventKind = "milestone_approved"
	KindMilestoneRejected   EventKind = "milestone_rejected"
	KindPaymentRequested    EventKind = "payment_requested"
	KindPaymentReleased     EventKind = "payment_released"
	KindContractCompleted   EventKind = "contract_completed"
	KindContractCancelled   EventKind = "contract_cancelled"
)

// Event is one delivered notification.
type Event struct {
	ContractID string         `json:"contract_id"`
	Kind       EventKind      `json:"kind"`
	HumanText  string         `json:"human_text"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Port is the one-way interface into the conversation subsystem.
type Port interface {
	Notify(ctx context.Context, ev Event) error
}
