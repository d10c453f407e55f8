package contract

import (
	"time"

	"contractflow/milestone"
	"contractflow/payment"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Contract mirrors the contracts table. TotalAmount is in minor currency
// units and always equals the sum of its milestone amounts.
type Contract struct {
	ID            string
	JobID         string
	ApplicationID string
	ClientID      string
	WorkerID      string
	TotalAmount   int64
	Currency      string
	Status        Status
	CancelReason  *string
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the contract can accept no further lifecycle
// commands.
func (c Contract) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusCancelled
}

// View is the read model returned to the UI: the contract plus its milestone
// and payment schedules and the recomputed progress ratio.
type View struct {
	Contract   Contract
	Milestones []milestone.Milestone
	Payments   []payment.Payment
	Progress   float64
}

// MilestoneSpec describes one entry of an explicit milestone schedule supplied
// at acceptance time.
type MilestoneSpec struct {
	Title       string
	Description string
	Amount      int64
}
