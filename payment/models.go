package payment

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Payment mirrors the payments table; one row per milestone. Amount is in
// minor currency units. Escrow moves held -> released only together with the
// payment reaching completed.
type Payment struct {
	ID            string
	ContractID    string
	MilestoneID   string
	Amount        int64
	Currency      string
	Status        Status
	EscrowStatus  EscrowStatus
	FailureReason *string
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ContractRow is the slice of the contract row the processor needs.
type ContractRow struct {
	ID          string
	ClientID    string
	WorkerID    string
	Status      string
	TotalAmount int64
}

// MilestoneRow is the slice of the milestone row gating a release.
type MilestoneRow struct {
	ID         string
	ContractID string
	Seq        int
	Status     string
	ApprovedAt *time.Time
}

const (
	contractStatusActive    = "active"
	contractStatusCancelled = "cancelled"
)
