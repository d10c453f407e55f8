package milestone

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Milestone mirrors the milestones table. A milestone counts as approved when
// Status is completed and ApprovedAt is set; approval is terminal under normal
// flow.
type Milestone struct {
	ID          string
	ContractID  string
	Seq         int
	Title       string
	Description string
	Amount      int64
	Status      Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	ApprovedAt  *time.Time
	Feedback    *string
	Rating      *int
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Approved reports whether the client has signed off on the milestone.
func (m Milestone) Approved() bool {
	return m.Status == StatusCompleted && m.ApprovedAt != nil
}

// Deliverable is a work artifact attached to a milestone. It never mutates
// milestone status.
type Deliverable struct {
	ID          string
	MilestoneID string
	Name        string
	StorageRef  string
	UploaderID  string
	UploadedAt  time.Time
}

// ContractRow is the slice of the contract row the engine needs for role and
// state checks. Locking it serializes all mutation within one contract.
type ContractRow struct {
	ID          string
	ClientID    string
	WorkerID    string
	Status      string
	TotalAmount int64
}

const contractStatusActive = "active"
