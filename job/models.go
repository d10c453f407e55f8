package job

import "time"

// Status tracks the posting lifecycle. Once a contract exists the status is
// derived from it and mutated only by the contract coordinator.
type Status string

const (
	StatusOpen      Status = "open"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Posting mirrors the jobs table.
type Posting struct {
	ID          string
	ClientID    string
	Title       string
	Description string
	BudgetMin   int64
	BudgetMax   int64
	SkillTags   []string
	Status      Status
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
