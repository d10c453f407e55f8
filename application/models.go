package application

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Application mirrors the applications table. Amount is in minor currency
// units.
type Application struct {
	ID           string
	JobID        string
	ApplicantID  string
	Amount       int64
	DurationDays int
	CoverText    string
	Status       Status
	ResponseText *string
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
