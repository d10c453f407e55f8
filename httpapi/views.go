package httpapi

import (
	"time"

	"contractflow/application"
	"contractflow/contract"
	"contractflow/job"
	"contractflow/milestone"
	"contractflow/payment"
)

// The wire shapes are kept apart from the domain structs so the JSON surface
// can evolve without touching the services.

type jobView struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	BudgetMin   int64     `json:"budget_min"`
	BudgetMax   int64     `json:"budget_max"`
	SkillTags   []string  `json:"skill_tags"`
	Status      string    `json:"status"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toJobView(p job.Posting) jobView {
	return jobView{
		ID:          p.ID,
		ClientID:    p.ClientID,
		Title:       p.Title,
		Description: p.Description,
		BudgetMin:   p.BudgetMin,
		BudgetMax:   p.BudgetMax,
		SkillTags:   p.SkillTags,
		Status:      string(p.Status),
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type applicationView struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	ApplicantID  string    `json:"applicant_id"`
	Amount       int64     `json:"amount"`
	DurationDays int       `json:"duration_days"`
	CoverText    string    `json:"cover_text"`
	Status       string    `json:"status"`
	ResponseText *string   `json:"response_text,omitempty"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toApplicationView(a application.Application) applicationView {
	return applicationView{
		ID:           a.ID,
		JobID:        a.JobID,
		ApplicantID:  a.ApplicantID,
		Amount:       a.Amount,
		DurationDays: a.DurationDays,
		CoverText:    a.CoverText,
		Status:       string(a.Status),
		ResponseText: a.ResponseText,
		Version:      a.Version,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

type milestoneView struct {
	ID          string     `json:"id"`
	ContractID  string     `json:"contract_id"`
	Seq         int        `json:"seq"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	Feedback    *string    `json:"feedback,omitempty"`
	Rating      *int       `json:"rating,omitempty"`
	Version     int        `json:"version"`
}

func toMilestoneView(m milestone.Milestone) milestoneView {
	return milestoneView{
		ID:          m.ID,
		ContractID:  m.ContractID,
		Seq:         m.Seq,
		Title:       m.Title,
		Description: m.Description,
		Amount:      m.Amount,
		Status:      string(m.Status),
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		ApprovedAt:  m.ApprovedAt,
		Feedback:    m.Feedback,
		Rating:      m.Rating,
		Version:     m.Version,
	}
}

type deliverableView struct {
	ID          string    `json:"id"`
	MilestoneID string    `json:"milestone_id"`
	Name        string    `json:"name"`
	StorageRef  string    `json:"storage_ref"`
	UploaderID  string    `json:"uploader_id"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func toDeliverableView(d milestone.Deliverable) deliverableView {
	return deliverableView{
		ID:          d.ID,
		MilestoneID: d.MilestoneID,
		Name:        d.Name,
		StorageRef:  d.StorageRef,
		UploaderID:  d.UploaderID,
		UploadedAt:  d.UploadedAt,
	}
}

type paymentView struct {
	ID            string    `json:"id"`
	ContractID    string    `json:"contract_id"`
	MilestoneID   string    `json:"milestone_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	EscrowStatus  string    `json:"escrow_status"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toPaymentView(p payment.Payment) paymentView {
	return paymentView{
		ID:            p.ID,
		ContractID:    p.ContractID,
		MilestoneID:   p.MilestoneID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        string(p.Status),
		EscrowStatus:  string(p.EscrowStatus),
		FailureReason: p.FailureReason,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type contractView struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	ApplicationID string    `json:"application_id"`
	ClientID      string    `json:"client_id"`
	WorkerID      string    `json:"worker_id"`
	TotalAmount   int64     `json:"total_amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	CancelReason  *string   `json:"cancel_reason,omitempty"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toContractView(c contract.Contract) contractView {
	return contractView{
		ID:            c.ID,
		JobID:         c.JobID,
		ApplicationID: c.ApplicationID,
		ClientID:      c.ClientID,
		WorkerID:      c.WorkerID,
		TotalAmount:   c.TotalAmount,
		Currency:      c.Currency,
		Status:        string(c.Status),
		CancelReason:  c.CancelReason,
		Version:       c.Version,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

type contractDetail struct {
	Contract   contractView    `json:"contract"`
	Milestones []milestoneView `json:"milestones"`
	Payments   []paymentView   `json:"payments"`
	Progress   float64         `json:"progress"`
}

func toContractDetail(v contract.View) contractDetail {
	ms := make([]milestoneView, 0, len(v.Milestones))
	for _, m := range v.Milestones {
		ms = append(ms, toMilestoneView(m))
	}
	ps := make([]paymentView, 0, len(v.Payments))
	for _, p := range v.Payments {
		ps = append(ps, toPaymentView(p))
	}
	return contractDetail{
		Contract:   toContractView(v.Contract),
		Milestones: ms,
		Payments:   ps,
		Progress:   v.Progress,
	}
}
