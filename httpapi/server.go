package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"contractflow/application"
	"contractflow/contract"
	"contractflow/fault"
	"contractflow/job"
	"contractflow/milestone"
	"contractflow/payment"
	"contractflow/telemetry"
)

type jobService interface {
	Create(ctx context.Context, params job.CreateParams) (job.Posting, error)
	Get(ctx context.Context, id string) (job.Posting, error)
}

type applicationService interface {
	Submit(ctx context.Context, params application.SubmitParams) (application.Application, error)
	Reject(ctx context.Context, params application.RejectParams) (application.Application, error)
}

type milestoneService interface {
	Activate(ctx context.Context, params milestone.ActivateParams) (milestone.Milestone, error)
	WorkerComplete(ctx context.Context, params milestone.CompleteParams) (milestone.Milestone, error)
	Approve(ctx context.Context, params milestone.ApproveParams) (milestone.Milestone, error)
	Reject(ctx context.Context, params milestone.RejectParams) (milestone.Milestone, error)
	AttachDeliverable(ctx context.Context, params milestone.AttachDeliverableParams) (milestone.Deliverable, error)
}

type paymentService interface {
	RequestRelease(ctx context.Context, params payment.ReleaseParams) (payment.Payment, error)
	Retry(ctx context.Context, paymentID, actorID string) (payment.Payment, error)
}

type coordinatorService interface {
	AcceptApplication(ctx context.Context, params contract.AcceptParams) (contract.Contract, error)
	Complete(ctx context.Context, params contract.CompleteParams) (contract.Contract, error)
	Cancel(ctx context.Context, params contract.CancelParams) (contract.Contract, error)
	Get(ctx context.Context, contractID string) (contract.View, error)
}

// Server wires the lifecycle services behind the HTTP command surface. The
// acting user comes from the X-Actor-ID header; there is no auth layer here.
type Server struct {
	pool        *pgxpool.Pool
	jobs        jobService
	apps        applicationService
	milestones  milestoneService
	payments    paymentService
	coordinator coordinatorService
	logger      *zap.Logger
}

func NewServer(pool *pgxpool.Pool, jobs jobService, apps applicationService, ms milestoneService, pays paymentService, coord coordinatorService, logger *zap.Logger) *Server {
	return &Server{
		pool:        pool,
		jobs:        jobs,
		apps:        apps,
		milestones:  ms,
		payments:    pays,
		coordinator: coord,
		logger:      logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/applications", s.handleSubmitApplication)

	r.Post("/applications/{id}/accept", s.handleAcceptApplication)
	r.Post("/applications/{id}/reject", s.handleRejectApplication)

	r.Get("/contracts/{id}", s.handleGetContract)
	r.Post("/contracts/{id}/complete", s.handleCompleteContract)
	r.Post("/contracts/{id}/cancel", s.handleCancelContract)

	r.Post("/milestones/{id}/activate", s.handleActivateMilestone)
	r.Post("/milestones/{id}/complete", s.handleCompleteMilestone)
	r.Post("/milestones/{id}/approve", s.handleApproveMilestone)
	r.Post("/milestones/{id}/reject", s.handleRejectMilestone)
	r.Post("/milestones/{id}/deliverables", s.handleAttachDeliverable)
	r.Get("/milestones/{id}/deliverables", s.handleListDeliverables)

	r.Post("/payments/{id}/release", s.handleReleasePayment)
	r.Post("/payments/{id}/retry", s.handleRetryPayment)

	return r
}

func actorID(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

// decodeJSON tolerates an empty body; commands with no parameters can be
// POSTed bare.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type createJobRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	BudgetMin   int64    `json:"budget_min"`
	BudgetMax   int64    `json:"budget_max"`
	SkillTags   []string `json:"skill_tags"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	p, err := s.jobs.Create(r.Context(), job.CreateParams{
		ClientID:    actorID(r),
		Title:       req.Title,
		Description: req.Description,
		BudgetMin:   req.BudgetMin,
		BudgetMax:   req.BudgetMax,
		SkillTags:   req.SkillTags,
	})
	telemetry.ObserveCommand("job_create", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobView(p))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	postings, err := job.ListByClient(r.Context(), s.pool, actorID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]jobView, 0, len(postings))
	for _, p := range postings {
		views = append(views, toJobView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	apps, err := application.ListByJob(r.Context(), s.pool, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]applicationView, 0, len(apps))
	for _, a := range apps {
		views = append(views, toApplicationView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":          toJobView(p),
		"applications": views,
	})
}

type submitApplicationRequest struct {
	Amount       int64  `json:"amount"`
	DurationDays int    `json:"duration_days"`
	CoverText    string `json:"cover_text"`
}

func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req submitApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	a, err := s.apps.Submit(r.Context(), application.SubmitParams{
		JobID:        chi.URLParam(r, "id"),
		ApplicantID:  actorID(r),
		Amount:       req.Amount,
		DurationDays: req.DurationDays,
		CoverText:    req.CoverText,
	})
	telemetry.ObserveCommand("application_submit", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationView(a))
}

type acceptApplicationRequest struct {
	Currency string `json:"currency"`
	Schedule []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Amount      int64  `json:"amount"`
	} `json:"schedule"`
}

func (s *Server) handleAcceptApplication(w http.ResponseWriter, r *http.Request) {
	var req acceptApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	schedule := make([]contract.MilestoneSpec, 0, len(req.Schedule))
	for _, spec := range req.Schedule {
		schedule = append(schedule, contract.MilestoneSpec{
			Title:       spec.Title,
			Description: spec.Description,
			Amount:      spec.Amount,
		})
	}

	c, err := s.coordinator.AcceptApplication(r.Context(), contract.AcceptParams{
		ApplicationID: chi.URLParam(r, "id"),
		ActorID:       actorID(r),
		Currency:      req.Currency,
		Schedule:      schedule,
	})
	telemetry.ObserveCommand("application_accept", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractView(c))
}

type rejectApplicationRequest struct {
	ResponseText    string `json:"response_text"`
	ExpectedVersion int    `json:"expected_version"`
}

func (s *Server) handleRejectApplication(w http.ResponseWriter, r *http.Request) {
	var req rejectApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	a, err := s.apps.Reject(r.Context(), application.RejectParams{
		ApplicationID:   chi.URLParam(r, "id"),
		ActorID:         actorID(r),
		ResponseText:    req.ResponseText,
		ExpectedVersion: req.ExpectedVersion,
	})
	telemetry.ObserveCommand("application_reject", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationView(a))
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	v, err := s.coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDetail(v))
}

type completeContractRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleCompleteContract(w http.ResponseWriter, r *http.Request) {
	var req completeContractRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	c, err := s.coordinator.Complete(r.Context(), contract.CompleteParams{
		ContractID: chi.URLParam(r, "id"),
		ActorID:    actorID(r),
		Force:      req.Force,
	})
	telemetry.ObserveCommand("contract_complete", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractView(c))
}

type cancelContractRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelContract(w http.ResponseWriter, r *http.Request) {
	var req cancelContractRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	c, err := s.coordinator.Cancel(r.Context(), contract.CancelParams{
		ContractID: chi.URLParam(r, "id"),
		ActorID:    actorID(r),
		Reason:     req.Reason,
	})
	telemetry.ObserveCommand("contract_cancel", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractView(c))
}

type milestoneCommandRequest struct {
	ExpectedVersion int `json:"expected_version"`
}

func (s *Server) handleActivateMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m, err := s.milestones.Activate(r.Context(), milestone.ActivateParams{
		MilestoneID:     chi.URLParam(r, "id"),
		ActorID:         actorID(r),
		ExpectedVersion: req.ExpectedVersion,
	})
	telemetry.ObserveCommand("milestone_activate", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m, err := s.milestones.WorkerComplete(r.Context(), milestone.CompleteParams{
		MilestoneID:     chi.URLParam(r, "id"),
		ActorID:         actorID(r),
		ExpectedVersion: req.ExpectedVersion,
	})
	telemetry.ObserveCommand("milestone_complete", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

type approveMilestoneRequest struct {
	Rating          *int   `json:"rating"`
	Feedback        string `json:"feedback"`
	ExpectedVersion int    `json:"expected_version"`
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	var req approveMilestoneRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m, err := s.milestones.Approve(r.Context(), milestone.ApproveParams{
		MilestoneID:     chi.URLParam(r, "id"),
		ActorID:         actorID(r),
		Rating:          req.Rating,
		Feedback:        req.Feedback,
		ExpectedVersion: req.ExpectedVersion,
	})
	telemetry.ObserveCommand("milestone_approve", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

type rejectMilestoneRequest struct {
	Feedback        string `json:"feedback"`
	ExpectedVersion int    `json:"expected_version"`
}

func (s *Server) handleRejectMilestone(w http.ResponseWriter, r *http.Request) {
	var req rejectMilestoneRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Feedback == "" {
		http.Error(w, "feedback is required", http.StatusBadRequest)
		return
	}

	m, err := s.milestones.Reject(r.Context(), milestone.RejectParams{
		MilestoneID:     chi.URLParam(r, "id"),
		ActorID:         actorID(r),
		Feedback:        req.Feedback,
		ExpectedVersion: req.ExpectedVersion,
	})
	telemetry.ObserveCommand("milestone_reject", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

type attachDeliverableRequest struct {
	Name       string `json:"name"`
	StorageRef string `json:"storage_ref"`
}

func (s *Server) handleAttachDeliverable(w http.ResponseWriter, r *http.Request) {
	var req attachDeliverableRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	d, err := s.milestones.AttachDeliverable(r.Context(), milestone.AttachDeliverableParams{
		MilestoneID: chi.URLParam(r, "id"),
		UploaderID:  actorID(r),
		Name:        req.Name,
		StorageRef:  req.StorageRef,
	})
	telemetry.ObserveCommand("deliverable_attach", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeliverableView(d))
}

func (s *Server) handleListDeliverables(w http.ResponseWriter, r *http.Request) {
	ds, err := milestone.ListDeliverables(r.Context(), s.pool, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]deliverableView, 0, len(ds))
	for _, d := range ds {
		views = append(views, toDeliverableView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliverables": views})
}

type releasePaymentRequest struct {
	ExpectedVersion int `json:"expected_version"`
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	var req releasePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	p, err := payment.Get(r.Context(), s.pool, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	updated, err := s.payments.RequestRelease(r.Context(), payment.ReleaseParams{
		MilestoneID:     p.MilestoneID,
		ActorID:         actorID(r),
		ExpectedVersion: req.ExpectedVersion,
	})
	telemetry.ObserveCommand("payment_release", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toPaymentView(updated))
}

func (s *Server) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Retry(r.Context(), chi.URLParam(r, "id"), actorID(r))
	telemetry.ObserveCommand("payment_retry", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toPaymentView(p))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, fault.ErrDuplicateApplication), errors.Is(err, fault.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrInvalidTransition), errors.Is(err, fault.ErrSequenceViolation), errors.Is(err, fault.ErrInvalidContractState):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, fault.ErrSettlementFailure):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
