package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"contractflow/application"
	"contractflow/db"
	"contractflow/fault"
	"contractflow/job"
	"contractflow/milestone"
	"contractflow/notify"
	"contractflow/payment"
)

// OutboxWriter appends one notification event inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, contractID string, kind notify.EventKind, humanText string, payload map[string]any) error
}

// SettlementCanceller drops scheduled settlements for cancelled contracts.
type SettlementCanceller interface {
	Cancel(ctx context.Context, paymentID string) error
}

const defaultCurrency = "USD"

// Coordinator orchestrates the application ledger, milestone engine, and
// escrow processor. Accepting an application, completing a contract, and
// cancelling one are each a single transaction across all three.
type Coordinator struct {
	pool   db.TxBeginner
	reader *pgxpool.Pool
	repo   Repository
	apps   application.Repository
	jobs   job.Repository
	ms     milestone.Repository
	pays   payment.Repository
	outbox OutboxWriter
	sched  SettlementCanceller
	logger *zap.Logger

	idGenerator func() string
	now         func() time.Time
}

// Deps collects the coordinator's collaborators; nil repositories default to
// the Postgres implementations.
type Deps struct {
	Pool   db.TxBeginner
	Reader *pgxpool.Pool
	Repo   Repository
	Apps   application.Repository
	Jobs   job.Repository
	MS     milestone.Repository
	Pays   payment.Repository
	Outbox OutboxWriter
	Sched  SettlementCanceller
	Logger *zap.Logger
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Repo == nil {
		d.Repo = NewRepository()
	}
	if d.Apps == nil {
		d.Apps = application.NewRepository()
	}
	if d.Jobs == nil {
		d.Jobs = job.NewRepository()
	}
	if d.MS == nil {
		d.MS = milestone.NewRepository()
	}
	if d.Pays == nil {
		d.Pays = payment.NewRepository()
	}
	return &Coordinator{
		pool:        d.Pool,
		reader:      d.Reader,
		repo:        d.Repo,
		apps:        d.Apps,
		jobs:        d.Jobs,
		ms:          d.MS,
		pays:        d.Pays,
		outbox:      d.Outbox,
		sched:       d.Sched,
		logger:      d.Logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (c *Coordinator) WithIDGenerator(gen func() string) *Coordinator {
	c.idGenerator = gen
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

type AcceptParams struct {
	ApplicationID string
	ActorID       string
	Currency      string
	Schedule      []MilestoneSpec
}

// AcceptApplication flips a pending application to accepted and materialises
// the contract: milestone schedule seeded (first milestone active), one held
// escrow payment per milestone, job posting marked active. All in one
// transaction; a failure leaves nothing behind.
func (c *Coordinator) AcceptApplication(ctx context.Context, params AcceptParams) (Contract, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	app, err := c.apps.GetForUpdateTx(ctx, tx, params.ApplicationID)
	if err != nil {
		return Contract{}, err
	}

	posting, err := c.jobs.GetForUpdateTx(ctx, tx, app.JobID)
	if err != nil {
		return Contract{}, err
	}
	if posting.ClientID != params.ActorID {
		return Contract{}, fmt.Errorf("contract: caller is not the job owner: %w", fault.ErrPermissionDenied)
	}
	if app.Status != application.StatusPending {
		return Contract{}, fmt.Errorf("contract: application %s is %s: %w", app.ID, app.Status, fault.ErrInvalidContractState)
	}
	if posting.Status != job.StatusOpen {
		return Contract{}, fmt.Errorf("contract: job %s is %s: %w", posting.ID, posting.Status, fault.ErrInvalidContractState)
	}

	schedule := params.Schedule
	if len(schedule) == 0 {
		schedule = []MilestoneSpec{{Title: posting.Title, Description: "Full delivery", Amount: app.Amount}}
	}
	var scheduled int64
	for _, spec := range schedule {
		if spec.Amount <= 0 {
			return Contract{}, fmt.Errorf("contract: milestone amounts must be positive")
		}
		scheduled += spec.Amount
	}
	if scheduled != app.Amount {
		return Contract{}, fmt.Errorf("contract: milestone schedule sums to %d, proposal is %d", scheduled, app.Amount)
	}

	currency := params.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	if _, err := c.apps.SetStatusTx(ctx, tx, app.ID, application.StatusAccepted, nil, 0); err != nil {
		return Contract{}, err
	}

	now := c.now().UTC()
	agreed := Contract{
		ID:            c.idGenerator(),
		JobID:         posting.ID,
		ApplicationID: app.ID,
		ClientID:      posting.ClientID,
		WorkerID:      app.ApplicantID,
		TotalAmount:   app.Amount,
		Currency:      currency,
		Status:        StatusActive,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.repo.InsertTx(ctx, tx, agreed); err != nil {
		return Contract{}, err
	}

	for i, spec := range schedule {
		m := milestone.Milestone{
			ID:          c.idGenerator(),
			ContractID:  agreed.ID,
			Seq:         i,
			Title:       spec.Title,
			Description: spec.Description,
			Amount:      spec.Amount,
			Status:      milestone.StatusPending,
		}
		if i == 0 {
			started := now
			m.Status = milestone.StatusInProgress
			m.StartedAt = &started
		}
		if err := c.ms.InsertTx(ctx, tx, m); err != nil {
			return Contract{}, err
		}

		p := payment.Payment{
			ID:           c.idGenerator(),
			ContractID:   agreed.ID,
			MilestoneID:  m.ID,
			Amount:       spec.Amount,
			Currency:     currency,
			Status:       payment.StatusPending,
			EscrowStatus: payment.EscrowHeld,
		}
		if err := c.pays.InsertTx(ctx, tx, p); err != nil {
			return Contract{}, err
		}
	}

	if err := c.jobs.SetStatusTx(ctx, tx, posting.ID, job.StatusActive); err != nil {
		return Contract{}, err
	}

	if err := c.outbox.Enqueue(ctx, tx, agreed.ID, notify.KindApplicationAccepted,
		fmt.Sprintf("Application accepted, contract started with %d milestone(s).", len(schedule)),
		map[string]any{"application_id": app.ID, "job_id": posting.ID, "total_amount": agreed.TotalAmount},
	); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit: %w", err)
	}

	c.logger.Info("contract created from accepted application",
		zap.String("contract_id", agreed.ID),
		zap.String("job_id", posting.ID),
		zap.String("worker_id", agreed.WorkerID),
		zap.Int64("total_amount", agreed.TotalAmount),
	)
	return agreed, nil
}

type CompleteParams struct {
	ContractID string
	ActorID    string
	// Force is the client's explicit "complete without further milestones"
	// override.
	Force bool
}

// Complete closes the contract once every milestone is approved and every
// payment released, or immediately under the client override.
func (c *Coordinator) Complete(ctx context.Context, params CompleteParams) (Contract, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := c.repo.GetForUpdateTx(ctx, tx, params.ContractID)
	if err != nil {
		return Contract{}, err
	}
	if current.Terminal() {
		return Contract{}, fmt.Errorf("contract: %s is %s: %w", current.ID, current.Status, fault.ErrInvalidContractState)
	}
	if params.ActorID != current.ClientID {
		return Contract{}, fmt.Errorf("contract: caller is not the contract client: %w", fault.ErrPermissionDenied)
	}

	if !params.Force {
		ms, err := c.ms.ListByContractTx(ctx, tx, current.ID)
		if err != nil {
			return Contract{}, err
		}
		for _, m := range ms {
			if m.Status == milestone.StatusCancelled {
				continue
			}
			if !m.Approved() {
				return Contract{}, fmt.Errorf("contract: milestone %d not approved: %w", m.Seq, fault.ErrInvalidContractState)
			}
		}

		pays, err := c.pays.ListByContractTx(ctx, tx, current.ID)
		if err != nil {
			return Contract{}, err
		}
		for _, p := range pays {
			if p.EscrowStatus != payment.EscrowReleased {
				return Contract{}, fmt.Errorf("contract: payment for milestone %s not released: %w", p.MilestoneID, fault.ErrInvalidContractState)
			}
		}
	}

	updated, err := c.repo.UpdateStatusTx(ctx, tx, current.ID, StatusCompleted, nil)
	if err != nil {
		return Contract{}, err
	}
	if err := c.jobs.SetStatusTx(ctx, tx, current.JobID, job.StatusCompleted); err != nil {
		return Contract{}, err
	}

	if err := c.outbox.Enqueue(ctx, tx, current.ID, notify.KindContractCompleted,
		"Contract completed. Thanks for working together!",
		map[string]any{"job_id": current.JobID, "forced": params.Force},
	); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit: %w", err)
	}

	c.logger.Info("contract completed",
		zap.String("contract_id", updated.ID),
		zap.Bool("forced", params.Force),
	)
	return updated, nil
}

type CancelParams struct {
	ContractID string
	ActorID    string
	Reason     string
}

// Cancel terminates a non-terminal contract. Unfinished milestones are
// cancelled, in-flight settlements are failed and unscheduled, released
// payments are left untouched (no auto-refund).
func (c *Coordinator) Cancel(ctx context.Context, params CancelParams) (Contract, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := c.repo.GetForUpdateTx(ctx, tx, params.ContractID)
	if err != nil {
		return Contract{}, err
	}
	if current.Terminal() {
		return Contract{}, fmt.Errorf("contract: %s is %s: %w", current.ID, current.Status, fault.ErrInvalidContractState)
	}
	if params.ActorID != current.ClientID {
		return Contract{}, fmt.Errorf("contract: caller is not the contract client: %w", fault.ErrPermissionDenied)
	}

	ms, err := c.ms.ListByContractTx(ctx, tx, current.ID)
	if err != nil {
		return Contract{}, err
	}
	for _, m := range ms {
		if m.Status == milestone.StatusPending || m.Status == milestone.StatusInProgress {
			m.Status = milestone.StatusCancelled
			if _, err := c.ms.UpdateTx(ctx, tx, m, m.Version); err != nil {
				return Contract{}, err
			}
		}
	}

	pays, err := c.pays.ListByContractTx(ctx, tx, current.ID)
	if err != nil {
		return Contract{}, err
	}
	var inflight []string
	for _, p := range pays {
		if p.Status == payment.StatusProcessing {
			reason := "contract cancelled"
			p.Status = payment.StatusFailed
			p.FailureReason = &reason
			if _, err := c.pays.UpdateTx(ctx, tx, p, p.Version); err != nil {
				return Contract{}, err
			}
			inflight = append(inflight, p.ID)
		}
	}

	var reason *string
	if params.Reason != "" {
		reason = &params.Reason
	}
	updated, err := c.repo.UpdateStatusTx(ctx, tx, current.ID, StatusCancelled, reason)
	if err != nil {
		return Contract{}, err
	}
	if err := c.jobs.SetStatusTx(ctx, tx, current.JobID, job.StatusCancelled); err != nil {
		return Contract{}, err
	}

	if err := c.outbox.Enqueue(ctx, tx, current.ID, notify.KindContractCancelled,
		fmt.Sprintf("Contract was cancelled: %s", params.Reason),
		map[string]any{"job_id": current.JobID, "reason": params.Reason},
	); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit: %w", err)
	}

	// Unschedule after commit; a settlement that already fired re-checks the
	// contract status and fails the payment instead of releasing it.
	if c.sched != nil {
		for _, id := range inflight {
			if err := c.sched.Cancel(ctx, id); err != nil {
				c.logger.Warn("failed to unschedule settlement",
					zap.String("payment_id", id),
					zap.Error(err),
				)
			}
		}
	}

	c.logger.Info("contract cancelled",
		zap.String("contract_id", updated.ID),
		zap.String("reason", params.Reason),
	)
	return updated, nil
}

// Get assembles the contract view: schedule, payments, progress.
func (c *Coordinator) Get(ctx context.Context, contractID string) (View, error) {
	agreed, err := Get(ctx, c.reader, contractID)
	if err != nil {
		return View{}, err
	}

	ms, err := milestone.ListByContract(ctx, c.reader, contractID)
	if err != nil {
		return View{}, err
	}
	pays, err := payment.ListByContract(ctx, c.reader, contractID)
	if err != nil {
		return View{}, err
	}

	return View{
		Contract:   agreed,
		Milestones: ms,
		Payments:   pays,
		Progress:   milestone.ComputeProgress(ms),
	}, nil
}
