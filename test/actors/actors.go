package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/application"
	"contractflow/contract"
	"contractflow/job"
	"contractflow/milestone"
	"contractflow/notify"
	"contractflow/payment"
)

// Env bundles the services the actors drive plus the seeded identifiers they
// contend over. Actors go through the real services so every invariant check
// in the stack is exercised; command rejections under contention are expected
// and ignored, the oracles judge the resulting state.
type Env struct {
	Pool        *pgxpool.Pool
	Jobs        *job.Service
	Apps        *application.Service
	Milestones  *milestone.Service
	Payments    *payment.Service
	Coordinator *contract.Coordinator
	Dispatcher  *notify.Dispatcher
	Settler     *payment.Worker

	ClientID  string
	WorkerIDs []string
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// openJob picks a random open posting owned by the stress client.
func openJob(ctx context.Context, pool *pgxpool.Pool, clientID string) (string, bool) {
	var id string
	err := pool.QueryRow(ctx,
		`SELECT id FROM jobs WHERE client_id = $1 AND status = 'open' ORDER BY random() LIMIT 1`,
		clientID).Scan(&id)
	return id, err == nil
}

// Poster keeps a few open postings available so the pipeline never starves
// after accepts and cancellations close jobs.
func Poster(ctx context.Context, env *Env, stop <-chan struct{}) error {
	n := 0
	for !stopped(ctx, stop) {
		var open int
		if err := env.Pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE client_id = $1 AND status = 'open'`,
			env.ClientID).Scan(&open); err == nil && open < 3 {
			n++
			_, _ = env.Jobs.Create(ctx, job.CreateParams{
				ClientID:  env.ClientID,
				Title:     fmt.Sprintf("Stress job %d", n),
				BudgetMin: 500,
				BudgetMax: 5000,
				SkillTags: []string{},
			})
		}
		pause(40, 60)
	}
	return nil
}

// Applicant floods open postings with applications from a fixed worker pool.
// Duplicates and closed-job rejections are expected under contention.
func Applicant(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if jobID, ok := openJob(ctx, env.Pool, env.ClientID); ok {
			workerID := env.WorkerIDs[rand.Intn(len(env.WorkerIDs))]
			_, _ = env.Apps.Submit(ctx, application.SubmitParams{
				JobID:       jobID,
				ApplicantID: workerID,
				Amount:      int64(500 + rand.Intn(10)*100),
				CoverText:   "stress application",
			})
		}
		pause(10, 20)
	}
	return nil
}

// Acceptor races to accept pending applications; at most one accept can win
// per job.
func Acceptor(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var appID string
		var amount int64
		err := env.Pool.QueryRow(ctx, `
SELECT a.id, a.amount
FROM applications a
JOIN jobs j ON j.id = a.job_id
WHERE j.client_id = $1 AND a.status = 'pending' AND j.status = 'open'
ORDER BY random() LIMIT 1`, env.ClientID).Scan(&appID, &amount)
		if err == nil {
			params := contract.AcceptParams{ApplicationID: appID, ActorID: env.ClientID}
			if rand.Intn(2) == 0 {
				params.Schedule = []contract.MilestoneSpec{
					{Title: "First half", Amount: amount / 2},
					{Title: "Second half", Amount: amount - amount/2},
				}
			}
			_, _ = env.Coordinator.AcceptApplication(ctx, params)
		}
		pause(20, 40)
	}
	return nil
}

// Rejecter declines pending applications with a canned response.
func Rejecter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var appID string
		err := env.Pool.QueryRow(ctx, `
SELECT a.id
FROM applications a
JOIN jobs j ON j.id = a.job_id
WHERE j.client_id = $1 AND a.status = 'pending'
ORDER BY a.created_at LIMIT 1`, env.ClientID).Scan(&appID)
		if err == nil {
			_, _ = env.Apps.Reject(ctx, application.RejectParams{
				ApplicationID: appID,
				ActorID:       env.ClientID,
				ResponseText:  "not this time",
			})
		}
		pause(60, 120)
	}
	return nil
}

// Builder plays the contract worker: completes whatever milestone is in
// progress.
func Builder(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var msID, workerID string
		err := env.Pool.QueryRow(ctx, `
SELECT m.id, c.worker_id
FROM milestones m
JOIN contracts c ON c.id = m.contract_id
WHERE m.status = 'in_progress' AND c.status = 'active'
ORDER BY random() LIMIT 1`).Scan(&msID, &workerID)
		if err == nil {
			_, _ = env.Milestones.WorkerComplete(ctx, milestone.CompleteParams{
				MilestoneID: msID,
				ActorID:     workerID,
			})
		}
		pause(15, 35)
	}
	return nil
}

// Activator restarts milestones that a rejection pushed back to pending. Only
// eligible ones: first in sequence or predecessor approved.
func Activator(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var msID, workerID string
		err := env.Pool.QueryRow(ctx, `
SELECT m.id, c.worker_id
FROM milestones m
JOIN contracts c ON c.id = m.contract_id
LEFT JOIN milestones prev
  ON prev.contract_id = m.contract_id AND prev.seq = m.seq - 1
WHERE m.status = 'pending' AND c.status = 'active'
  AND NOT EXISTS (
      SELECT 1 FROM milestones x
      WHERE x.contract_id = m.contract_id AND x.status = 'in_progress')
  AND (m.seq = 0 OR prev.approved_at IS NOT NULL)
ORDER BY random() LIMIT 1`).Scan(&msID, &workerID)
		if err == nil {
			_, _ = env.Milestones.Activate(ctx, milestone.ActivateParams{
				MilestoneID: msID,
				ActorID:     workerID,
			})
		}
		pause(40, 80)
	}
	return nil
}

// Reviewer plays the client: mostly approves completed milestones, sometimes
// rejects them back to pending.
func Reviewer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var msID, clientID string
		err := env.Pool.QueryRow(ctx, `
SELECT m.id, c.client_id
FROM milestones m
JOIN contracts c ON c.id = m.contract_id
WHERE m.status = 'completed' AND m.approved_at IS NULL AND c.status = 'active'
ORDER BY random() LIMIT 1`).Scan(&msID, &clientID)
		if err == nil {
			if rand.Intn(5) == 0 {
				_, _ = env.Milestones.Reject(ctx, milestone.RejectParams{
					MilestoneID: msID,
					ActorID:     clientID,
					Feedback:    "needs another pass",
				})
			} else {
				rating := 3 + rand.Intn(3)
				_, _ = env.Milestones.Approve(ctx, milestone.ApproveParams{
					MilestoneID: msID,
					ActorID:     clientID,
					Rating:      &rating,
				})
			}
		}
		pause(20, 40)
	}
	return nil
}

// Releaser requests escrow release for approved milestones and retries failed
// settlements.
func Releaser(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var msID, clientID string
		err := env.Pool.QueryRow(ctx, `
SELECT m.id, c.client_id
FROM milestones m
JOIN contracts c ON c.id = m.contract_id
JOIN payments p ON p.milestone_id = m.id
WHERE m.status = 'completed' AND m.approved_at IS NOT NULL
  AND p.status = 'pending' AND c.status = 'active'
ORDER BY random() LIMIT 1`).Scan(&msID, &clientID)
		if err == nil {
			_, _ = env.Payments.RequestRelease(ctx, payment.ReleaseParams{
				MilestoneID: msID,
				ActorID:     clientID,
			})
		}

		var payID, payClient string
		err = env.Pool.QueryRow(ctx, `
SELECT p.id, c.client_id
FROM payments p
JOIN contracts c ON c.id = p.contract_id
WHERE p.status = 'failed' AND c.status = 'active'
ORDER BY random() LIMIT 1`).Scan(&payID, &payClient)
		if err == nil {
			_, _ = env.Payments.Retry(ctx, payID, payClient)
		}
		pause(25, 50)
	}
	return nil
}

// SettlementWorker drains the due settlement queue.
func SettlementWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_ = env.Settler.Tick(ctx)
		pause(30, 30)
	}
	return nil
}

// Canceller occasionally cancels a live contract mid-flight.
func Canceller(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if rand.Intn(12) == 0 {
			var contractID, clientID string
			err := env.Pool.QueryRow(ctx,
				`SELECT id, client_id FROM contracts WHERE status = 'active' ORDER BY random() LIMIT 1`).Scan(&contractID, &clientID)
			if err == nil {
				_, _ = env.Coordinator.Cancel(ctx, contract.CancelParams{
					ContractID: contractID,
					ActorID:    clientID,
					Reason:     "stress cancellation",
				})
			}
		}
		pause(150, 150)
	}
	return nil
}

// OutboxDrainer publishes pending outbox rows through the dispatcher.
func OutboxDrainer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, _ = env.Dispatcher.DrainOnce(ctx)
		pause(50, 50)
	}
	return nil
}
