package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"contractflow/db"
)

// Service owns posting creation and reads. Lifecycle status changes go through
// the contract coordinator.
type Service struct {
	pool   db.TxBeginner
	reader *pgxpool.Pool
	repo   Repository
	logger *zap.Logger

	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	ClientID    string
	Title       string
	Description string
	BudgetMin   int64
	BudgetMax   int64
	SkillTags   []string
}

func NewService(pool *pgxpool.Pool, repo Repository, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		reader:      pool,
		repo:        repo,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Posting, error) {
	if params.ClientID == "" {
		return Posting{}, fmt.Errorf("job: missing client id")
	}
	if params.Title == "" {
		return Posting{}, fmt.Errorf("job: title required")
	}
	if params.BudgetMin <= 0 || params.BudgetMax <= 0 || params.BudgetMin > params.BudgetMax {
		return Posting{}, fmt.Errorf("job: invalid budget range")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Posting{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	p := Posting{
		ID:          s.idGenerator(),
		ClientID:    params.ClientID,
		Title:       params.Title,
		Description: params.Description,
		BudgetMin:   params.BudgetMin,
		BudgetMax:   params.BudgetMax,
		SkillTags:   params.SkillTags,
		Status:      StatusOpen,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertTx(ctx, tx, p); err != nil {
		return Posting{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Posting{}, fmt.Errorf("job: commit: %w", err)
	}

	s.logger.Info("job posting created",
		zap.String("job_id", p.ID),
		zap.String("client_id", p.ClientID),
	)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (Posting, error) {
	return Get(ctx, s.reader, id)
}

func (s *Service) ListByClient(ctx context.Context, clientID string) ([]Posting, error) {
	return ListByClient(ctx, s.reader, clientID)
}
