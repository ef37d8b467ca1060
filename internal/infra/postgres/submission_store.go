package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"team-answer-service/internal/domain"
)

type submissionRow struct {
	bun.BaseModel `bun:"table:submissions,alias:s"`

	ID              string                        `bun:"id,notnull"`
	TestID          string                        `bun:"test_id,pk"`
	TeamID          string                        `bun:"team_id,pk"`
	AuthorID        string                        `bun:"author_id,notnull"`
	TimeLeftSeconds int                           `bun:"time_left_seconds,notnull"`
	Answers         map[string]domain.AnswerValue `bun:"answers,type:jsonb,notnull"`
	Drawings        map[string]domain.Drawing     `bun:"drawings,type:jsonb,notnull"`
	CreatedAt       time.Time                     `bun:"created_at,notnull"`
	Score           *float64                      `bun:"score"`
}

// SubmissionStore is the Postgres submission gate; the primary key makes creation exactly-once.
type SubmissionStore struct {
	db *bun.DB
}

func NewSubmissionStore(db *bun.DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

func (s *SubmissionStore) Create(ctx context.Context, sub domain.Submission) error {
	row := &submissionRow{
		ID:              sub.ID,
		TestID:          sub.TestID,
		TeamID:          sub.TeamID,
		AuthorID:        sub.AuthorID,
		TimeLeftSeconds: sub.TimeLeftSeconds,
		Answers:         sub.Answers,
		Drawings:        sub.Drawings,
		CreatedAt:       sub.CreatedAt,
		Score:           sub.Score,
	}
	if row.Answers == nil {
		row.Answers = map[string]domain.AnswerValue{}
	}
	if row.Drawings == nil {
		row.Drawings = map[string]domain.Drawing{}
	}
	res, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (test_id, team_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	if n == 0 {
		return domain.ErrAlreadySubmitted
	}
	return nil
}

func (s *SubmissionStore) Exists(ctx context.Context, key domain.DocumentKey) (bool, error) {
	ok, err := s.db.NewSelect().
		Model((*submissionRow)(nil)).
		Where("test_id = ?", key.TestID).
		Where("team_id = ?", key.TeamID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check submission: %w", err)
	}
	return ok, nil
}

func (s *SubmissionStore) Get(ctx context.Context, key domain.DocumentKey) (domain.Submission, error) {
	row := new(submissionRow)
	err := s.db.NewSelect().
		Model(row).
		Where("test_id = ?", key.TestID).
		Where("team_id = ?", key.TeamID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Submission{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Submission{}, fmt.Errorf("select submission: %w", err)
	}
	return domain.Submission{
		ID:              row.ID,
		TestID:          row.TestID,
		TeamID:          row.TeamID,
		AuthorID:        row.AuthorID,
		TimeLeftSeconds: row.TimeLeftSeconds,
		Answers:         row.Answers,
		Drawings:        row.Drawings,
		CreatedAt:       row.CreatedAt,
		Score:           row.Score,
	}, nil
}
