package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"team-answer-service/internal/app"
	"team-answer-service/internal/domain"
)

type answerDocumentRow struct {
	bun.BaseModel `bun:"table:answer_documents,alias:ad"`

	TestID            string                        `bun:"test_id,pk"`
	TeamID            string                        `bun:"team_id,pk"`
	AuthorID          string                        `bun:"author_id,notnull"`
	StartedAt         time.Time                     `bun:"started_at,notnull"`
	SubmittedAt       *time.Time                    `bun:"submitted_at"`
	Closed            bool                          `bun:"closed,notnull"`
	DurationSeconds   int                           `bun:"duration_seconds,notnull"`
	TimeLeftSeconds   int                           `bun:"time_left_seconds,notnull"`
	Answers           map[string]domain.AnswerValue `bun:"answers,type:jsonb,notnull"`
	Drawings          map[string]domain.Drawing     `bun:"drawings,type:jsonb,notnull"`
	AnswerTimestamps  map[string]time.Time          `bun:"answer_timestamps,type:jsonb,notnull"`
	DrawingTimestamps map[string]time.Time          `bun:"drawing_timestamps,type:jsonb,notnull"`
}

func rowFromDocument(doc domain.AnswerDocument) *answerDocumentRow {
	doc.Normalize()
	return &answerDocumentRow{
		TestID:            doc.TestID,
		TeamID:            doc.TeamID,
		AuthorID:          doc.AuthorID,
		StartedAt:         doc.StartedAt,
		SubmittedAt:       doc.SubmittedAt,
		Closed:            doc.Closed,
		DurationSeconds:   doc.DurationSeconds,
		TimeLeftSeconds:   doc.TimeLeftSeconds,
		Answers:           doc.Answers,
		Drawings:          doc.Drawings,
		AnswerTimestamps:  doc.AnswerTimestamps,
		DrawingTimestamps: doc.DrawingTimestamps,
	}
}

func (r *answerDocumentRow) document() domain.AnswerDocument {
	doc := domain.AnswerDocument{
		TestID:            r.TestID,
		TeamID:            r.TeamID,
		AuthorID:          r.AuthorID,
		StartedAt:         r.StartedAt,
		SubmittedAt:       r.SubmittedAt,
		Closed:            r.Closed,
		DurationSeconds:   r.DurationSeconds,
		TimeLeftSeconds:   r.TimeLeftSeconds,
		Answers:           r.Answers,
		Drawings:          r.Drawings,
		AnswerTimestamps:  r.AnswerTimestamps,
		DrawingTimestamps: r.DrawingTimestamps,
	}
	doc.Normalize()
	return doc
}

// DocumentStore persists answer documents in Postgres. The (test_id, team_id)
// primary key enforces one document per team per test.
type DocumentStore struct {
	db *bun.DB
}

func NewDocumentStore(db *bun.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Create(ctx context.Context, doc domain.AnswerDocument) error {
	res, err := s.db.NewInsert().
		Model(rowFromDocument(doc)).
		On("CONFLICT (test_id, team_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, key domain.DocumentKey) (domain.AnswerDocument, error) {
	row := new(answerDocumentRow)
	err := s.db.NewSelect().
		Model(row).
		Where("test_id = ?", key.TestID).
		Where("team_id = ?", key.TeamID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AnswerDocument{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AnswerDocument{}, fmt.Errorf("select document: %w", err)
	}
	return row.document(), nil
}

// Update locks the row for the duration of mutate so concurrent field writes serialize.
func (s *DocumentStore) Update(ctx context.Context, key domain.DocumentKey, mutate app.MutateFunc) (domain.AnswerDocument, error) {
	var result domain.AnswerDocument
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(answerDocumentRow)
		err := tx.NewSelect().
			Model(row).
			Where("test_id = ?", key.TestID).
			Where("team_id = ?", key.TeamID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select document for update: %w", err)
		}

		doc := row.document()
		changed, err := mutate(&doc)
		if err != nil {
			return err
		}
		result = doc
		if !changed {
			return nil
		}
		if _, err := tx.NewUpdate().Model(rowFromDocument(doc)).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AnswerDocument{}, err
	}
	return result, nil
}
