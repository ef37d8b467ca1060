package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"team-answer-service/internal/domain"
)

// Catalog reads test definitions, assignments, and team rosters owned by the test bank.
type Catalog struct {
	pool *pgxpool.Pool
}

func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func (c *Catalog) LoadTest(ctx context.Context, testID string) (domain.TestDefinition, error) {
	var (
		duration int
		raw      []byte
	)
	err := c.pool.QueryRow(ctx, `SELECT duration_seconds, questions FROM tests WHERE id=$1`, testID).Scan(&duration, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TestDefinition{}, domain.ErrTestNotFound
	}
	if err != nil {
		return domain.TestDefinition{}, fmt.Errorf("load test: %w", err)
	}
	test := domain.TestDefinition{ID: testID, DurationSeconds: duration}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &test.Questions); err != nil {
			return domain.TestDefinition{}, fmt.Errorf("unmarshal questions: %w", err)
		}
	}
	return test, nil
}

// DetachTeam removes the team from the test's pending assignments. Missing rows are fine.
func (c *Catalog) DetachTeam(ctx context.Context, testID, teamID string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM test_assignments WHERE test_id=$1 AND team_id=$2`, testID, teamID)
	if err != nil {
		return fmt.Errorf("detach team: %w", err)
	}
	return nil
}

// IsMember treats a team with no roster rows as open to any verified user.
func (c *Catalog) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	var member, roster int
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE user_id=$2), COUNT(*) FROM team_members WHERE team_id=$1`,
		teamID, userID,
	).Scan(&member, &roster)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return roster == 0 || member > 0, nil
}
