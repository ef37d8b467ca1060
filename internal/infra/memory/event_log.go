package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"team-answer-service/internal/domain"
)

// EventLog records submission events in memory and logs them. It stands in for
// the NATS publisher when no broker is configured.
type EventLog struct {
	mu     sync.Mutex
	events []domain.Submission
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) PublishSubmission(_ context.Context, sub domain.Submission) error {
	l.mu.Lock()
	l.events = append(l.events, sub)
	l.mu.Unlock()
	log.Info().
		Str("submission_id", sub.ID).
		Str("test_id", sub.TestID).
		Str("team_id", sub.TeamID).
		Msg("submission event recorded")
	return nil
}

// Submissions returns the recorded events in publish order.
func (l *EventLog) Submissions() []domain.Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Submission, len(l.events))
	copy(out, l.events)
	return out
}
