package app

import (
	"time"

	"team-answer-service/internal/domain"
)

// TimeLeft derives the countdown from the fixed start instant. It never trusts a cached value.
func TimeLeft(startedAt time.Time, durationSeconds int, now time.Time) int {
	elapsed := int(now.Sub(startedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	left := durationSeconds - elapsed
	if left < 0 {
		return 0
	}
	return left
}

// withTimeLeft stamps the recomputed countdown onto a copy of doc.
func withTimeLeft(doc domain.AnswerDocument, now time.Time) domain.AnswerDocument {
	doc.TimeLeftSeconds = TimeLeft(doc.StartedAt, doc.DurationSeconds, now)
	return doc
}

// clampOverride keeps a client-provided countdown from ever moving the clock backwards.
func clampOverride(override, computed int) int {
	if override < 0 {
		return 0
	}
	if override > computed {
		return computed
	}
	return override
}
