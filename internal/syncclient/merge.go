package syncclient

import (
	"math"
	"sort"
	"time"

	"team-answer-service/internal/domain"
)

const (
	// RaceWindow is how fresh a server write must be to win unconditionally.
	RaceWindow = 1000 * time.Millisecond
	// TieBreakWindow bounds the range where a fresh server value still beats a differing local one.
	TieBreakWindow = 1500 * time.Millisecond
	// FreshWindow separates recent concurrent writes from steady-state server state.
	FreshWindow = 2000 * time.Millisecond
)

// unstamped is the age of a server field that carries no timestamp.
const unstamped = time.Duration(math.MaxInt64)

// FieldValue is what the merge policy needs from an answer or a drawing.
type FieldValue[T any] interface {
	IsEmpty() bool
	Equal(T) bool
}

// ShouldPrioritizeServer decides a single field whose server copy is age old,
// where age is below FreshWindow.
func ShouldPrioritizeServer[T FieldValue[T]](local, server T, age time.Duration) bool {
	if age < RaceWindow {
		return true
	}
	if local.Equal(server) {
		return false
	}
	localEmpty, serverEmpty := local.IsEmpty(), server.IsEmpty()
	if localEmpty != serverEmpty {
		return !serverEmpty
	}
	return age < TieBreakWindow
}

// mergeFields folds server values into local in place and returns the adopted keys, sorted.
// Keys only present locally are left alone.
func mergeFields[T FieldValue[T]](local map[string]T, server map[string]T, stamps map[string]time.Time, now time.Time) []string {
	var adopted []string
	for questionID, serverValue := range server {
		localValue := local[questionID]
		age := unstamped
		if ts, ok := stamps[questionID]; ok {
			age = now.Sub(ts)
		}

		take := false
		if age < FreshWindow {
			take = ShouldPrioritizeServer(localValue, serverValue, age)
		} else {
			// Stale server copies always win, even over an unpushed local edit.
			take = !localValue.Equal(serverValue)
		}
		if !take {
			continue
		}
		if localValue.Equal(serverValue) {
			continue
		}
		local[questionID] = serverValue
		adopted = append(adopted, questionID)
	}
	sort.Strings(adopted)
	return adopted
}

// MergeAnswers merges a pulled document's answers into local and reports which questions changed.
func MergeAnswers(local map[string]domain.AnswerValue, doc domain.AnswerDocument, now time.Time) []string {
	return mergeFields(local, doc.Answers, doc.AnswerTimestamps, now)
}

// MergeDrawings is MergeAnswers for drawings, compared structurally.
func MergeDrawings(local map[string]domain.Drawing, doc domain.AnswerDocument, now time.Time) []string {
	merged := mergeFields(local, doc.Drawings, doc.DrawingTimestamps, now)
	for _, questionID := range merged {
		local[questionID] = local[questionID].Clone()
	}
	return merged
}
