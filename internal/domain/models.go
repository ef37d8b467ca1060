package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// DocumentKey identifies the single answer document a team holds for a test.
type DocumentKey struct {
	TestID string
	TeamID string
}

func (k DocumentKey) String() string {
	return k.TestID + "/" + k.TeamID
}

// DrawingPath is one freehand stroke. Its shape belongs to the drawing surface, not to us.
type DrawingPath = json.RawMessage

// Drawing is the ordered stroke list for one question.
type Drawing []DrawingPath

// IsEmpty reports whether the drawing has no strokes.
func (d Drawing) IsEmpty() bool { return len(d) == 0 }

// Equal compares drawings by their compacted JSON serialization. Nil and empty
// drawings are equal.
func (d Drawing) Equal(o Drawing) bool {
	if len(d) != len(o) {
		return false
	}
	if len(d) == 0 {
		return true
	}
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(o)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone deep-copies the stroke list.
func (d Drawing) Clone() Drawing {
	if d == nil {
		return nil
	}
	out := make(Drawing, len(d))
	for i, p := range d {
		out[i] = append(DrawingPath(nil), p...)
	}
	return out
}

// AnswerDocument is the shared, per-(test, team) record of in-progress responses.
type AnswerDocument struct {
	TestID            string                 `json:"testId"`
	TeamID            string                 `json:"teamId"`
	AuthorID          string                 `json:"authorId"`
	StartedAt         time.Time              `json:"startedAt"`
	SubmittedAt       *time.Time             `json:"submittedAt,omitempty"`
	Closed            bool                   `json:"closed,omitempty"`
	DurationSeconds   int                    `json:"durationSeconds"`
	TimeLeftSeconds   int                    `json:"timeLeftSeconds"`
	Answers           map[string]AnswerValue `json:"answers"`
	Drawings          map[string]Drawing     `json:"drawings"`
	AnswerTimestamps  map[string]time.Time   `json:"answerTimestamps"`
	DrawingTimestamps map[string]time.Time   `json:"drawingTimestamps"`
}

// Key returns the document's (test, team) identity.
func (d AnswerDocument) Key() DocumentKey {
	return DocumentKey{TestID: d.TestID, TeamID: d.TeamID}
}

// Normalize replaces nil maps so callers can write without checks.
func (d *AnswerDocument) Normalize() {
	if d.Answers == nil {
		d.Answers = make(map[string]AnswerValue)
	}
	if d.Drawings == nil {
		d.Drawings = make(map[string]Drawing)
	}
	if d.AnswerTimestamps == nil {
		d.AnswerTimestamps = make(map[string]time.Time)
	}
	if d.DrawingTimestamps == nil {
		d.DrawingTimestamps = make(map[string]time.Time)
	}
}

// Clone returns a copy that shares no mutable state with d.
func (d AnswerDocument) Clone() AnswerDocument {
	out := d
	if d.SubmittedAt != nil {
		t := *d.SubmittedAt
		out.SubmittedAt = &t
	}
	out.Answers = make(map[string]AnswerValue, len(d.Answers))
	for k, v := range d.Answers {
		out.Answers[k] = v
	}
	out.Drawings = make(map[string]Drawing, len(d.Drawings))
	for k, v := range d.Drawings {
		out.Drawings[k] = v.Clone()
	}
	out.AnswerTimestamps = make(map[string]time.Time, len(d.AnswerTimestamps))
	for k, v := range d.AnswerTimestamps {
		out.AnswerTimestamps[k] = v
	}
	out.DrawingTimestamps = make(map[string]time.Time, len(d.DrawingTimestamps))
	for k, v := range d.DrawingTimestamps {
		out.DrawingTimestamps[k] = v
	}
	return out
}

// DrawingChange replaces one question's drawing, or clears it.
type DrawingChange struct {
	Paths Drawing
	Clear bool
}

// FieldUpdate is a mutation scoped to exactly one question.
type FieldUpdate struct {
	QuestionID string
	Answer     *AnswerValue
	Drawing    *DrawingChange
}

// Submission marks a team's attempt as closed. Its existence is the authoritative signal.
type Submission struct {
	ID              string                 `json:"id"`
	TestID          string                 `json:"testId"`
	TeamID          string                 `json:"teamId"`
	AuthorID        string                 `json:"authorId"`
	TimeLeftSeconds int                    `json:"timeLeftSeconds"`
	Answers         map[string]AnswerValue `json:"answers"`
	Drawings        map[string]Drawing     `json:"drawings"`
	CreatedAt       time.Time              `json:"createdAt"`
	Score           *float64               `json:"score,omitempty"`
}

// Question is the part of a test definition this service needs.
type Question struct {
	ID     string `json:"id"`
	Points int    `json:"points"`
}

// TestDefinition is read-only input owned by the test bank.
type TestDefinition struct {
	ID              string     `json:"id"`
	DurationSeconds int        `json:"durationSeconds"`
	Questions       []Question `json:"questions"`
}

// HasQuestion reports whether questionID belongs to the test. A test with no
// listed questions accepts any id.
func (t TestDefinition) HasQuestion(questionID string) bool {
	if len(t.Questions) == 0 {
		return true
	}
	for _, q := range t.Questions {
		if q.ID == questionID {
			return true
		}
	}
	return false
}
