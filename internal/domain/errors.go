package domain

import "errors"

var (
	// ErrNotFound is returned when no answer document exists for a (test, team) pair.
	ErrNotFound = errors.New("answer document not found")
	// ErrAlreadyExists is returned when a second create loses the race for a (test, team) pair.
	ErrAlreadyExists = errors.New("answer document already exists")
	// ErrAlreadySubmitted indicates the team's attempt is closed.
	ErrAlreadySubmitted = errors.New("test already submitted by this team")
	// ErrInvalidID rejects malformed test, team, user, or question identifiers.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrTestNotFound indicates the test definition could not be loaded.
	ErrTestNotFound = errors.New("test not found")
	// ErrQuestionNotFound indicates an update referenced a question outside the test.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrEmptyUpdate rejects a field update that names neither an answer nor a drawing.
	ErrEmptyUpdate = errors.New("field update carries neither answer nor drawing")
	// ErrNotTeamMember is returned when the caller does not belong to the team.
	ErrNotTeamMember = errors.New("caller is not a member of this team")
)
