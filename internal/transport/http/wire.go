package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"team-answer-service/internal/domain"
)

// UserHeader carries the caller identity verified by the upstream gateway.
const UserHeader = "X-User-ID"

// Error codes shared with the sync client.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeTestNotFound     = "TEST_NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeAlreadySubmitted = "ALREADY_SUBMITTED"
	CodeInvalidID        = "INVALID_ID"
	CodeQuestionNotFound = "QUESTION_NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInternal         = "INTERNAL"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// DocumentRequest is the body of create (POST) and replace (PUT).
type DocumentRequest struct {
	Answers         map[string]domain.AnswerValue `json:"answers"`
	Drawings        map[string]domain.Drawing     `json:"drawings"`
	TimeLeftSeconds *int                          `json:"timeLeftSeconds,omitempty"`
}

// FieldRequest is the PATCH body. An absent field is left alone; an explicit
// null answer or drawing clears that field.
type FieldRequest struct {
	QuestionID string          `json:"questionId"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Drawing    json.RawMessage `json:"drawing,omitempty"`
}

// NewFieldRequest encodes an update so that clears survive the round trip.
func NewFieldRequest(update domain.FieldUpdate) (FieldRequest, error) {
	req := FieldRequest{QuestionID: update.QuestionID}
	if update.Answer != nil {
		raw, err := json.Marshal(*update.Answer)
		if err != nil {
			return FieldRequest{}, err
		}
		req.Answer = raw
	}
	if update.Drawing != nil {
		if update.Drawing.Clear {
			req.Drawing = json.RawMessage("null")
		} else {
			paths := update.Drawing.Paths
			if paths == nil {
				paths = domain.Drawing{}
			}
			raw, err := json.Marshal(paths)
			if err != nil {
				return FieldRequest{}, err
			}
			req.Drawing = raw
		}
	}
	return req, nil
}

// FieldUpdate decodes the request into the service's update shape.
func (r FieldRequest) FieldUpdate() (domain.FieldUpdate, error) {
	update := domain.FieldUpdate{QuestionID: r.QuestionID}
	if len(r.Answer) > 0 {
		var value domain.AnswerValue
		if err := json.Unmarshal(r.Answer, &value); err != nil {
			return domain.FieldUpdate{}, err
		}
		update.Answer = &value
	}
	if len(r.Drawing) > 0 {
		change := domain.DrawingChange{}
		if string(r.Drawing) == "null" {
			change.Clear = true
		} else if err := json.Unmarshal(r.Drawing, &change.Paths); err != nil {
			return domain.FieldUpdate{}, err
		}
		update.Drawing = &change
	}
	return update, nil
}

type SubmitRequest struct {
	TimeLeftSeconds int `json:"timeLeftSeconds"`
}

type SubmittedResponse struct {
	Submitted bool `json:"submitted"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{domain.ErrTestNotFound, http.StatusNotFound, CodeTestNotFound},
	{domain.ErrAlreadyExists, http.StatusConflict, CodeAlreadyExists},
	{domain.ErrAlreadySubmitted, http.StatusConflict, CodeAlreadySubmitted},
	{domain.ErrInvalidID, http.StatusBadRequest, CodeInvalidID},
	{domain.ErrQuestionNotFound, http.StatusBadRequest, CodeQuestionNotFound},
	{domain.ErrNotTeamMember, http.StatusForbidden, CodeForbidden},
	{domain.ErrEmptyUpdate, http.StatusBadRequest, CodeInvalidPayload},
}

// StatusFor maps a service error to its HTTP status and wire code.
func StatusFor(err error) (int, string) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// ErrorFor is the inverse of StatusFor, used by clients to restore sentinels.
func ErrorFor(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
