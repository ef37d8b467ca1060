package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"team-answer-service/internal/app"
	"team-answer-service/internal/domain"
	transport "team-answer-service/internal/transport/http"
)

// API is the request/response surface a Session drives. Implementations carry
// the caller identity themselves.
type API interface {
	Create(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing) (domain.AnswerDocument, error)
	Get(ctx context.Context, key domain.DocumentKey) (domain.AnswerDocument, error)
	ApplyFieldUpdate(ctx context.Context, key domain.DocumentKey, update domain.FieldUpdate) (domain.AnswerDocument, error)
	ReplaceAll(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing, timeLeft *int) (domain.AnswerDocument, error)
	CheckSubmitted(ctx context.Context, key domain.DocumentKey) (bool, error)
	Submit(ctx context.Context, key domain.DocumentKey, timeLeft int) (domain.Submission, error)
}

// HTTPClient talks to the answer service over its REST routes. Error codes in
// responses are mapped back to domain sentinels.
type HTTPClient struct {
	baseURL string
	userID  string
	http    *http.Client
}

func NewHTTPClient(baseURL, userID string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), userID: userID, http: client}
}

func (c *HTTPClient) Create(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing) (domain.AnswerDocument, error) {
	var doc domain.AnswerDocument
	err := c.do(ctx, http.MethodPost, answersPath(key), transport.DocumentRequest{Answers: answers, Drawings: drawings}, &doc)
	return doc, err
}

func (c *HTTPClient) Get(ctx context.Context, key domain.DocumentKey) (domain.AnswerDocument, error) {
	var doc domain.AnswerDocument
	err := c.do(ctx, http.MethodGet, answersPath(key), nil, &doc)
	return doc, err
}

func (c *HTTPClient) ApplyFieldUpdate(ctx context.Context, key domain.DocumentKey, update domain.FieldUpdate) (domain.AnswerDocument, error) {
	req, err := transport.NewFieldRequest(update)
	if err != nil {
		return domain.AnswerDocument{}, err
	}
	var doc domain.AnswerDocument
	err = c.do(ctx, http.MethodPatch, answersPath(key), req, &doc)
	return doc, err
}

func (c *HTTPClient) ReplaceAll(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing, timeLeft *int) (domain.AnswerDocument, error) {
	var doc domain.AnswerDocument
	err := c.do(ctx, http.MethodPut, answersPath(key), transport.DocumentRequest{Answers: answers, Drawings: drawings, TimeLeftSeconds: timeLeft}, &doc)
	return doc, err
}

func (c *HTTPClient) CheckSubmitted(ctx context.Context, key domain.DocumentKey) (bool, error) {
	var resp transport.SubmittedResponse
	err := c.do(ctx, http.MethodGet, submissionPath(key), nil, &resp)
	return resp.Submitted, err
}

func (c *HTTPClient) Submit(ctx context.Context, key domain.DocumentKey, timeLeft int) (domain.Submission, error) {
	var sub domain.Submission
	err := c.do(ctx, http.MethodPost, submissionPath(key), transport.SubmitRequest{TimeLeftSeconds: timeLeft}, &sub)
	return sub, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(transport.UserHeader, c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errBody transport.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		if sentinel := transport.ErrorFor(errBody.Code); sentinel != nil {
			return &APIError{Status: resp.StatusCode, Code: errBody.Code, Message: errBody.Error, err: sentinel}
		}
		return &APIError{Status: resp.StatusCode, Code: errBody.Code, Message: errBody.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// APIError is a non-2xx response. It unwraps to the matching domain sentinel, if any.
type APIError struct {
	Status  int
	Code    string
	Message string
	err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

func (e *APIError) Unwrap() error { return e.err }

var permanentErrors = []error{
	domain.ErrInvalidID,
	domain.ErrQuestionNotFound,
	domain.ErrEmptyUpdate,
	domain.ErrNotTeamMember,
	domain.ErrTestNotFound,
}

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range permanentErrors {
		if errors.Is(err, permanent) {
			return false
		}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

func answersPath(key domain.DocumentKey) string {
	return fmt.Sprintf("/tests/%s/teams/%s/answers", url.PathEscape(key.TestID), url.PathEscape(key.TeamID))
}

func submissionPath(key domain.DocumentKey) string {
	return fmt.Sprintf("/tests/%s/teams/%s/submission", url.PathEscape(key.TestID), url.PathEscape(key.TeamID))
}

// LocalAPI drives an in-process AnswerService as one user.
type LocalAPI struct {
	service *app.AnswerService
	userID  string
}

func NewLocalAPI(service *app.AnswerService, userID string) *LocalAPI {
	return &LocalAPI{service: service, userID: userID}
}

func (a *LocalAPI) Create(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing) (domain.AnswerDocument, error) {
	return a.service.Create(ctx, a.userID, key, answers, drawings)
}

func (a *LocalAPI) Get(ctx context.Context, key domain.DocumentKey) (domain.AnswerDocument, error) {
	return a.service.Get(ctx, a.userID, key)
}

func (a *LocalAPI) ApplyFieldUpdate(ctx context.Context, key domain.DocumentKey, update domain.FieldUpdate) (domain.AnswerDocument, error) {
	return a.service.ApplyFieldUpdate(ctx, a.userID, key, update)
}

func (a *LocalAPI) ReplaceAll(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing, timeLeft *int) (domain.AnswerDocument, error) {
	return a.service.ReplaceAll(ctx, a.userID, key, answers, drawings, timeLeft)
}

func (a *LocalAPI) CheckSubmitted(ctx context.Context, key domain.DocumentKey) (bool, error) {
	return a.service.CheckSubmitted(ctx, a.userID, key)
}

func (a *LocalAPI) Submit(ctx context.Context, key domain.DocumentKey, timeLeft int) (domain.Submission, error) {
	return a.service.Submit(ctx, a.userID, key, timeLeft)
}
