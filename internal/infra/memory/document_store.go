package memory

import (
	"context"
	"sync"

	"team-answer-service/internal/app"
	"team-answer-service/internal/domain"
)

// DocumentStore is an in-memory implementation of app.DocumentRepository.
type DocumentStore struct {
	mu        sync.RWMutex
	documents map[domain.DocumentKey]*domain.AnswerDocument
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		documents: make(map[domain.DocumentKey]*domain.AnswerDocument),
	}
}

func (s *DocumentStore) Create(_ context.Context, doc domain.AnswerDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := doc.Key()
	if _, ok := s.documents[key]; ok {
		return domain.ErrAlreadyExists
	}
	stored := doc.Clone()
	s.documents[key] = &stored
	return nil
}

func (s *DocumentStore) Get(_ context.Context, key domain.DocumentKey) (domain.AnswerDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[key]
	if !ok {
		return domain.AnswerDocument{}, domain.ErrNotFound
	}
	return doc.Clone(), nil
}

// Update runs mutate on a private copy under the store lock and keeps it only on success.
func (s *DocumentStore) Update(_ context.Context, key domain.DocumentKey, mutate app.MutateFunc) (domain.AnswerDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.documents[key]
	if !ok {
		return domain.AnswerDocument{}, domain.ErrNotFound
	}
	next := current.Clone()
	changed, err := mutate(&next)
	if err != nil {
		return domain.AnswerDocument{}, err
	}
	if !changed {
		return current.Clone(), nil
	}
	s.documents[key] = &next
	return next.Clone(), nil
}

// SubmissionStore is an in-memory implementation of app.SubmissionRepository.
type SubmissionStore struct {
	mu          sync.RWMutex
	submissions map[domain.DocumentKey]domain.Submission
}

func NewSubmissionStore() *SubmissionStore {
	return &SubmissionStore{
		submissions: make(map[domain.DocumentKey]domain.Submission),
	}
}

func (s *SubmissionStore) Create(_ context.Context, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.DocumentKey{TestID: sub.TestID, TeamID: sub.TeamID}
	if _, ok := s.submissions[key]; ok {
		return domain.ErrAlreadySubmitted
	}
	s.submissions[key] = sub
	return nil
}

func (s *SubmissionStore) Exists(_ context.Context, key domain.DocumentKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.submissions[key]
	return ok, nil
}

func (s *SubmissionStore) Get(_ context.Context, key domain.DocumentKey) (domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[key]
	if !ok {
		return domain.Submission{}, domain.ErrNotFound
	}
	return sub, nil
}
