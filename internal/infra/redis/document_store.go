package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"team-answer-service/internal/app"
	"team-answer-service/internal/domain"
)

const defaultUpdateRetries = 8

// DocumentStore keeps each answer document as one JSON value.
// Keys: answers:{testID}:{teamID}
//   - Create uses SETNX so only the first writer wins.
//   - Update is an optimistic WATCH/MULTI transaction retried on contention, so
//     concurrent writes to different questions never drop each other.
type DocumentStore struct {
	client  *redis.Client
	ttl     time.Duration
	retries int
}

func NewDocumentStore(client *redis.Client, ttl time.Duration) *DocumentStore {
	return &DocumentStore{
		client:  client,
		ttl:     ttl,
		retries: defaultUpdateRetries,
	}
}

func (s *DocumentStore) Create(ctx context.Context, doc domain.AnswerDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	ok, err := s.client.SetNX(ctx, documentKey(doc.Key()), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if !ok {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, key domain.DocumentKey) (domain.AnswerDocument, error) {
	data, err := s.client.Get(ctx, documentKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.AnswerDocument{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AnswerDocument{}, fmt.Errorf("get document: %w", err)
	}
	return decodeDocument(data)
}

func (s *DocumentStore) Update(ctx context.Context, key domain.DocumentKey, mutate app.MutateFunc) (domain.AnswerDocument, error) {
	redisKey := documentKey(key)
	var result domain.AnswerDocument

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		doc, err := decodeDocument(data)
		if err != nil {
			return err
		}
		changed, err := mutate(&doc)
		if err != nil {
			return err
		}
		result = doc
		if !changed {
			return nil
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, out, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.retries; i++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.AnswerDocument{}, err
	}
	return domain.AnswerDocument{}, fmt.Errorf("update document %s after %d attempts: %w", key, s.retries, redis.TxFailedErr)
}

// SubmissionStore enforces one submission per pair with SETNX.
// Keys: submission:{testID}:{teamID}, written without expiry so a closed attempt stays closed.
type SubmissionStore struct {
	client *redis.Client
}

func NewSubmissionStore(client *redis.Client) *SubmissionStore {
	return &SubmissionStore{client: client}
}

func (s *SubmissionStore) Create(ctx context.Context, sub domain.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	key := domain.DocumentKey{TestID: sub.TestID, TeamID: sub.TeamID}
	ok, err := s.client.SetNX(ctx, submissionKey(key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	if !ok {
		return domain.ErrAlreadySubmitted
	}
	return nil
}

func (s *SubmissionStore) Exists(ctx context.Context, key domain.DocumentKey) (bool, error) {
	n, err := s.client.Exists(ctx, submissionKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check submission: %w", err)
	}
	return n > 0, nil
}

func (s *SubmissionStore) Get(ctx context.Context, key domain.DocumentKey) (domain.Submission, error) {
	data, err := s.client.Get(ctx, submissionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Submission{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	var sub domain.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return domain.Submission{}, fmt.Errorf("unmarshal submission: %w", err)
	}
	return sub, nil
}

func decodeDocument(data []byte) (domain.AnswerDocument, error) {
	var doc domain.AnswerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.AnswerDocument{}, fmt.Errorf("unmarshal document: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

func documentKey(key domain.DocumentKey) string {
	return "answers:" + key.TestID + ":" + key.TeamID
}

func submissionKey(key domain.DocumentKey) string {
	return "submission:" + key.TestID + ":" + key.TeamID
}
