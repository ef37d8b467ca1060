package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"team-answer-service/internal/domain"
)

func TestDocumentStoreCreateIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewDocumentStore()
	key := domain.DocumentKey{TestID: "test-1", TeamID: "team-a"}

	first := domain.AnswerDocument{TestID: key.TestID, TeamID: key.TeamID, StartedAt: time.Now()}
	first.Normalize()
	first.Answers["q1"] = domain.Single("A")
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := domain.AnswerDocument{TestID: key.TestID, TeamID: key.TeamID}
	second.Normalize()
	second.Answers["q1"] = domain.Single("Z")
	if err := store.Create(ctx, second); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Answers["q1"].Equal(domain.Single("A")) {
		t.Fatalf("first writer should win, got %v", got.Answers["q1"])
	}
}

func TestDocumentStoreUpdateSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewDocumentStore()
	key := domain.DocumentKey{TestID: "test-1", TeamID: "team-a"}
	if _, err := store.Update(ctx, key, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	doc := domain.AnswerDocument{TestID: key.TestID, TeamID: key.TeamID}
	doc.Normalize()
	_ = store.Create(ctx, doc)

	_, err := store.Update(ctx, key, func(d *domain.AnswerDocument) (bool, error) {
		d.Answers["q1"] = domain.Single("discarded")
		return false, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.Get(ctx, key)
	if _, ok := got.Answers["q1"]; ok {
		t.Fatalf("unchanged mutation must not be persisted")
	}
}

func TestDocumentStoreConcurrentFieldsBothPersist(t *testing.T) {
	ctx := context.Background()
	store := NewDocumentStore()
	key := domain.DocumentKey{TestID: "test-1", TeamID: "team-a"}
	doc := domain.AnswerDocument{TestID: key.TestID, TeamID: key.TeamID}
	doc.Normalize()
	_ = store.Create(ctx, doc)

	var wg sync.WaitGroup
	for _, q := range []string{"q1", "q2", "q3", "q4"} {
		wg.Add(1)
		go func(questionID string) {
			defer wg.Done()
			_, _ = store.Update(ctx, key, func(d *domain.AnswerDocument) (bool, error) {
				d.Answers[questionID] = domain.Single(questionID)
				return true, nil
			})
		}(q)
	}
	wg.Wait()

	got, _ := store.Get(ctx, key)
	if len(got.Answers) != 4 {
		t.Fatalf("expected all four fields, got %v", got.Answers)
	}
}

func TestSubmissionStoreIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewSubmissionStore()
	key := domain.DocumentKey{TestID: "test-1", TeamID: "team-a"}

	if ok, _ := store.Exists(ctx, key); ok {
		t.Fatalf("expected no submission")
	}
	if err := store.Create(ctx, domain.Submission{ID: "s1", TestID: key.TestID, TeamID: key.TeamID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, domain.Submission{ID: "s2", TestID: key.TestID, TeamID: key.TeamID}); !errors.Is(err, domain.ErrAlreadySubmitted) {
		t.Fatalf("expected already submitted, got %v", err)
	}
	sub, err := store.Get(ctx, key)
	if err != nil || sub.ID != "s1" {
		t.Fatalf("expected first submission, got %+v %v", sub, err)
	}
}
