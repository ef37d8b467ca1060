package app

import (
	"testing"

	"team-answer-service/internal/domain"
)

func TestHubDropsStaleSnapshotsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	key := domain.DocumentKey{TestID: "test-1", TeamID: "team-a"}
	ch, cancel := hub.Subscribe(key)
	defer cancel()

	for i := 0; i < 20; i++ {
		doc := domain.AnswerDocument{TestID: key.TestID, TeamID: key.TeamID, TimeLeftSeconds: i}
		hub.Broadcast(DocumentEvent{Document: doc})
	}

	var last DocumentEvent
	for len(ch) > 0 {
		last = <-ch
	}
	if last.Document.TimeLeftSeconds != 19 {
		t.Fatalf("expected newest snapshot kept, got %d", last.Document.TimeLeftSeconds)
	}
}

func TestHubScopesByKeyAndCleansUp(t *testing.T) {
	hub := NewHub()
	a := domain.DocumentKey{TestID: "test-1", TeamID: "team-a"}
	b := domain.DocumentKey{TestID: "test-1", TeamID: "team-b"}

	chA, cancelA := hub.Subscribe(a)
	hub.Broadcast(DocumentEvent{Document: domain.AnswerDocument{TestID: b.TestID, TeamID: b.TeamID}})
	if len(chA) != 0 {
		t.Fatalf("team-a must not see team-b writes")
	}
	if hub.Subscribers(a) != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancelA()
	cancelA()
	if hub.Subscribers(a) != 0 {
		t.Fatalf("expected subscriber removed")
	}
	if _, ok := <-chA; ok {
		t.Fatalf("expected channel closed")
	}
}
