package syncclient

import (
	"testing"
	"time"

	"team-answer-service/internal/domain"
)

func TestShouldPrioritizeServer(t *testing.T) {
	tests := []struct {
		name   string
		local  domain.AnswerValue
		server domain.AnswerValue
		age    time.Duration
		want   bool
	}{
		{"race window beats non-empty local", domain.Single("A"), domain.Single(""), 500 * time.Millisecond, true},
		{"race window with equal values", domain.Single("A"), domain.Single("A"), 999 * time.Millisecond, true},
		{"equal values are a no-op", domain.Single("A"), domain.Single("A"), 1200 * time.Millisecond, false},
		{"server fills empty local", domain.AnswerValue{}, domain.Single("B"), 1200 * time.Millisecond, true},
		{"local kept over empty server", domain.Single("A"), domain.Multi(), 1700 * time.Millisecond, false},
		{"local kept over empty server early", domain.Single("A"), domain.Single(""), 1100 * time.Millisecond, false},
		{"both set, tie-break window", domain.Single("A"), domain.Single("B"), 1499 * time.Millisecond, true},
		{"both set, past tie-break", domain.Single("A"), domain.Single("B"), 1500 * time.Millisecond, false},
		{"variant change counts as different", domain.Single("A"), domain.Multi("A"), 1800 * time.Millisecond, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldPrioritizeServer(tt.local, tt.server, tt.age); got != tt.want {
				t.Fatalf("ShouldPrioritizeServer(%v, %v, %v) = %v, want %v", tt.local, tt.server, tt.age, got, tt.want)
			}
		})
	}
}

func TestShouldPrioritizeServerDrawings(t *testing.T) {
	local := domain.Drawing{domain.DrawingPath(`{"d":"M0 0"}`)}
	if ShouldPrioritizeServer(local, domain.Drawing{}, 1200*time.Millisecond) {
		t.Fatalf("empty server drawing must not erase a local one outside the race window")
	}
	if !ShouldPrioritizeServer(domain.Drawing{}, local, 1900*time.Millisecond) {
		t.Fatalf("non-empty server drawing should fill an empty local one")
	}
	spaced := domain.Drawing{domain.DrawingPath(`{ "d": "M0 0" }`)}
	if ShouldPrioritizeServer(local, spaced, 1600*time.Millisecond) {
		t.Fatalf("structurally equal drawings are a no-op")
	}
}

func TestMergeAnswersTwoTeammateScenario(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	doc := domain.AnswerDocument{
		Answers:          map[string]domain.AnswerValue{"Q1": domain.Single("B")},
		AnswerTimestamps: map[string]time.Time{"Q1": t0.Add(5 * time.Second)},
	}
	local := map[string]domain.AnswerValue{}

	adopted := MergeAnswers(local, doc, t0.Add(6*time.Second))
	if len(adopted) != 1 || adopted[0] != "Q1" {
		t.Fatalf("expected Q1 adopted, got %v", adopted)
	}
	if !local["Q1"].Equal(domain.Single("B")) {
		t.Fatalf("expected B, got %v", local["Q1"])
	}
}

func TestMergeAnswersStaleServerOverwritesLocal(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)
	doc := domain.AnswerDocument{
		Answers:          map[string]domain.AnswerValue{"Q1": domain.Single("")},
		AnswerTimestamps: map[string]time.Time{"Q1": now.Add(-2 * time.Second)},
	}
	local := map[string]domain.AnswerValue{"Q1": domain.Single("A")}

	MergeAnswers(local, doc, now)
	if !local["Q1"].Equal(domain.Single("")) {
		t.Fatalf("a server copy at least 2s old wins even when empty, got %v", local["Q1"])
	}
}

func TestMergeAnswersFieldRules(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)
	doc := domain.AnswerDocument{
		Answers: map[string]domain.AnswerValue{
			"stale":     domain.Single("server"),
			"same":      domain.Multi("a", "b"),
			"unstamped": domain.Single("server"),
			"fresh":     domain.Single("server"),
		},
		AnswerTimestamps: map[string]time.Time{
			"stale": now.Add(-time.Minute),
			"same":  now.Add(-time.Minute),
			"fresh": now.Add(-1700 * time.Millisecond),
		},
	}
	local := map[string]domain.AnswerValue{
		"stale":      domain.Single("local"),
		"same":       domain.Multi("a", "b"),
		"unstamped":  domain.Single("local"),
		"fresh":      domain.Single("local"),
		"local-only": domain.Single("mine"),
	}

	adopted := MergeAnswers(local, doc, now)
	if len(adopted) != 2 || adopted[0] != "stale" || adopted[1] != "unstamped" {
		t.Fatalf("unexpected adopted set %v", adopted)
	}
	if !local["fresh"].Equal(domain.Single("local")) {
		t.Fatalf("fresh server copy past the tie-break should lose, got %v", local["fresh"])
	}
	if !local["local-only"].Equal(domain.Single("mine")) {
		t.Fatalf("local-only field must be untouched")
	}
}

func TestMergeDrawingsClonesAdoptedPaths(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)
	doc := domain.AnswerDocument{
		Drawings:          map[string]domain.Drawing{"q2": {domain.DrawingPath(`{"d":"M1 1"}`)}},
		DrawingTimestamps: map[string]time.Time{"q2": now.Add(-5 * time.Second)},
	}
	local := map[string]domain.Drawing{}

	adopted := MergeDrawings(local, doc, now)
	if len(adopted) != 1 {
		t.Fatalf("expected q2 adopted, got %v", adopted)
	}
	doc.Drawings["q2"][0] = domain.DrawingPath(`{"d":"M9 9"}`)
	if string(local["q2"][0]) != `{"d":"M1 1"}` {
		t.Fatalf("adopted drawing shares memory with the pulled document: %s", local["q2"][0])
	}
}

func TestMergeDrawingsIgnoresEmptyServerDrawing(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)
	doc := domain.AnswerDocument{
		Drawings: map[string]domain.Drawing{"q3": {}, "q4": {}},
		DrawingTimestamps: map[string]time.Time{
			"q3": now.Add(-300 * time.Millisecond),
			"q4": now.Add(-time.Minute),
		},
	}
	local := map[string]domain.Drawing{}

	if adopted := MergeDrawings(local, doc, now); len(adopted) != 0 {
		t.Fatalf("empty server drawings match a missing local one, got %v", adopted)
	}
	if len(local) != 0 {
		t.Fatalf("local drawings must be untouched, got %v", local)
	}
}
