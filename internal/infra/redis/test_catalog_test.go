package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"team-answer-service/internal/domain"
	"team-answer-service/internal/infra/memory"
)

func TestTestCatalogCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := newClient(mr)

	loader := &countingLoader{
		TestLoader: memory.NewStaticCatalog(map[string]domain.TestDefinition{
			"test-1": sampleTest(),
		}),
	}
	catalog := NewTestCatalog(client, loader, time.Minute)

	_, err = catalog.GetTest(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("get test: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}
	if !mr.Exists("test:test-1") {
		t.Fatalf("expected cached hash")
	}

	// Second call should hit cache, loader not incremented.
	cached, err := catalog.GetTest(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("get cached test: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}
	if cached.DurationSeconds != 3000 || len(cached.Questions) != 2 || cached.Questions[1].ID != "q2" {
		t.Fatalf("unexpected cached test %+v", cached)
	}

	if err := catalog.Invalidate(context.Background(), "test-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, _ = catalog.GetTest(context.Background(), "test-1")
	if loader.calls != 2 {
		t.Fatalf("expected reload after invalidate, loader calls=%d", loader.calls)
	}
}

type countingLoader struct {
	memory.TestLoader
	calls int
}

func (l *countingLoader) LoadTest(ctx context.Context, testID string) (domain.TestDefinition, error) {
	l.calls++
	return l.TestLoader.LoadTest(ctx, testID)
}

func sampleTest() domain.TestDefinition {
	return domain.TestDefinition{
		ID:              "test-1",
		DurationSeconds: 3000,
		Questions: []domain.Question{
			{ID: "q1", Points: 1},
			{ID: "q2", Points: 4},
		},
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}
