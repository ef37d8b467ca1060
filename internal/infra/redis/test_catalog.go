package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"team-answer-service/internal/domain"
)

// TestLoader fetches test definitions from the test bank and owns assignments.
type TestLoader interface {
	LoadTest(ctx context.Context, testID string) (domain.TestDefinition, error)
	DetachTeam(ctx context.Context, testID, teamID string) error
}

// TestCatalog caches test definitions in Redis (hash per test) and falls back to a loader on cache miss.
// Duration is stored as:  HSET test:{testID} duration {seconds}
// Questions are stored as: HSET test:{testID} questions {json}
type TestCatalog struct {
	client *redis.Client
	loader TestLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewTestCatalog(client *redis.Client, loader TestLoader, ttl time.Duration) *TestCatalog {
	return &TestCatalog{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *TestCatalog) GetTest(ctx context.Context, testID string) (domain.TestDefinition, error) {
	cacheKey := c.testKey(testID)

	if test, ok := c.fromCache(ctx, testID, cacheKey); ok {
		return test, nil
	}

	result, err, _ := c.sf.Do(testID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if test, ok := c.fromCache(ctx, testID, cacheKey); ok {
			return test, nil
		}

		test, err := c.loader.LoadTest(ctx, testID)
		if err != nil {
			return domain.TestDefinition{}, err
		}

		questions, err := json.Marshal(test.Questions)
		if err != nil {
			return domain.TestDefinition{}, err
		}
		ttl := c.ttlWithJitter()
		pipe := c.client.Pipeline()
		pipe.HSet(ctx, cacheKey, "duration", test.DurationSeconds, "questions", questions)
		if ttl > 0 {
			pipe.Expire(ctx, cacheKey, ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn().Err(err).Str("test_id", testID).Msg("failed to cache test definition")
		}

		return test, nil
	})
	if err != nil {
		return domain.TestDefinition{}, err
	}
	return result.(domain.TestDefinition), nil
}

// DetachTeam goes straight to the backing store; cached definitions carry no assignments.
func (c *TestCatalog) DetachTeam(ctx context.Context, testID, teamID string) error {
	return c.loader.DetachTeam(ctx, testID, teamID)
}

// Invalidate forgets a cached definition so the next read reloads it.
func (c *TestCatalog) Invalidate(ctx context.Context, testID string) error {
	return c.client.Del(ctx, c.testKey(testID)).Err()
}

func (c *TestCatalog) fromCache(ctx context.Context, testID, cacheKey string) (domain.TestDefinition, bool) {
	fields, err := c.client.HGetAll(ctx, cacheKey).Result()
	if err != nil || len(fields) == 0 {
		return domain.TestDefinition{}, false
	}
	return buildTestFromCache(testID, fields)
}

func (c *TestCatalog) testKey(testID string) string {
	return "test:" + testID
}

func buildTestFromCache(testID string, fields map[string]string) (domain.TestDefinition, bool) {
	duration, err := strconv.Atoi(fields["duration"])
	if err != nil {
		return domain.TestDefinition{}, false
	}
	test := domain.TestDefinition{ID: testID, DurationSeconds: duration}
	if raw, ok := fields["questions"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &test.Questions); err != nil {
			return domain.TestDefinition{}, false
		}
	}
	return test, true
}

func (c *TestCatalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
