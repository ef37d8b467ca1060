package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"team-answer-service/internal/domain"
)

// TestLoader fetches test definitions from the test bank and owns assignments.
type TestLoader interface {
	LoadTest(ctx context.Context, testID string) (domain.TestDefinition, error)
	DetachTeam(ctx context.Context, testID, teamID string) error
}

// TestCatalog caches test definitions with TTL to avoid repeated DB hits.
type TestCatalog struct {
	loader TestLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedTest
}

type cachedTest struct {
	test      domain.TestDefinition
	expiresAt time.Time
}

func NewTestCatalog(loader TestLoader, ttl time.Duration) *TestCatalog {
	return &TestCatalog{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedTest),
	}
}

func (c *TestCatalog) GetTest(ctx context.Context, testID string) (domain.TestDefinition, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[testID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.test, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(testID, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[testID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.test, nil
		}
		c.mu.RUnlock()

		test, err := c.loader.LoadTest(ctx, testID)
		if err != nil {
			return domain.TestDefinition{}, err
		}

		c.mu.Lock()
		c.cache[testID] = cachedTest{
			test:      test,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return test, nil
	})
	if err != nil {
		return domain.TestDefinition{}, err
	}
	return result.(domain.TestDefinition), nil
}

// DetachTeam removes the team from the test's pending assignments in the backing store.
func (c *TestCatalog) DetachTeam(ctx context.Context, testID, teamID string) error {
	return c.loader.DetachTeam(ctx, testID, teamID)
}

func (c *TestCatalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticCatalog is a loader and team directory backed by in-memory maps (useful for tests/demos).
type StaticCatalog struct {
	mu          sync.RWMutex
	tests       map[string]domain.TestDefinition
	assignments map[string]map[string]struct{}
	members     map[string]map[string]struct{}
}

func NewStaticCatalog(tests map[string]domain.TestDefinition) *StaticCatalog {
	return &StaticCatalog{
		tests:       tests,
		assignments: make(map[string]map[string]struct{}),
		members:     make(map[string]map[string]struct{}),
	}
}

func (c *StaticCatalog) LoadTest(_ context.Context, testID string) (domain.TestDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if test, ok := c.tests[testID]; ok {
		return test, nil
	}
	return domain.TestDefinition{}, domain.ErrTestNotFound
}

// Assign puts a team on a test's pending-assignment list.
func (c *StaticCatalog) Assign(testID, teamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	teams, ok := c.assignments[testID]
	if !ok {
		teams = make(map[string]struct{})
		c.assignments[testID] = teams
	}
	teams[teamID] = struct{}{}
}

// Assigned reports whether the team still sees the test as pending.
func (c *StaticCatalog) Assigned(testID, teamID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.assignments[testID][teamID]
	return ok
}

func (c *StaticCatalog) DetachTeam(_ context.Context, testID, teamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assignments[testID], teamID)
	return nil
}

// AddMember registers a user on a team.
func (c *StaticCatalog) AddMember(teamID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.members[teamID]
	if !ok {
		users = make(map[string]struct{})
		c.members[teamID] = users
	}
	users[userID] = struct{}{}
}

// IsMember treats a team with no registered members as open to any verified user.
func (c *StaticCatalog) IsMember(_ context.Context, teamID, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users, ok := c.members[teamID]
	if !ok {
		return true, nil
	}
	_, member := users[userID]
	return member, nil
}
