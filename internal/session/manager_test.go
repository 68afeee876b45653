package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	byToken  map[string]*Session
	getCalls int
	touches  int

	createErr error
}

func newMemStore() *memStore {
	return &memStore{byToken: make(map[string]*Session)}
}

func (m *memStore) Create(ctx context.Context, sess *Session) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *sess
	m.byToken[sess.Token] = &copied
	return nil
}

func (m *memStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	sess, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (m *memStore) Touch(ctx context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	if sess, ok := m.byToken[token]; ok {
		sess.UpdatedAt = at
	}
	return nil
}

func (m *memStore) ListByUser(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, sess := range m.byToken {
		if sess.UserID == userID && sess.ExpiresAt.After(now) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memStore) DeleteByToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[token]; !ok {
		return ErrNotFound
	}
	delete(m.byToken, token)
	return nil
}

func (m *memStore) DeleteByID(ctx context.Context, userID, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, sess := range m.byToken {
		if sess.ID == id && sess.UserID == userID {
			delete(m.byToken, token)
			return token, nil
		}
	}
	return "", ErrNotFound
}

func (m *memStore) DeleteOthers(ctx context.Context, userID, keepToken string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for token, sess := range m.byToken {
		if sess.UserID == userID && token != keepToken {
			delete(m.byToken, token)
			removed = append(removed, token)
		}
	}
	return removed, nil
}

func (m *memStore) DeleteAllForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for token, sess := range m.byToken {
		if sess.UserID == userID {
			delete(m.byToken, token)
			removed = append(removed, token)
		}
	}
	return removed, nil
}

func (m *memStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, sess := range m.byToken {
		if !sess.ExpiresAt.After(now) {
			delete(m.byToken, token)
			n++
		}
	}
	return n, nil
}

var _ Store = (*memStore)(nil)

func newTestManager(t *testing.T) (*Manager, *memStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := newMemStore()
	mgr := NewManager(store, NewCache(client, 5*time.Minute), Config{
		TTL:       168 * time.Hour,
		CacheTTL:  5 * time.Minute,
		UpdateAge: 24 * time.Hour,
	}, slog.Default())
	return mgr, store, mr
}

func TestCreateAndGet(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "user-1", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	assert.Equal(t, sess.CreatedAt.Add(168*time.Hour), sess.ExpiresAt)

	got, err := mgr.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, 1, store.getCalls)

	// Second read is served from the cache.
	got, err = mgr.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, 1, store.getCalls)
}

func TestGetUnknownToken(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Get(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetChecksExpiryLazily(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "user-1", "10.0.0.1", "test-agent")
	require.NoError(t, err)

	// Prime the cache, then jump past expiry. The row (and its cached
	// copy) still exists but must no longer resolve.
	_, err = mgr.Get(ctx, sess.Token)
	require.NoError(t, err)

	mgr.now = func() time.Time { return sess.ExpiresAt.Add(time.Second) }
	_, err = mgr.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenewThrottledByUpdateAge(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "user-1", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	expiresAt := sess.ExpiresAt

	// Fresh session: activity within UpdateAge writes nothing.
	require.NoError(t, mgr.Renew(ctx, sess))
	assert.Equal(t, 0, store.touches)

	later := sess.CreatedAt.Add(25 * time.Hour)
	mgr.now = func() time.Time { return later }
	require.NoError(t, mgr.Renew(ctx, sess))
	assert.Equal(t, 1, store.touches)
	assert.Equal(t, later, sess.UpdatedAt)
	// Activity never slides the expiry.
	assert.Equal(t, expiresAt, sess.ExpiresAt)
}

func TestRevokeOthersKeepsCurrent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Create(ctx, "user-1", "10.0.0.1", "laptop")
	require.NoError(t, err)
	second, err := mgr.Create(ctx, "user-1", "10.0.0.2", "phone")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "user-2", "10.0.0.3", "other-user")
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeOthers(ctx, "user-1", second.Token))

	sessions, err := mgr.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.ID, sessions[0].ID)

	_, err = mgr.Get(ctx, first.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	// The other user's sessions are untouched.
	others, err := mgr.List(ctx, "user-2")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestRevokeInvalidatesCache(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "user-1", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	_, err = mgr.Get(ctx, sess.Token)
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, sess.Token))

	// A cached copy surviving revocation would resurrect the session here.
	_, err = mgr.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, store.getCalls)
}

func TestCacheTTLCappedByExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, 5*time.Minute)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &Session{
		ID:        "sess-1",
		UserID:    "user-1",
		Token:     "near-expiry-token",
		CreatedAt: now.Add(-167 * time.Hour),
		UpdatedAt: now,
		ExpiresAt: now.Add(30 * time.Second),
	}
	cache.Set(ctx, sess)

	ttl := mr.TTL(cacheKey(sess.Token))
	require.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)
}

func TestCacheSkipsExpiredSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, 5*time.Minute)

	sess := &Session{
		ID:        "sess-1",
		Token:     "expired-token",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	cache.Set(context.Background(), sess)
	assert.False(t, mr.Exists(cacheKey(sess.Token)))
}

func TestNilCacheIsHarmless(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store, nil, Config{TTL: time.Hour, UpdateAge: time.Minute}, slog.Default())
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "user-1", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	got, err := mgr.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	require.NoError(t, mgr.Revoke(ctx, sess.Token))
}
