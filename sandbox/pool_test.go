package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingStore implements SessionStore and records every call.
type recordingStore struct {
	mu       sync.Mutex
	upserts  map[string]string
	touches  map[string]int
	deletes  map[string]int
	storeErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		upserts: make(map[string]string),
		touches: make(map[string]int),
		deletes: make(map[string]int),
	}
}

func (s *recordingStore) Upsert(_ context.Context, userID, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.upserts[userID] = containerID
	return nil
}

func (s *recordingStore) Touch(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.touches[userID]++
	return nil
}

func (s *recordingStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.deletes[userID]++
	delete(s.upserts, userID)
	return nil
}

func testConfig(t *testing.T, capacity int) *Config {
	t.Helper()
	return &Config{
		Capacity:     capacity,
		ImageTag:     "sandpool-node:latest",
		BaseImage:    "node:18-alpine",
		BuildContext: t.TempDir(),
		StopGrace:    5 * time.Second,
		ExecTimeout:  200 * time.Millisecond,
		WorkspaceDir: "/workspace",
		CodeFile:     "index.js",
		RunCommand:   []string{"node", "/workspace/index.js"},
		MemoryMB:     512,
		CPUQuota:     50000,
		PidsLimit:    64,
	}
}

func newTestPool(t *testing.T, engine *fakeEngine, capacity int) (*Pool, *recordingStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testConfig(t, capacity)
	// The image is already present so pool tests never pull or build.
	engine.images[cfg.ImageTag] = true

	store := newRecordingStore()
	pool := NewPool(logger, engine,
		NewImageProvisioner(logger, engine, cfg),
		NewExecRunner(logger, engine, cfg),
		store, cfg)
	return pool, store
}

func TestPoolCreate(t *testing.T) {
	engine := newFakeEngine()
	pool, store := newTestPool(t, engine, 3)

	containerID, err := pool.Create(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, containerID)
	assert.True(t, engine.started[containerID])
	assert.Equal(t, 1, pool.ActiveCount())

	rec, ok := pool.Status("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, containerID, rec.ContainerID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 0, rec.HostPort)

	assert.Equal(t, containerID, store.upserts["alice"])
}

func TestPoolCreateDuplicateUser(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)

	_, err := pool.Create(context.Background(), "alice")
	require.NoError(t, err)

	_, err = pool.Create(context.Background(), "alice")
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, pool.ActiveCount())
	assert.Len(t, engine.created, 1)
}

func TestPoolCapacity(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 2)
	ctx := context.Background()

	_, err := pool.Create(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, pool.HasCapacity())

	_, err = pool.Create(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, pool.HasCapacity())

	_, err = pool.Create(ctx, "carol")
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, pool.ActiveCount())

	// A freed slot is usable again.
	require.NoError(t, pool.Stop(ctx, "alice"))
	assert.True(t, pool.HasCapacity())
	_, err = pool.Create(ctx, "carol")
	require.NoError(t, err)
}

func TestPoolCreateStartFailureReleasesSlot(t *testing.T) {
	engine := newFakeEngine()
	engine.startErr = errors.New("start exploded")
	pool, store := newTestPool(t, engine, 1)

	_, err := pool.Create(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, 0, pool.ActiveCount())
	assert.True(t, pool.HasCapacity(), "failed create must release its reservation")
	// The unstarted container was removed, not leaked.
	require.Len(t, engine.created, 1)
	assert.True(t, engine.removed[engine.created[0]])
	assert.Empty(t, store.upserts)
}

func TestPoolStopNoRecordIsNoop(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)

	require.NoError(t, pool.Stop(context.Background(), "ghost"))
}

func TestPoolStopIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)
	ctx := context.Background()

	containerID, err := pool.Create(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, pool.Stop(ctx, "alice"))
	assert.True(t, engine.stopped[containerID])
	assert.True(t, engine.removed[containerID])
	assert.Equal(t, 0, pool.ActiveCount())

	require.NoError(t, pool.Stop(ctx, "alice"))
	assert.Equal(t, 0, pool.ActiveCount())
}

func TestPoolStopSwallowsEngineFailures(t *testing.T) {
	engine := newFakeEngine()
	pool, store := newTestPool(t, engine, 3)
	ctx := context.Background()

	_, err := pool.Create(ctx, "alice")
	require.NoError(t, err)

	engine.stopErr = errors.New("stop refused")
	engine.removeErr = errors.New("remove refused")

	require.NoError(t, pool.Stop(ctx, "alice"))
	assert.Equal(t, 0, pool.ActiveCount(), "record is cleared even when the engine fails")
	assert.Equal(t, 1, store.deletes["alice"])
}

func TestPoolExecuteWithoutSandbox(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)

	_, err := pool.Execute(context.Background(), "alice", "console.log(1)")
	require.ErrorIs(t, err, ErrNoActiveContainer)
}

func TestPoolExecuteTouchesSession(t *testing.T) {
	engine := newFakeEngine()
	pool, store := newTestPool(t, engine, 3)
	ctx := context.Background()

	_, err := pool.Create(ctx, "alice")
	require.NoError(t, err)

	engine.execFn = func(string, []string) (ExecStream, error) {
		return newFramedStream("hi\n", ""), nil
	}

	result, err := pool.Execute(ctx, "alice", "console.log('hi')")
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Output)
	assert.Equal(t, 1, store.touches["alice"])
}

func TestPoolListActiveMatchesCount(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 5)
	ctx := context.Background()

	assert.Empty(t, pool.ListActive())

	for _, user := range []string{"alice", "bob", "carol"} {
		_, err := pool.Create(ctx, user)
		require.NoError(t, err)
	}

	records := pool.ListActive()
	assert.Len(t, records, pool.ActiveCount())
	assert.Equal(t, "alice", records[0].UserID)
	assert.Equal(t, "bob", records[1].UserID)
	assert.Equal(t, "carol", records[2].UserID)

	require.NoError(t, pool.Stop(ctx, "bob"))
	assert.Len(t, pool.ListActive(), pool.ActiveCount())
	assert.Equal(t, 2, pool.ActiveCount())
}

func TestPoolCleanupAll(t *testing.T) {
	engine := newFakeEngine()
	pool, store := newTestPool(t, engine, 5)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		_, err := pool.Create(ctx, user)
		require.NoError(t, err)
	}

	pool.CleanupAll(ctx)
	assert.Equal(t, 0, pool.ActiveCount())
	assert.Empty(t, store.upserts)

	// Second drain is harmless.
	pool.CleanupAll(ctx)
	assert.Equal(t, 0, pool.ActiveCount())
}

func TestPoolCleanupAllWithEngineFailures(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 5)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob"} {
		_, err := pool.Create(ctx, user)
		require.NoError(t, err)
	}

	engine.stopErr = errors.New("stop refused")
	engine.removeErr = errors.New("remove refused")

	pool.CleanupAll(ctx)
	assert.Equal(t, 0, pool.ActiveCount())
}

func TestPoolConcurrentCreateSameUser(t *testing.T) {
	engine := newFakeEngine()
	engine.createDelay = 20 * time.Millisecond
	pool, _ := newTestPool(t, engine, 5)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = pool.Create(context.Background(), "alice")
		}(i)
	}
	wg.Wait()

	var successes, duplicates int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyExists):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, duplicates)
	assert.Len(t, engine.created, 1, "only one container may exist per user")
}

func TestPoolConcurrentCreateRespectsCapacity(t *testing.T) {
	engine := newFakeEngine()
	engine.createDelay = 20 * time.Millisecond
	pool, _ := newTestPool(t, engine, 1)

	users := []string{"alice", "bob", "carol"}
	var wg sync.WaitGroup
	results := make([]error, len(users))
	for i, user := range users {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, results[i] = pool.Create(context.Background(), user)
		}(i, user)
	}
	wg.Wait()

	var successes, rejections int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrCapacityExceeded):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 2, rejections)
	assert.Equal(t, 1, pool.ActiveCount())
}

func TestPoolHostWorkdirConfinedToBase(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)
	base := filepath.Join(t.TempDir(), "workdirs")
	pool.cfg.HostWorkdirBase = base

	_, err := pool.Create(context.Background(), "../../escaped")
	require.NoError(t, err)

	require.Len(t, engine.specs, 1)
	workdir := engine.specs[0].HostWorkdir
	rel, err := filepath.Rel(base, workdir)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."),
		"host workdir %q escaped the configured base", workdir)
}

func TestPoolDistinctUsersGetDistinctWorkdirs(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)
	pool.cfg.HostWorkdirBase = t.TempDir()
	ctx := context.Background()

	_, err := pool.Create(ctx, "a")
	require.NoError(t, err)
	_, err = pool.Create(ctx, "./a")
	require.NoError(t, err)

	require.Len(t, engine.specs, 2)
	assert.NotEqual(t, engine.specs[0].HostWorkdir, engine.specs[1].HostWorkdir)
}

func TestPoolContainerNameSanitized(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)

	_, err := pool.Create(context.Background(), "weird user/$(id)")
	require.NoError(t, err)

	require.Len(t, engine.specs, 1)
	// Engine container names only allow [a-zA-Z0-9][a-zA-Z0-9_.-]*.
	assert.Regexp(t, `^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`, engine.specs[0].Name)
}

func TestPoolUserLockPruned(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 3)
	ctx := context.Background()

	_, err := pool.Create(ctx, "alice")
	require.NoError(t, err)

	pool.mu.Lock()
	assert.Len(t, pool.userMu, 1, "lock entry stays while the sandbox is active")
	pool.mu.Unlock()

	require.NoError(t, pool.Stop(ctx, "alice"))

	// Operations against users without sandboxes must not leave entries
	// behind either.
	_, err = pool.Execute(ctx, "ghost", "x")
	require.ErrorIs(t, err, ErrNoActiveContainer)
	require.NoError(t, pool.Stop(ctx, "phantom"))

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Empty(t, pool.userMu)
}

func TestPoolHostPortRecorded(t *testing.T) {
	engine := newFakeEngine()
	engine.hostPort = 49153
	pool, _ := newTestPool(t, engine, 3)
	pool.cfg.ExposedPort = 3000

	_, err := pool.Create(context.Background(), "alice")
	require.NoError(t, err)

	rec, ok := pool.Status("alice")
	require.True(t, ok)
	assert.Equal(t, 49153, rec.HostPort)
}

func TestPoolCapacityAccessor(t *testing.T) {
	engine := newFakeEngine()
	pool, _ := newTestPool(t, engine, 7)
	assert.Equal(t, 7, pool.Capacity())
}
