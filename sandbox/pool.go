package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record describes one user's active sandbox.
type Record struct {
	UserID      string
	ContainerID string
	CreatedAt   time.Time
	// HostPort is the externally reachable port bound to the in-container
	// service, or 0 when none is published.
	HostPort int
}

// Pool owns the mapping from user to active container and is its only
// mutator. It enforces the concurrency cap and composes the image
// provisioner and exec runner into create/execute/stop.
type Pool struct {
	logger      *zap.Logger
	engine      Engine
	provisioner *ImageProvisioner
	runner      *ExecRunner
	sessions    SessionStore
	cfg         *Config

	mu      sync.Mutex
	records map[string]*Record
	// pending holds capacity reservations taken before the slow engine work
	// of a create, so concurrent creates can neither overshoot capacity nor
	// double-provision one user.
	pending map[string]struct{}
	userMu  map[string]*userLock
}

// userLock is a per-user mutex with a waiter count so its map entry can be
// pruned once the user has no sandbox and nobody is queued on it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewPool creates a new Pool.
func NewPool(logger *zap.Logger, engine Engine, provisioner *ImageProvisioner, runner *ExecRunner, sessions SessionStore, cfg *Config) *Pool {
	return &Pool{
		logger:      logger,
		engine:      engine,
		provisioner: provisioner,
		runner:      runner,
		sessions:    sessions,
		cfg:         cfg,
		records:     make(map[string]*Record),
		pending:     make(map[string]struct{}),
		userMu:      make(map[string]*userLock),
	}
}

// lockUser acquires the per-user lock, creating it on first use. All
// mutations for one user serialize on it. Release with unlockUser.
func (p *Pool) lockUser(userID string) *userLock {
	p.mu.Lock()
	l, ok := p.userMu[userID]
	if !ok {
		l = &userLock{}
		p.userMu[userID] = l
	}
	l.refs++
	p.mu.Unlock()
	l.mu.Lock()
	return l
}

// unlockUser releases the per-user lock and prunes its map entry once the
// user has no record, no pending reservation, and no queued waiters.
func (p *Pool) unlockUser(userID string, l *userLock) {
	l.mu.Unlock()
	p.mu.Lock()
	l.refs--
	_, hasRecord := p.records[userID]
	_, hasPending := p.pending[userID]
	if l.refs == 0 && !hasRecord && !hasPending {
		delete(p.userMu, userID)
	}
	p.mu.Unlock()
}

// safeUserSlug maps an opaque user identifier onto a string usable both as
// a single path component and inside an engine container name. Only
// [a-zA-Z0-9_-] survive the filtering; a short digest of the raw
// identifier keeps distinct identifiers distinct after it.
func safeUserSlug(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	slug := b.String()
	if len(slug) > 32 {
		slug = slug[:32]
	}
	digest := sha256.Sum256([]byte(userID))
	if slug == "" {
		return hex.EncodeToString(digest[:6])
	}
	return slug + "-" + hex.EncodeToString(digest[:6])
}

// EnsureImage provisions the sandbox image if it is not already present.
func (p *Pool) EnsureImage(ctx context.Context) error {
	return p.provisioner.EnsureImage(ctx)
}

// Create provisions a sandbox container for the user and returns the
// engine-assigned container identifier.
func (p *Pool) Create(ctx context.Context, userID string) (string, error) {
	l := p.lockUser(userID)
	defer p.unlockUser(userID, l)

	// Reserve a capacity slot before any engine call. The reservation
	// counts against both the capacity gate and the per-user uniqueness
	// check and is released on failure.
	p.mu.Lock()
	if _, ok := p.records[userID]; ok {
		p.mu.Unlock()
		return "", ErrAlreadyExists
	}
	if _, ok := p.pending[userID]; ok {
		p.mu.Unlock()
		return "", ErrAlreadyExists
	}
	if len(p.records)+len(p.pending) >= p.cfg.Capacity {
		p.mu.Unlock()
		return "", ErrCapacityExceeded
	}
	p.pending[userID] = struct{}{}
	p.mu.Unlock()

	containerID, hostPort, err := p.provision(ctx, userID)

	p.mu.Lock()
	delete(p.pending, userID)
	if err == nil {
		p.records[userID] = &Record{
			UserID:      userID,
			ContainerID: containerID,
			CreatedAt:   time.Now(),
			HostPort:    hostPort,
		}
	}
	p.mu.Unlock()

	if err != nil {
		return "", err
	}

	if sessErr := p.sessions.Upsert(ctx, userID, containerID); sessErr != nil {
		p.logger.Warn("session upsert failed",
			zap.String("user_id", userID),
			zap.Error(sessErr))
	}

	p.logger.Info("sandbox created",
		zap.String("user_id", userID),
		zap.String("container_id", containerID),
		zap.Int("active", p.ActiveCount()))
	return containerID, nil
}

// provision runs the slow engine-side part of a create: image readiness,
// container create, start, and port discovery.
func (p *Pool) provision(ctx context.Context, userID string) (string, int, error) {
	if err := p.provisioner.EnsureImage(ctx); err != nil {
		return "", 0, err
	}

	slug := safeUserSlug(userID)
	spec := ContainerSpec{
		Image:          p.cfg.ImageTag,
		Name:           fmt.Sprintf("sandbox-%s-%s", slug, uuid.NewString()[:8]),
		Cmd:            []string{"tail", "-f", "/dev/null"},
		WorkingDir:     p.cfg.WorkspaceDir,
		MemoryBytes:    int64(p.cfg.MemoryMB) * 1024 * 1024,
		CPUQuota:       int64(p.cfg.CPUQuota),
		PidsLimit:      int64(p.cfg.PidsLimit),
		NetworkEnabled: p.cfg.NetworkEnabled,
		ExposedPort:    p.cfg.ExposedPort,
	}

	if p.cfg.HostWorkdirBase != "" {
		// The slug is a single clean path component, so the directory cannot
		// land outside the configured base.
		hostDir := filepath.Join(p.cfg.HostWorkdirBase, slug)
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return "", 0, fmt.Errorf("failed to create host workdir: %w", err)
		}
		spec.HostWorkdir = hostDir
	}

	containerID, err := p.engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", 0, err
	}

	if err := p.engine.StartContainer(ctx, containerID); err != nil {
		// Don't leak the created but unstarted container.
		if rmErr := p.engine.RemoveContainer(ctx, containerID); rmErr != nil {
			p.logger.Warn("failed to remove unstarted container",
				zap.String("container_id", containerID),
				zap.Error(rmErr))
		}
		return "", 0, err
	}

	hostPort := 0
	if p.cfg.ExposedPort > 0 {
		port, inspectErr := p.engine.InspectHostPort(ctx, containerID, p.cfg.ExposedPort)
		if inspectErr != nil {
			p.logger.Warn("failed to inspect published port",
				zap.String("container_id", containerID),
				zap.Error(inspectErr))
		} else {
			hostPort = port
		}
	}

	return containerID, hostPort, nil
}

// Execute runs the source text inside the user's sandbox and returns the
// captured output.
func (p *Pool) Execute(ctx context.Context, userID, source string) (ExecResult, error) {
	l := p.lockUser(userID)
	defer p.unlockUser(userID, l)

	p.mu.Lock()
	rec, ok := p.records[userID]
	p.mu.Unlock()
	if !ok {
		return ExecResult{}, ErrNoActiveContainer
	}

	result := p.runner.Run(ctx, rec.ContainerID, source)

	if err := p.sessions.Touch(ctx, userID); err != nil {
		p.logger.Warn("session touch failed",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	return result, nil
}

// Stop tears down the user's sandbox. Stopping a user without a sandbox is
// a no-op. Engine-side failures are logged and swallowed; the record and
// session row are always cleared.
func (p *Pool) Stop(ctx context.Context, userID string) error {
	l := p.lockUser(userID)
	defer p.unlockUser(userID, l)
	return p.stopLocked(ctx, userID)
}

// stopLocked does the teardown. The caller must hold the user's mutex.
func (p *Pool) stopLocked(ctx context.Context, userID string) error {
	p.mu.Lock()
	rec, ok := p.records[userID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.engine.StopContainer(ctx, rec.ContainerID, p.cfg.StopGrace); err != nil {
		p.logger.Warn("container stop failed",
			zap.String("user_id", userID),
			zap.String("container_id", rec.ContainerID),
			zap.Error(err))
	}
	if err := p.engine.RemoveContainer(ctx, rec.ContainerID); err != nil {
		p.logger.Warn("container remove failed",
			zap.String("user_id", userID),
			zap.String("container_id", rec.ContainerID),
			zap.Error(err))
	}

	p.mu.Lock()
	delete(p.records, userID)
	p.mu.Unlock()

	if err := p.sessions.Delete(ctx, userID); err != nil {
		p.logger.Warn("session delete failed",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	p.logger.Info("sandbox stopped",
		zap.String("user_id", userID),
		zap.String("container_id", rec.ContainerID))
	return nil
}

// CleanupAll stops every recorded sandbox sequentially. Used by the
// shutdown path; safe to call more than once.
func (p *Pool) CleanupAll(ctx context.Context) {
	p.mu.Lock()
	users := make([]string, 0, len(p.records))
	for userID := range p.records {
		users = append(users, userID)
	}
	p.mu.Unlock()

	if len(users) == 0 {
		return
	}
	sort.Strings(users)

	p.logger.Info("draining sandbox pool", zap.Int("active", len(users)))
	for _, userID := range users {
		l := p.lockUser(userID)
		_ = p.stopLocked(ctx, userID)
		p.unlockUser(userID, l)
	}
}

// Status returns a copy of the user's record, if any.
func (p *Pool) Status(userID string) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListActive returns copies of all records, ordered by user.
func (p *Pool) ListActive() []Record {
	p.mu.Lock()
	records := make([]Record, 0, len(p.records))
	for _, rec := range p.records {
		records = append(records, *rec)
	}
	p.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records
}

// ActiveCount returns the number of active sandboxes.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// HasCapacity reports whether another sandbox can be created right now.
// Pending reservations count as occupied.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)+len(p.pending) < p.cfg.Capacity
}

// Capacity returns the fixed pool capacity.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}
