package buildmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemManager keeps build records in memory. It is safe for concurrent use
// by goroutines of one process.
type MemManager struct {
	Layout

	mu     sync.RWMutex
	items  map[string]*BuildInfo
	queue  chan string
	mirror chan struct{}
	now    func() time.Time
}

// NewMemManager returns a manager whose queue holds up to queueSize ids.
func NewMemManager(artifactsRoot string, queueSize int) *MemManager {
	if queueSize <= 0 {
		queueSize = 128
	}
	return &MemManager{
		Layout: Layout{ArtifactsRoot: artifactsRoot},
		items:  make(map[string]*BuildInfo),
		queue:  make(chan string, queueSize),
		mirror: make(chan struct{}, 1),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemManager) SubmitBuild(ctx context.Context, info BuildInfo) (string, error) {
	id := uuid.NewString()
	now := m.now()
	info.SelectedFeatures = normalizeFeatures(info.SelectedFeatures)
	info.Progress = BuildProgress{State: StatePending}
	info.CreatedAt = now
	info.UpdatedAt = now

	m.mu.Lock()
	m.items[id] = &info
	m.mu.Unlock()

	select {
	case m.queue <- id:
		return id, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.items, id)
		m.mu.Unlock()
		return "", ctx.Err()
	}
}

func (m *MemManager) NextBuildID(ctx context.Context) (string, error) {
	select {
	case id := <-m.queue:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *MemManager) BuildInfo(_ context.Context, id string) (BuildInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.items[id]
	if !ok {
		return BuildInfo{}, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	out := *rec
	out.SelectedFeatures = append([]string(nil), rec.SelectedFeatures...)
	return out, nil
}

func (m *MemManager) ClaimBuild(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.items[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	if rec.Progress.State != StatePending {
		return false, nil
	}
	rec.Progress.State = StateRunning
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *MemManager) UpdateBuildState(_ context.Context, id string, state BuildState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	if !rec.Progress.State.CanTransitionTo(state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Progress.State, state)
	}
	rec.Progress.State = state
	if state == StateSuccess {
		rec.Progress.Percent = 100
	}
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemManager) UpdateBuildProgressPercent(_ context.Context, id string, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	if rec.Progress.State != StateRunning {
		return nil
	}
	rec.Progress.Percent = clampPercent(percent)
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemManager) RunningBuildIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, rec := range m.items {
		if rec.Progress.State == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// QueueLength reports how many build ids are waiting.
func (m *MemManager) QueueLength(_ context.Context) (int64, error) {
	return int64(len(m.queue)), nil
}

func (m *MemManager) AcquireMirrorLock(ctx context.Context) (func(), error) {
	select {
	case m.mirror <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-m.mirror })
	}, nil
}

var _ Manager = (*MemManager)(nil)
