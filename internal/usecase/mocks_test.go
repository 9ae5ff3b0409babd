// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"sync"

	"character-relay/internal/domain"
	"character-relay/internal/domain/model"
	"character-relay/internal/domain/ports/adapter"
)

// memSessionRepo is a small in-memory implementation used by unit tests.
type memSessionRepo struct {
	mu      sync.RWMutex
	store   map[string]*model.Session
	saveErr error // used by tests to simulate store failures
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{store: make(map[string]*model.Session)}
}

func (m *memSessionRepo) Save(ctx context.Context, s *model.Session) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Turns = append([]model.Turn(nil), s.Turns...)
	m.store[s.ID] = &cp
	return nil
}

func (m *memSessionRepo) FindByID(ctx context.Context, sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.store[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	cp.Turns = append([]model.Turn(nil), s.Turns...)
	return &cp, nil
}

func (m *memSessionRepo) Extend(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.store[sessionID]; !ok {
		return domain.ErrSessionNotFound
	}
	return nil
}

type memSummaryQueue struct {
	mu   sync.Mutex
	jobs []*model.SummaryJob
}

func (m *memSummaryQueue) Enqueue(ctx context.Context, job *model.SummaryJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memSummaryQueue) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type memArchive struct {
	mu       sync.Mutex
	sessions []*model.Session
}

func (m *memArchive) Archive(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

// fakeProfiles serves a fixed set of profiles keyed by subject ID.
type fakeProfiles struct {
	profiles map[string]*model.CharacterProfile
}

func (f *fakeProfiles) Fetch(ctx context.Context, subjectID string) (*model.CharacterProfile, error) {
	p, ok := f.profiles[subjectID]
	if !ok {
		return nil, domain.ErrSubjectNotFound
	}
	return p, nil
}

// gatedEstimator blocks the first Estimate call until released, letting
// tests hold prompt assembly open at a precise point.
type gatedEstimator struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEstimator() *gatedEstimator {
	return &gatedEstimator{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedEstimator) Estimate(text string) int {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return 1
}

// scriptedBackend emits a fixed event script per call. A nil release
// channel emits immediately; otherwise emission waits until the channel
// is closed, letting tests hold a generation in flight.
type scriptedBackend struct {
	mu      sync.Mutex
	script  []adapter.TokenEvent
	release chan struct{}
	calls   int
}

func (b *scriptedBackend) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.TokenEvent, error) {
	b.mu.Lock()
	b.calls++
	script := append([]adapter.TokenEvent(nil), b.script...)
	release := b.release
	b.mu.Unlock()

	out := make(chan adapter.TokenEvent, len(script))
	go func() {
		defer close(out)
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range script {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
