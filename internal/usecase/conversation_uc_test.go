// File: internal/usecase/conversation_uc_test.go
package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"character-relay/internal/domain"
	"character-relay/internal/domain/model"
	"character-relay/internal/domain/ports/adapter"
	"character-relay/internal/infra/worker"
	"character-relay/internal/prompt"
)

type ucFixture struct {
	uc      *conversationUC
	repo    *memSessionRepo
	queue   *memSummaryQueue
	archive *memArchive
	backend *scriptedBackend
	pool    *worker.Pool
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, backend *scriptedBackend) *ucFixture {
	t.Helper()
	logger := zerolog.Nop()
	repo := newMemSessionRepo()
	queue := &memSummaryQueue{}
	archive := &memArchive{}
	profiles := &fakeProfiles{profiles: map[string]*model.CharacterProfile{
		"char-1": {
			ID:     "char-1",
			Name:   "Mira",
			Traits: "curious, dry humor",
		},
		"char-broken": {Name: "No ID"},
	}}
	asm := prompt.NewAssembler(prompt.Options{
		Budget:           4096,
		MaxRelationships: 2,
		MaxItems:         4,
		MinScore:         0.01,
		MaxHistoryTurns:  10,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(1, &logger)
	pool.Start(ctx)

	uc := NewConversationUseCase(repo, queue, archive, profiles, backend, asm, pool, 15*time.Minute, 256, &logger)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return &ucFixture{uc: uc, repo: repo, queue: queue, archive: archive, backend: backend, pool: pool, cancel: cancel}
}

func drain(t *testing.T, events <-chan adapter.TokenEvent) []adapter.TokenEvent {
	t.Helper()
	var got []adapter.TokenEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStart(t *testing.T) {
	f := newFixture(t, &scriptedBackend{})
	ctx := context.Background()

	s, err := f.uc.Start(ctx, "char-1", "user-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Active || s.SubjectID != "char-1" || s.RequesterID != "user-9" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if _, err := f.repo.FindByID(ctx, s.ID); err != nil {
		t.Fatalf("session not persisted: %v", err)
	}

	if _, err := f.uc.Start(ctx, "missing", "user-9"); !errors.Is(err, domain.ErrSubjectNotFound) {
		t.Fatalf("want ErrSubjectNotFound, got %v", err)
	}
	if _, err := f.uc.Start(ctx, "char-broken", "user-9"); !errors.Is(err, domain.ErrProfileIncomplete) {
		t.Fatalf("want ErrProfileIncomplete, got %v", err)
	}
	if _, err := f.uc.Start(ctx, "", "user-9"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []adapter.TokenEvent{
		adapter.Fragment("Hello"),
		adapter.Fragment(", there"),
		adapter.Done(),
	}})
	ctx := context.Background()

	s, err := f.uc.Start(ctx, "char-1", "user-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	events, err := f.uc.SendMessage(ctx, s.ID, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got := drain(t, events)
	if len(got) != 3 || got[2].Kind != adapter.EventDone {
		t.Fatalf("unexpected events: %+v", got)
	}

	turns, err := f.uc.History(ctx, s.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("want 2 turns, got %d", len(turns))
	}
	if turns[0].Role != model.TurnRoleUser || turns[0].Text != "hi" {
		t.Fatalf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != model.TurnRoleAgent || turns[1].Text != "Hello, there" {
		t.Fatalf("unexpected agent turn: %+v", turns[1])
	}
}

func TestSendMessageErrorTerminalKeepsSessionUsable(t *testing.T) {
	backend := &scriptedBackend{script: []adapter.TokenEvent{
		adapter.Fragment("par"),
		adapter.Fail(domain.ErrBackendError),
	}}
	f := newFixture(t, backend)
	ctx := context.Background()

	s, _ := f.uc.Start(ctx, "char-1", "user-9")
	events, err := f.uc.SendMessage(ctx, s.ID, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got := drain(t, events)
	last := got[len(got)-1]
	if last.Kind != adapter.EventError || !errors.Is(last.Err, domain.ErrBackendError) {
		t.Fatalf("want error terminal, got %+v", last)
	}

	// Only the user turn committed; no partial agent reply.
	turns, _ := f.uc.History(ctx, s.ID)
	if len(turns) != 1 || turns[0].Role != model.TurnRoleUser {
		t.Fatalf("want 1 user turn, got %+v", turns)
	}

	// The session survives the failed generation.
	backend.mu.Lock()
	backend.script = []adapter.TokenEvent{adapter.Fragment("ok"), adapter.Done()}
	backend.mu.Unlock()
	events, err = f.uc.SendMessage(ctx, s.ID, "again")
	if err != nil {
		t.Fatalf("SendMessage after error: %v", err)
	}
	drain(t, events)
	turns, _ = f.uc.History(ctx, s.ID)
	if len(turns) != 3 {
		t.Fatalf("want 3 turns after retry, got %d", len(turns))
	}
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []adapter.TokenEvent{adapter.Done()}})
	ctx := context.Background()

	if _, err := f.uc.SendMessage(ctx, "nope", "hi"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	s, _ := f.uc.Start(ctx, "char-1", "user-9")
	if _, err := f.uc.SendMessage(ctx, s.ID, "   "); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestConcurrentGenerationRejected(t *testing.T) {
	release := make(chan struct{})
	backend := &scriptedBackend{
		script:  []adapter.TokenEvent{adapter.Fragment("x"), adapter.Done()},
		release: release,
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	s, _ := f.uc.Start(ctx, "char-1", "user-9")
	events, err := f.uc.SendMessage(ctx, s.ID, "first")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var wg sync.WaitGroup
	rejected := 0
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.uc.SendMessage(ctx, s.ID, "concurrent"); errors.Is(err, domain.ErrAlreadyGenerating) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if rejected != 8 {
		t.Fatalf("want 8 rejections, got %d", rejected)
	}

	close(release)
	drain(t, events)

	// The slot frees up once the generation finishes.
	backend.mu.Lock()
	backend.release = nil
	backend.mu.Unlock()
	events, err = f.uc.SendMessage(ctx, s.ID, "second")
	if err != nil {
		t.Fatalf("SendMessage after release: %v", err)
	}
	drain(t, events)
}

func TestSendMessageRacingEndReturnsInactive(t *testing.T) {
	logger := zerolog.Nop()
	repo := newMemSessionRepo()
	queue := &memSummaryQueue{}
	profiles := &fakeProfiles{profiles: map[string]*model.CharacterProfile{
		"char-1": {ID: "char-1", Name: "Mira"},
	}}
	backend := &scriptedBackend{script: []adapter.TokenEvent{adapter.Done()}}
	est := newGatedEstimator()
	asm := prompt.NewAssembler(prompt.Options{Budget: 1024}, est)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(1, &logger)
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	uc := NewConversationUseCase(repo, queue, nil, profiles, backend, asm, pool, 15*time.Minute, 256, &logger)

	s, err := uc.Start(ctx, "char-1", "user-9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	type result struct {
		events <-chan adapter.TokenEvent
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := uc.SendMessage(context.Background(), s.ID, "hi")
		done <- result{ev, err}
	}()

	// End lands while assembly holds the message open.
	<-est.entered
	if err := uc.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	close(est.release)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage did not return")
	}
	if !errors.Is(res.err, domain.ErrSessionInactive) {
		t.Fatalf("want ErrSessionInactive, got %v", res.err)
	}

	// The ended session stays untouched: no user turn, no generation.
	stored, err := repo.FindByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Active || len(stored.Turns) != 0 {
		t.Fatalf("ended session mutated: active=%v turns=%+v", stored.Active, stored.Turns)
	}
	if backend.callCount() != 0 {
		t.Fatalf("generation launched on ended session: %d calls", backend.callCount())
	}
}

func TestEndIsIdempotent(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []adapter.TokenEvent{adapter.Fragment("x"), adapter.Done()}})
	ctx := context.Background()

	s, _ := f.uc.Start(ctx, "char-1", "user-9")
	events, _ := f.uc.SendMessage(ctx, s.ID, "hi")
	drain(t, events)

	if err := f.uc.End(ctx, s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := f.uc.End(ctx, s.ID); err != nil {
		t.Fatalf("second End: %v", err)
	}

	stored, err := f.repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.Active || stored.EndedAt.IsZero() {
		t.Fatalf("session not ended: %+v", stored)
	}

	// Exactly one summary job and one archive row despite the double End.
	waitFor(t, func() bool { return f.queue.count() == 1 })
	waitFor(t, func() bool {
		f.archive.mu.Lock()
		defer f.archive.mu.Unlock()
		return len(f.archive.sessions) == 1
	})

	if _, err := f.uc.SendMessage(ctx, s.ID, "hi"); !errors.Is(err, domain.ErrSessionInactive) {
		t.Fatalf("want ErrSessionInactive, got %v", err)
	}
}

func TestEndCancelsInFlightGeneration(t *testing.T) {
	release := make(chan struct{})
	backend := &scriptedBackend{
		script:  []adapter.TokenEvent{adapter.Fragment("x"), adapter.Done()},
		release: release,
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	s, _ := f.uc.Start(ctx, "char-1", "user-9")
	events, err := f.uc.SendMessage(ctx, s.ID, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := f.uc.End(ctx, s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	// The event channel closes without an agent turn being committed.
	drain(t, events)
	stored, _ := f.repo.FindByID(ctx, s.ID)
	for _, turn := range stored.Turns {
		if turn.Role == model.TurnRoleAgent {
			t.Fatalf("agent turn committed after cancellation: %+v", stored.Turns)
		}
	}
}

func TestSweepIdle(t *testing.T) {
	f := newFixture(t, &scriptedBackend{})
	ctx := context.Background()

	idle, _ := f.uc.Start(ctx, "char-1", "user-9")
	fresh, _ := f.uc.Start(ctx, "char-1", "user-10")
	idle.LastActivityAt = time.Now().Add(-time.Hour)

	ended, err := f.uc.SweepIdle(ctx)
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if ended != 1 {
		t.Fatalf("want 1 ended, got %d", ended)
	}

	stored, _ := f.repo.FindByID(ctx, idle.ID)
	if stored.Active {
		t.Fatal("idle session still active")
	}
	stored, _ = f.repo.FindByID(ctx, fresh.ID)
	if !stored.Active {
		t.Fatal("fresh session was swept")
	}
}

func TestHistoryFallsBackToStore(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []adapter.TokenEvent{adapter.Fragment("x"), adapter.Done()}})
	ctx := context.Background()

	s, _ := f.uc.Start(ctx, "char-1", "user-9")
	events, _ := f.uc.SendMessage(ctx, s.ID, "hi")
	drain(t, events)
	if err := f.uc.End(ctx, s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	// The handle is gone; history comes from the store.
	turns, err := f.uc.History(ctx, s.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("want 2 turns, got %d", len(turns))
	}
}
