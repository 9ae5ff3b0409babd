// File: internal/usecase/conversation_uc.go
package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"character-relay/internal/domain"
	"character-relay/internal/domain/model"
	"character-relay/internal/domain/ports/adapter"
	"character-relay/internal/domain/ports/repository"
	"character-relay/internal/infra/logging"
	"character-relay/internal/infra/metrics"
	"character-relay/internal/infra/worker"
	"character-relay/internal/prompt"
)

// Compile-time check
var _ ConversationUseCase = (*conversationUC)(nil)

type ConversationUseCase interface {
	// Start validates the subject and creates a session.
	Start(ctx context.Context, subjectID, requesterID string) (*model.Session, error)
	// SendMessage appends the user turn and returns the live event
	// sequence for the resulting generation. At most one generation per
	// session is in flight; concurrent calls fail with ErrAlreadyGenerating.
	SendMessage(ctx context.Context, sessionID, text string) (<-chan adapter.TokenEvent, error)
	// End terminates the session. Idempotent.
	End(ctx context.Context, sessionID string) error
	// CancelGeneration aborts the in-flight generation, if any. The
	// session stays active.
	CancelGeneration(sessionID string)
	History(ctx context.Context, sessionID string) ([]model.Turn, error)
	// SweepIdle ends sessions past the inactivity threshold.
	SweepIdle(ctx context.Context) (int, error)
}

// sessionHandle is the in-memory side of one tracked session. mu
// serializes state mutation; gate is the exclusive generation slot.
type sessionHandle struct {
	mu      sync.Mutex
	gate    chan struct{}
	sess    *model.Session
	profile *model.CharacterProfile
	cancel  context.CancelFunc // in-flight generation, guarded by mu
	ended   bool
}

func newSessionHandle(s *model.Session, p *model.CharacterProfile) *sessionHandle {
	return &sessionHandle{gate: make(chan struct{}, 1), sess: s, profile: p}
}

func (h *sessionHandle) tryAcquire() bool {
	select {
	case h.gate <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *sessionHandle) release() {
	select {
	case <-h.gate:
	default:
	}
}

type conversationUC struct {
	sessions repository.SessionRepository
	queue    repository.SummaryQueue
	archive  repository.ConversationArchive // nil disables archival
	profiles adapter.ProfileProvider
	backend  adapter.GenerationBackend
	asm      *prompt.Assembler
	pool     *worker.Pool
	log      *zerolog.Logger

	idleTimeout time.Duration
	maxTokens   int

	mu      sync.Mutex
	handles map[string]*sessionHandle
}

func NewConversationUseCase(
	sessions repository.SessionRepository,
	queue repository.SummaryQueue,
	archive repository.ConversationArchive,
	profiles adapter.ProfileProvider,
	backend adapter.GenerationBackend,
	asm *prompt.Assembler,
	pool *worker.Pool,
	idleTimeout time.Duration,
	maxTokens int,
	logger *zerolog.Logger,
) *conversationUC {
	return &conversationUC{
		sessions:    sessions,
		queue:       queue,
		archive:     archive,
		profiles:    profiles,
		backend:     backend,
		asm:         asm,
		pool:        pool,
		idleTimeout: idleTimeout,
		maxTokens:   maxTokens,
		log:         logger,
		handles:     make(map[string]*sessionHandle),
	}
}

func (c *conversationUC) Start(ctx context.Context, subjectID, requesterID string) (*model.Session, error) {
	if subjectID == "" || requesterID == "" {
		return nil, domain.ErrInvalidArgument
	}
	profile, err := c.profiles.Fetch(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	s := model.NewSession(uuid.NewString(), subjectID, requesterID)
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.handles[s.ID] = newSessionHandle(s, profile)
	c.mu.Unlock()

	metrics.SessionOpened()
	c.log.Info().Str("session_id", s.ID).Str("subject_id", subjectID).Str("requester_id", requesterID).Msg("session started")
	return s, nil
}

func (c *conversationUC) SendMessage(ctx context.Context, sessionID, text string) (<-chan adapter.TokenEvent, error) {
	defer logging.TraceDuration(c.log, "ConversationUC.SendMessage")()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrInvalidArgument
	}

	h, err := c.handle(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !h.tryAcquire() {
		return nil, domain.ErrAlreadyGenerating
	}

	h.mu.Lock()
	if h.ended || !h.sess.Active {
		h.mu.Unlock()
		h.release()
		return nil, domain.ErrSessionInactive
	}

	// Snapshot history before the in-flight message is appended: the
	// query rides separately so it never shows up twice in the prompt.
	history := make([]model.Turn, len(h.sess.Turns))
	copy(history, h.sess.Turns)
	profile := h.profile
	requesterID := h.sess.RequesterID
	h.mu.Unlock()

	promptText, err := c.asm.Assemble(profile, requesterID, history, text)
	if err != nil {
		h.release()
		return nil, err
	}
	metrics.ObservePromptUnits(c.asm.Estimate(promptText))

	h.mu.Lock()
	// Re-check: an End may have landed while the lock was dropped for
	// assembly. Turns mutate only while the session is active.
	if h.ended || !h.sess.Active {
		h.mu.Unlock()
		h.release()
		return nil, domain.ErrSessionInactive
	}
	h.sess.AddTurn(model.TurnRoleUser, text)
	if err := c.sessions.Save(ctx, h.sess); err != nil {
		c.log.Warn().Str("session_id", sessionID).Err(err).Msg("persist user turn failed")
	}
	genCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()

	events, err := c.backend.Generate(genCtx, adapter.GenerationRequest{
		SessionID: sessionID,
		Prompt:    promptText,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		cancel()
		c.clearCancel(h)
		h.release()
		return nil, err
	}

	out := make(chan adapter.TokenEvent, 16)
	go c.relay(genCtx, h, sessionID, events, out)
	return out, nil
}

// relay forwards backend events to the caller while accumulating the
// full reply. The agent turn is appended only once the success terminal
// arrives; on an error terminal the user turn stays and the session
// survives.
func (c *conversationUC) relay(genCtx context.Context, h *sessionHandle, sessionID string, events <-chan adapter.TokenEvent, out chan<- adapter.TokenEvent) {
	start := time.Now()
	outcome := "cancelled"
	var reply strings.Builder

	defer func() {
		close(out)
		c.clearCancel(h)
		h.release()
		metrics.ObserveGeneration(outcome, time.Since(start).Milliseconds())
	}()

	for ev := range events {
		switch ev.Kind {
		case adapter.EventFragment:
			reply.WriteString(ev.Text)
		case adapter.EventDone:
			outcome = "done"
			c.completeGeneration(h, reply.String())
		case adapter.EventError:
			if errors.Is(ev.Err, domain.ErrBackendTimeout) {
				outcome = "timeout"
			} else {
				outcome = "error"
			}
			c.log.Warn().Str("session_id", sessionID).Err(ev.Err).Msg("generation failed")
		}
		select {
		case out <- ev:
		case <-genCtx.Done():
			return
		}
		if ev.Kind != adapter.EventFragment {
			return // terminal forwarded; nothing follows it
		}
	}
}

func (c *conversationUC) completeGeneration(h *sessionHandle, reply string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended || !h.sess.Active {
		return
	}
	h.sess.AddTurn(model.TurnRoleAgent, reply)
	if err := c.sessions.Save(context.Background(), h.sess); err != nil {
		c.log.Warn().Str("session_id", h.sess.ID).Err(err).Msg("persist agent turn failed")
	}
}

func (c *conversationUC) clearCancel(h *sessionHandle) {
	h.mu.Lock()
	h.cancel = nil
	h.mu.Unlock()
}

func (c *conversationUC) End(ctx context.Context, sessionID string) error {
	return c.end(ctx, sessionID, "client")
}

func (c *conversationUC) end(ctx context.Context, sessionID, cause string) error {
	c.mu.Lock()
	h, tracked := c.handles[sessionID]
	c.mu.Unlock()

	if !tracked {
		// Untracked: the session may still exist in the store (e.g.
		// after a restart). Ending an already-ended session is a no-op.
		s, err := c.sessions.FindByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if !s.End() {
			return nil
		}
		if err := c.sessions.Save(ctx, s); err != nil {
			c.log.Warn().Str("session_id", sessionID).Err(err).Msg("persist ended session failed")
		}
		c.finishSession(s)
		return nil
	}

	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return nil
	}
	h.ended = true
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.sess.End()
	snapshot := *h.sess
	h.mu.Unlock()

	if err := c.sessions.Save(ctx, &snapshot); err != nil {
		c.log.Warn().Str("session_id", sessionID).Err(err).Msg("persist ended session failed")
	}
	c.finishSession(&snapshot)

	c.mu.Lock()
	delete(c.handles, sessionID)
	c.mu.Unlock()

	metrics.SessionClosed(cause)
	c.log.Info().Str("session_id", sessionID).Str("cause", cause).Int("turns", snapshot.TurnCount).Msg("session ended")
	return nil
}

// finishSession hands the ended session to the summarization queue and
// the archive. Both are best-effort: failures are logged, never
// surfaced, and never block the state transition.
func (c *conversationUC) finishSession(s *model.Session) {
	job := &model.SummaryJob{
		JobID:       ulid.Make().String(),
		SessionID:   s.ID,
		SubjectID:   s.SubjectID,
		RequesterID: s.RequesterID,
		Turns:       s.Turns,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
	if err := c.pool.Submit(func(ctx context.Context) error {
		return c.queue.Enqueue(ctx, job)
	}); err != nil {
		c.log.Warn().Str("session_id", s.ID).Err(err).Msg("summary enqueue not submitted")
	}
	if c.archive != nil {
		archived := *s
		if err := c.pool.Submit(func(ctx context.Context) error {
			return c.archive.Archive(ctx, &archived)
		}); err != nil {
			c.log.Warn().Str("session_id", s.ID).Err(err).Msg("archive not submitted")
		}
	}
}

func (c *conversationUC) CancelGeneration(sessionID string) {
	c.mu.Lock()
	h := c.handles[sessionID]
	c.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()
}

func (c *conversationUC) History(ctx context.Context, sessionID string) ([]model.Turn, error) {
	c.mu.Lock()
	h := c.handles[sessionID]
	c.mu.Unlock()
	if h != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		turns := make([]model.Turn, len(h.sess.Turns))
		copy(turns, h.sess.Turns)
		return turns, nil
	}
	s, err := c.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.Turns, nil
}

func (c *conversationUC) SweepIdle(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.idleTimeout)

	c.mu.Lock()
	var idle []string
	for id, h := range c.handles {
		h.mu.Lock()
		if !h.ended && h.sess.IdleSince(cutoff) {
			idle = append(idle, id)
		}
		h.mu.Unlock()
	}
	c.mu.Unlock()

	ended := 0
	for _, id := range idle {
		if err := c.end(ctx, id, "idle_sweep"); err == nil {
			ended++
		}
	}
	if ended > 0 {
		metrics.IdleSwept(ended)
	}
	return ended, nil
}

// handle returns the tracked handle for a session, reloading it from
// the store when this process does not have it in memory.
func (c *conversationUC) handle(ctx context.Context, sessionID string) (*sessionHandle, error) {
	c.mu.Lock()
	h, ok := c.handles[sessionID]
	c.mu.Unlock()
	if ok {
		return h, nil
	}

	s, err := c.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, domain.ErrSessionInactive
	}
	profile, err := c.profiles.Fetch(ctx, s.SubjectID)
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.handles[sessionID]; ok {
		return existing, nil
	}
	h = newSessionHandle(s, profile)
	c.handles[sessionID] = h
	metrics.SessionRestored()

	// A restored session is live again; push its retention window out.
	if err := c.sessions.Extend(ctx, sessionID); err != nil {
		c.log.Debug().Str("session_id", sessionID).Err(err).Msg("retention refresh failed")
	}
	return h, nil
}
