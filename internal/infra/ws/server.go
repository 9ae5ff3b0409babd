package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"character-relay/internal/config"
	"character-relay/internal/domain"
	"character-relay/internal/infra/logging"
	red "character-relay/internal/infra/redis"
	"character-relay/internal/usecase"
)

// Server exposes the realtime endpoint and the small REST surface next
// to it.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	auth       *Authenticator
	mgr        usecase.ConversationUseCase
	locker     red.SessionLocker
	log        *zerolog.Logger
	connCfg    connConfig
}

func NewServer(cfg config.ServerConfig, mgr usecase.ConversationUseCase, locker red.SessionLocker, logger *zerolog.Logger) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream at the edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		auth:   NewAuthenticator(cfg.AuthSecret),
		mgr:    mgr,
		locker: locker,
		log:    logger,
		connCfg: connConfig{
			heartbeat:   cfg.Heartbeat,
			pongTimeout: cfg.PongTimeout,
			flushEvery:  cfg.FlushEvery,
			flushBytes:  cfg.FlushBytes,
			lockTTL:     2 * cfg.PongTimeout,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleUpgrade)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions/{sessionID}/history", s.handleHistory)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	requesterID := s.auth.Identify(r)
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	ctx := logging.WithConnID(logging.WithRequesterID(r.Context(), requesterID), uuid.NewString())
	logger := logging.With(ctx, s.log)
	logger.Debug().Msg("connection established")

	c := newConn(sock, s.mgr, s.locker, requesterID, s.connCfg, logger)
	go c.run()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turns, err := s.mgr.History(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSubjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    errorCode(err),
		"message": err.Error(),
	})
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("realtime server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
