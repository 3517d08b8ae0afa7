// Package api is the local HTTP surface UI clients use to submit deltas and poll scores.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/obslog"
	"github.com/park285/scorekeeper-sync/internal/statqueue"
)

const maxBodyBytes = 64 << 10

// ScoreSource serves the read model.
type ScoreSource interface {
	Scores(matchID string) statqueue.Scores
}

// Queue accepts scorekeeper deltas. Nil in read-only deployments.
type Queue interface {
	ScoreSource
	Enqueue(ctx context.Context, req domain.DeltaRequest) (statqueue.EnqueueAck, error)
	Pending(matchID string) []domain.QueuedOperation
}

type Config struct {
	Queue  Queue
	Scores ScoreSource // defaults to Queue
	Online func() bool
	Logger *zap.Logger
}

type server struct {
	queue  Queue
	scores ScoreSource
	online func() bool
	logger *zap.Logger
}

type deltaBody struct {
	TeamID   string            `json:"teamId"`
	PlayerID string            `json:"playerId"`
	Deltas   domain.StatDeltas `json:"statDeltas"`
}

type statusBody struct {
	MatchID    string                   `json:"matchId"`
	QueueDepth int                      `json:"queueDepth"`
	Processing bool                     `json:"processing"`
	Online     bool                     `json:"online"`
	ReadOnly   bool                     `json:"readOnly"`
	Pending    []domain.QueuedOperation `json:"pending"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewServer wires the handlers into a chi router.
func NewServer(cfg Config) http.Handler {
	s := &server{queue: cfg.Queue, scores: cfg.Scores, online: cfg.Online, logger: cfg.Logger}
	if s.scores == nil && s.queue != nil {
		s.scores = s.queue
	}
	if s.online == nil {
		s.online = func() bool { return true }
	}
	if s.logger == nil {
		s.logger = obslog.L()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": s.online()})
	})
	r.Route("/matches/{matchID}", func(r chi.Router) {
		r.Post("/deltas", s.postDelta)
		r.Get("/scores", s.getScores)
		r.Get("/status", s.getStatus)
	})
	return r
}

func (s *server) postDelta(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusForbidden, "READ_ONLY", "this node does not accept deltas")
		return
	}
	var body deltaBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	req := domain.DeltaRequest{
		MatchID:  chi.URLParam(r, "matchID"),
		TeamID:   body.TeamID,
		PlayerID: body.PlayerID,
		Deltas:   body.Deltas,
	}
	ack, err := s.queue.Enqueue(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, ack)
	case errors.Is(err, statqueue.ErrInvalidDelta):
		writeError(w, http.StatusBadRequest, "INVALID_DELTA", "teamId, playerId and at least one non-zero stat delta are required")
	case errors.Is(err, statqueue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "queue is closed")
	default:
		writeError(w, http.StatusInternalServerError, "NOT_DURABLE", "delta could not be stored locally")
	}
}

func (s *server) getScores(w http.ResponseWriter, r *http.Request) {
	if s.scores == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_SOURCE", "no score source configured")
		return
	}
	writeJSON(w, http.StatusOK, s.scores.Scores(chi.URLParam(r, "matchID")))
}

func (s *server) getStatus(w http.ResponseWriter, r *http.Request) {
	matchID := strings.TrimSpace(chi.URLParam(r, "matchID"))
	st := statusBody{MatchID: matchID, Online: s.online(), ReadOnly: s.queue == nil, Pending: []domain.QueuedOperation{}}
	if s.scores != nil {
		sc := s.scores.Scores(matchID)
		st.QueueDepth = sc.QueueDepth
		st.Processing = sc.Processing
	}
	if s.queue != nil {
		if p := s.queue.Pending(matchID); p != nil {
			st.Pending = p
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var b errorBody
	b.Error.Code = code
	b.Error.Message = message
	writeJSON(w, status, b)
}
