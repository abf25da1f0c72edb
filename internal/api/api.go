// Package api serves the oracle's HTTP endpoints: community lore input,
// ritual initiation, scheduler-driven ritual processing and player profiles.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chodenet.ai/internal/auth"
	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/profile"
	"chodenet.ai/internal/protocol"
	"chodenet.ai/internal/ritual"
)

// Store is everything the handlers read or write.
type Store interface {
	lore.CycleStore
	AddInput(ctx context.Context, in lore.Input) (lore.Cycle, error)

	GetBase(ctx context.Context, id string) (ritual.Base, error)
	GetIngredients(ctx context.Context, ids []string) ([]ritual.Ingredient, error)
	CreateRitual(ctx context.Context, rec ritual.Record) (ritual.Record, error)
	GetRitual(ctx context.Context, id string) (ritual.Record, error)

	CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	GetProfile(ctx context.Context, wallet string) (profile.Profile, error)
	UpdateProfile(ctx context.Context, wallet string, u profile.Update, now time.Time) (profile.Profile, error)

	Ping(ctx context.Context) error
}

type BatchProcessor interface {
	ProcessBatch(ctx context.Context) (int, error)
}

// InputSink is told about every accepted community input.
type InputSink interface {
	AcceptInput(in lore.Input, c lore.Cycle) error
}

type Config struct {
	Store     Store
	Processor BatchProcessor
	// SessionSecret verifies player bearer tokens.
	SessionSecret []byte
	// Scheduler verifies signed /process-ritual calls.
	Scheduler *auth.Verifier

	MaxInputLength int
	StarterGirth   int64
	StarterShards  int64

	CORSOrigins []string
	RateLimit   rate.Limit
	RateBurst   int

	Inputs []InputSink
	// Feed, when set, is mounted at /v1/feed.
	Feed http.Handler

	Logger *zap.Logger
	Now    func() time.Time
}

type Server struct {
	cfg      Config
	store    Store
	resolver lore.Resolver
	schemas  schemas
	limiter  *ipLimiter
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("api: nil store")
	}
	if cfg.Processor == nil {
		return nil, errors.New("api: nil processor")
	}
	if len(cfg.SessionSecret) == 0 {
		return nil, errors.New("api: empty session secret")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("api: nil scheduler verifier")
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		store:    cfg.Store,
		resolver: lore.Resolver{Store: cfg.Store},
		schemas:  sc,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if s.cfg.MaxInputLength <= 0 {
		s.cfg.MaxInputLength = 200
	}
	if len(s.cfg.CORSOrigins) == 0 {
		s.cfg.CORSOrigins = []string{"*"}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst, s.now)
	}
	return s, nil
}

// Handler is the full HTTP surface with CORS, access logging, panic recovery
// and rate limiting applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		writeError(rw, protocol.NewError(protocol.ErrNotFound, "no such endpoint"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		writeError(rw, protocol.NewError(protocol.ErrBadMethod, "method not allowed"))
	})
	r.Use(s.recoverMiddleware, s.rateLimitMiddleware)

	// Preflight OPTIONS requests are answered by the CORS handler and never
	// reach the router.
	r.Handle("/collect-community-input", s.handle(s.collectInput)).Methods(http.MethodPost)
	r.Handle("/initiate-ritual", s.handle(s.initiateRitual)).Methods(http.MethodPost)
	r.Handle("/process-ritual", s.handle(s.processRitual)).Methods(http.MethodPost)
	r.Handle("/update-user-profile", s.handle(s.updateProfile)).Methods(http.MethodPost)
	r.Handle("/create-user-profile", s.handle(s.createProfile)).Methods(http.MethodPost)

	r.Handle("/lore-cycle/current", s.handle(s.currentCycle)).Methods(http.MethodGet)
	r.Handle("/rituals/{id}", s.handle(s.getRitual)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.cfg.Feed != nil {
		r.Handle("/v1/feed", s.cfg.Feed).Methods(http.MethodGet)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.cfg.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{
			"Authorization", "Content-Type", "X-Client-Info", "Apikey",
			auth.HeaderCallerID, auth.HeaderTS, auth.HeaderNonce, auth.HeaderSignature,
		}),
	)
	return handlers.CustomLoggingHandler(io.Discard, cors(r), s.accessLog)
}

type handlerFunc func(rw http.ResponseWriter, r *http.Request) error

// handle turns returned errors into JSON error responses.
func (s *Server) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		err := fn(rw, r)
		if err == nil {
			return
		}
		pe := protocol.AsError(err)
		if pe.Status() >= 500 {
			s.log.Error("request failed",
				zap.String("path", r.URL.Path),
				zap.String("code", pe.Code),
				zap.Error(err))
		} else {
			s.log.Debug("request rejected",
				zap.String("path", r.URL.Path),
				zap.String("code", pe.Code),
				zap.String("message", pe.Message),
				zap.String("detail", pe.Detail))
		}
		writeError(rw, pe)
	})
}

func (s *Server) healthz(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(rw, &protocol.Error{Code: protocol.ErrUnavailable, Message: "store unavailable", Detail: err.Error()})
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (s *Server) accessLog(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Debug("http",
		zap.String("method", p.Request.Method),
		zap.String("path", p.URL.Path),
		zap.Int("status", p.StatusCode),
		zap.Int("size", p.Size),
		zap.Duration("elapsed", s.now().Sub(p.TimeStamp)))
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, e *protocol.Error) {
	writeJSON(rw, e.Status(), e.Body())
}

// storeError maps storage sentinels onto the API error taxonomy. what names
// the missing thing in 404 messages.
func storeError(err error, what string) *protocol.Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &protocol.Error{Code: protocol.ErrNotFound, Message: what + " not found", Err: err}
	case errors.Is(err, store.ErrConflict):
		return &protocol.Error{Code: protocol.ErrConflict, Message: "conflict", Err: err}
	case errors.Is(err, store.ErrInsufficientFunds):
		return &protocol.Error{Code: protocol.ErrNoResource, Message: "insufficient balance", Detail: err.Error(), Err: err}
	default:
		return protocol.Internal("storage error", err)
	}
}
