package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"chodenet.ai/internal/auth"
	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/protocol"
	"chodenet.ai/internal/ritual"
)

// caller returns the wallet named by a valid bearer token.
func (s *Server) caller(r *http.Request) (string, error) {
	tok, err := auth.BearerToken(r)
	if err != nil {
		return "", &protocol.Error{Code: protocol.ErrUnauthorized, Message: "authentication required", Err: err}
	}
	wallet, err := auth.VerifyToken(s.cfg.SessionSecret, tok, s.now())
	if err != nil {
		return "", &protocol.Error{Code: protocol.ErrUnauthorized, Message: "invalid session", Detail: err.Error(), Err: err}
	}
	return wallet, nil
}

func (s *Server) initiateRitual(rw http.ResponseWriter, r *http.Request) error {
	wallet, err := s.caller(r)
	if err != nil {
		return err
	}
	var req protocol.InitiateRitualRequest
	if err := s.schemas.decode(r, schemaInitiateRitual, &req); err != nil {
		return err
	}
	if req.ShardBoost < 0 {
		return protocol.NewError(protocol.ErrBadRequest, "shard_boost must be >= 0")
	}
	ctx := r.Context()

	base, err := s.store.GetBase(ctx, strings.TrimSpace(req.BaseID))
	if err != nil {
		return storeError(err, "ritual base")
	}
	prof, err := s.store.GetProfile(ctx, wallet)
	if err != nil {
		return storeError(err, "profile")
	}
	ids := uniqueIDs(req.IngredientIDs)
	ings, err := s.store.GetIngredients(ctx, ids)
	if err != nil {
		return storeError(err, "ingredient")
	}

	q := ritual.Compute(base, ings, req.ShardBoost)
	cost := ritual.GirthCost(q)
	if prof.GirthBalance < cost || prof.ShardBalance < int64(req.ShardBoost) {
		return protocol.NewError(protocol.ErrNoResource, "insufficient balance")
	}

	rec, err := s.store.CreateRitual(ctx, ritual.Record{
		ID:              uuid.NewString(),
		PlayerAddress:   wallet,
		BaseID:          base.ID,
		IngredientIDs:   ids,
		ShardBoost:      req.ShardBoost,
		GirthCost:       cost,
		CorruptionLevel: q.Corruption,
		BaseSuccessRate: q.BaseSuccessRate,
		Outcome:         ritual.OutcomePending,
		CreatedAt:       s.now(),
	})
	if err != nil {
		return storeError(err, "profile")
	}
	s.log.Info("ritual initiated",
		zap.String("ritual_id", rec.ID),
		zap.String("base_id", rec.BaseID),
		zap.Int64("girth_cost", rec.GirthCost),
		zap.String("risk_level", q.RiskLevel))

	writeJSON(rw, http.StatusOK, protocol.InitiateRitualResponse{
		RitualID:        rec.ID,
		TotalCost:       cost,
		SuccessRate:     q.SuccessRate,
		CorruptionLevel: q.Corruption,
		RiskLevel:       q.RiskLevel,
	})
	return nil
}

func (s *Server) processRitual(rw http.ResponseWriter, r *http.Request) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	caller, err := s.cfg.Scheduler.Verify(r, body, s.now())
	if err != nil {
		return &protocol.Error{Code: protocol.ErrUnauthorized, Message: "scheduler authentication failed", Detail: err.Error(), Err: err}
	}
	n, err := s.cfg.Processor.ProcessBatch(r.Context())
	if err != nil {
		return protocol.Internal("process rituals", err)
	}
	s.log.Info("process-ritual", zap.String("caller", caller), zap.Int("processed", n))
	writeJSON(rw, http.StatusOK, protocol.ProcessRitualResponse{Processed: n})
	return nil
}

func (s *Server) getRitual(rw http.ResponseWriter, r *http.Request) error {
	rec, err := s.store.GetRitual(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		return protocol.NewError(protocol.ErrNotFound, "ritual not found")
	}
	if err != nil {
		return storeError(err, "ritual")
	}
	writeJSON(rw, http.StatusOK, protocol.RitualResponse{Ritual: rec})
	return nil
}

// uniqueIDs trims ids and drops blanks and repeats, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
