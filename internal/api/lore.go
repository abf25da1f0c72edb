package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/protocol"
)

func (s *Server) collectInput(rw http.ResponseWriter, r *http.Request) error {
	var req protocol.CollectInputRequest
	if err := s.schemas.decode(r, schemaCollectInput, &req); err != nil {
		return err
	}
	// The limit applies to the text as submitted, padding included.
	if n := utf8.RuneCountInString(req.InputText); n > s.cfg.MaxInputLength {
		return &protocol.Error{
			Code:    protocol.ErrBadRequest,
			Message: fmt.Sprintf("input_text must be %d characters or fewer", s.cfg.MaxInputLength),
			Detail:  fmt.Sprintf("got %d", n),
		}
	}
	text := strings.TrimSpace(req.InputText)
	player := strings.TrimSpace(req.PlayerAddress)
	if text == "" || player == "" {
		return protocol.NewError(protocol.ErrBadRequest, "input_text and player_address are required")
	}

	now := s.now()
	cycle, err := s.resolver.Resolve(r.Context(), now)
	if err != nil {
		return protocol.Internal("resolve lore cycle", err)
	}

	sig := lore.Score(text)
	in := lore.Input{
		ID:           uuid.NewString(),
		Text:         text,
		SubmitterID:  player,
		Username:     strings.TrimSpace(req.Username),
		CycleID:      cycle.ID,
		Significance: sig,
		Metadata:     req.Metadata,
		CreatedAt:    now,
	}
	cycle, err = s.store.AddInput(r.Context(), in)
	if errors.Is(err, store.ErrConflict) {
		return &protocol.Error{Code: protocol.ErrConflict, Message: "you have already contributed to this lore cycle", Err: err}
	}
	if err != nil {
		return storeError(err, "lore cycle")
	}

	for _, sink := range s.cfg.Inputs {
		if err := sink.AcceptInput(in, cycle); err != nil {
			s.log.Warn("input sink", zap.String("input_id", in.ID), zap.Error(err))
		}
	}

	writeJSON(rw, http.StatusOK, protocol.CollectInputResponse{
		Success:      true,
		Input:        in,
		CycleInfo:    protocol.NewCycleInfo(cycle, now),
		Significance: sig,
	})
	return nil
}

func (s *Server) currentCycle(rw http.ResponseWriter, r *http.Request) error {
	now := s.now()
	c, err := s.resolver.Resolve(r.Context(), now)
	if err != nil {
		return protocol.Internal("resolve lore cycle", err)
	}
	writeJSON(rw, http.StatusOK, protocol.CurrentCycleResponse{Cycle: protocol.NewCycleInfo(c, now)})
	return nil
}
