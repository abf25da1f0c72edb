package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/profile"
	"chodenet.ai/internal/protocol"
)

func (s *Server) updateProfile(rw http.ResponseWriter, r *http.Request) error {
	var req protocol.UpdateProfileRequest
	if err := s.schemas.decode(r, schemaUpdateProfile, &req); err != nil {
		return err
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		return protocol.NewError(protocol.ErrBadRequest, "wallet_address is required")
	}
	if req.Updates == nil {
		return protocol.NewError(protocol.ErrBadRequest, "updates is required")
	}
	if err := req.Updates.Validate(); err != nil {
		return &protocol.Error{Code: protocol.ErrBadRequest, Message: "invalid profile update", Detail: err.Error(), Err: err}
	}

	p, err := s.store.UpdateProfile(r.Context(), wallet, *req.Updates, s.now())
	if errors.Is(err, store.ErrConflict) {
		return &protocol.Error{Code: protocol.ErrConflict, Message: "username already taken", Err: err}
	}
	if err != nil {
		return storeError(err, "profile")
	}
	writeJSON(rw, http.StatusOK, protocol.ProfileResponse{Profile: p})
	return nil
}

func (s *Server) createProfile(rw http.ResponseWriter, r *http.Request) error {
	var req protocol.CreateProfileRequest
	if err := s.schemas.decode(r, schemaCreateProfile, &req); err != nil {
		return err
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		return protocol.NewError(protocol.ErrBadRequest, "wallet_address is required")
	}
	username := strings.TrimSpace(req.Username)
	if username != "" {
		if err := profile.ValidateUsername(username); err != nil {
			return &protocol.Error{Code: protocol.ErrBadRequest, Message: "invalid username", Detail: err.Error(), Err: err}
		}
	}
	display := strings.TrimSpace(req.DisplayName)
	if err := profile.ValidateDisplayName(display); err != nil {
		return &protocol.Error{Code: protocol.ErrBadRequest, Message: "invalid display name", Detail: err.Error(), Err: err}
	}

	now := s.now()
	p, err := s.store.CreateProfile(r.Context(), profile.Profile{
		WalletAddress: wallet,
		Username:      username,
		DisplayName:   display,
		GirthBalance:  s.cfg.StarterGirth,
		ShardBalance:  s.cfg.StarterShards,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if errors.Is(err, store.ErrConflict) {
		return &protocol.Error{Code: protocol.ErrConflict, Message: "profile or username already exists", Err: err}
	}
	if err != nil {
		return storeError(err, "profile")
	}
	writeJSON(rw, http.StatusOK, protocol.ProfileResponse{Profile: p})
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &protocol.Error{Code: protocol.ErrBadRequest, Message: "unreadable request body", Detail: err.Error()}
	}
	return b, nil
}
