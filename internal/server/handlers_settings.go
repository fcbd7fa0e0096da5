package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/GalitskyKK/nekkus-vpn/internal/credentials"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
	"github.com/GalitskyKK/nekkus-vpn/internal/vpn"
)

type settingsRequest struct {
	OpenVPNPath   string `json:"openvpn_path"`
	DefaultServer string `json:"default_server"`
	DefaultMode   string `json:"default_mode" validate:"omitempty,oneof=real mobile zero demo"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	settings, err := s.Engine.GetSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OpenVPNPath != "" && !vpn.IsOpenVPNBinary(req.OpenVPNPath) {
		writeError(w, http.StatusBadRequest, "openvpn_path must point to an openvpn binary")
		return
	}
	if req.DefaultServer != "" {
		if _, err := s.Engine.Store().GetServer(req.DefaultServer); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	settings, err := s.Engine.UpdateSettings(store.Settings{
		OpenVPNPath:   req.OpenVPNPath,
		DefaultServer: req.DefaultServer,
		DefaultMode:   req.DefaultMode,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type subscriptionRequest struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

func (s *Server) handleGetSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.GetSubscriptions())
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.Engine.AddSubscription(req.Name, req.URL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleRefreshSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.RefreshAllSubscriptions(r.Context()))
}

// handleSetCredentials кладёт логин и пароль сервера в системный keyring.
func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Engine.Store().GetServer(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req credentials.Credentials
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Creds == nil {
		writeError(w, http.StatusServiceUnavailable, "Credential storage is not available")
		return
	}
	if err := s.Creds.Set(id, req); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Engine.Store().GetServer(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.Creds == nil {
		writeError(w, http.StatusServiceUnavailable, "Credential storage is not available")
		return
	}
	if err := s.Creds.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
