package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/coordinator"
)

// server holds the coordinator's HTTP API state.
type server struct {
	registry *coordinator.ServerRegistry
	logger   *logrus.Logger
}

func newServer(registry *coordinator.ServerRegistry, logger *logrus.Logger) *server {
	return &server{registry: registry, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/enlist", s.handleEnlist)
	mux.HandleFunc("/crashed", s.handleCrashed)
	mux.HandleFunc("/recovery-completed", s.handleRecoveryCompleted)
	mux.HandleFunc("/recovery-info", s.handleRecoveryInfo)
	mux.HandleFunc("/servers", s.handleListServers)
	mux.HandleFunc("/servers/", s.handleGetServer)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// serverIdRequest is the body of the crash-report and
// recovery-completed endpoints.
type serverIdRequest struct {
	ServerId cluster.ServerId `json:"server_id"`
}

// recoveryInfoRequest carries opaque master recovery bytes for a
// server.
type recoveryInfoRequest struct {
	ServerId cluster.ServerId `json:"server_id"`
	Info     []byte           `json:"info"`
}

// serversResponse is the body of GET /servers.
type serversResponse struct {
	Version uint64              `json:"version"`
	Servers []coordinator.Entry `json:"servers"`
}

func (s *server) handleEnlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.EnlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.ServiceLocator == "" {
		http.Error(w, "missing service_locator", http.StatusBadRequest)
		return
	}

	id, err := s.registry.EnlistServer(req.ReplacesId, req.Services, req.ReadSpeed, req.ServiceLocator)
	if err != nil {
		if errors.Is(err, coordinator.ErrLocatorMismatch) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cluster.EnlistResponse{ServerId: id})
}

func (s *server) handleCrashed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req serverIdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.ServerCrashed(req.ServerId); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrNoSuchServer) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRecoveryCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req serverIdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.RecoveryCompleted(req.ServerId); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, coordinator.ErrNoSuchServer):
			status = http.StatusNotFound
		case errors.Is(err, coordinator.ErrServerNotCrashed):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRecoveryInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req recoveryInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !s.registry.SetMasterRecoveryInfo(req.ServerId, req.Info) {
		http.Error(w, "no such server", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, serversResponse{
		Version: s.registry.Version(),
		Servers: s.registry.Servers(),
	})
}

func (s *server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/servers/")
	id, err := parseServerId(raw)
	if err != nil {
		http.Error(w, "bad server id", http.StatusBadRequest)
		return
	}
	entry, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "no such server", http.StatusNotFound)
		return
	}
	writeJSON(w, entry)
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.registry.Sync()
	w.WriteHeader(http.StatusNoContent)
}

// parseServerId parses the "index.generation" form produced by
// ServerId.String.
func parseServerId(s string) (cluster.ServerId, error) {
	index, generation, ok := strings.Cut(s, ".")
	if !ok {
		return cluster.InvalidServerId, fmt.Errorf("malformed server id %q", s)
	}
	idx, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return cluster.InvalidServerId, err
	}
	gen, err := strconv.ParseUint(generation, 10, 32)
	if err != nil {
		return cluster.InvalidServerId, err
	}
	return cluster.MakeServerId(uint32(idx), uint32(gen)), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
