package api

import (
	"encoding/json"
	"net/http"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	if s.mgr == nil || !s.mgr.Running() {
		writeError(w, http.StatusServiceUnavailable, "manager not running")
		return
	}
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime:       time.Since(s.startTime).Truncate(time.Second).String(),
		Backend:      s.backend,
	}
	if s.store != nil {
		_, err := s.store.ActiveConfig()
		resp.ConfigLoaded = err == nil
	}
	if s.mgr != nil {
		resp.Running = s.mgr.Running()
		resp.Interfaces = len(s.mgr.Interfaces())
		for _, q := range s.mgr.Queues() {
			if q.Direction == "rx" {
				resp.RxQueues++
			} else {
				resp.TxQueues++
			}
		}
		if err := s.mgr.Err(); err != nil {
			resp.Error = err.Error()
		}
	}
	writeOK(w, resp)
}

func (s *Server) statisticsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "manager not available")
		return
	}
	writeOK(w, StatisticsResponse{
		Global: s.mgr.Stats(),
		Queues: s.mgr.Queues(),
	})
}

func (s *Server) interfacesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "manager not available")
		return
	}
	writeOK(w, s.mgr.Interfaces())
}

func (s *Server) queuesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "manager not available")
		return
	}
	writeOK(w, s.mgr.Queues())
}

func (s *Server) configHandler(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration store")
		return
	}
	text := s.store.ShowActive()
	if text == "" {
		writeError(w, http.StatusNotFound, "no active configuration")
		return
	}
	writeOK(w, map[string]string{"config": text, "path": s.store.Path()})
}
