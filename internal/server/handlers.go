package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/autoglm/taskrelay"
)

const (
	defaultResponsesLimit = 10
	maxRequestBody        = 1 << 20
)

type taskRequest struct {
	Task string `json:"task"`
}

type taskResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

type statusResponse struct {
	Connected       bool     `json:"connected"`
	Status          string   `json:"status"`
	RecentResponses int      `json:"recent_responses"`
	LastHeartbeat   *float64 `json:"last_heartbeat"`
}

type healthResponse struct {
	Status             string  `json:"status"`
	WebSocketConnected bool    `json:"websocket_connected"`
	Timestamp          float64 `json:"timestamp"`
}

func (s *Server) handleSendTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTask(w, r)
	if !ok {
		return
	}

	sub, err := s.relay.Submit(r.Context(), req.Task)
	if err != nil {
		s.log.Error().Err(err).Msg("send task failed")
		writeError(w, err)
		return
	}

	s.log.Info().Str("task_id", sub.TaskID).Str("msg_id", sub.MsgID).Msg("task accepted")
	writeJSON(w, http.StatusOK, taskResponse{
		Success: true,
		Message: "Task sent successfully",
		TaskID:  sub.TaskID,
	})
}

func (s *Server) handleSendTaskStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTask(w, r)
	if !ok {
		return
	}

	stream, err := s.relay.OpenStream(r.Context(), req.Task)
	if err != nil {
		s.log.Error().Err(err).Msg("open stream failed")
		writeError(w, err)
		return
	}
	defer stream.Close()

	log := s.log.With().Str("task_id", stream.TaskID()).Logger()
	log.Info().Msg("stream opened")

	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)

	for ev, err := range stream.Events(r.Context()) {
		if err != nil {
			if r.Context().Err() != nil {
				log.Info().Msg("client went away")
				return
			}
			log.Warn().Err(err).Msg("stream aborted")
			ev = taskrelay.ErrorEvent(err)
		}
		if werr := enc.Encode(ev); werr != nil {
			log.Debug().Err(werr).Msg("stream write failed")
			return
		}
		_ = rc.Flush()
		if err != nil {
			return
		}
	}

	log.Info().Int("responses", stream.ResponseCount()).Msg("stream finished")
}

func (s *Server) decodeTask(w http.ResponseWriter, r *http.Request) (taskRequest, bool) {
	var req taskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if err := taskrelay.ValidateInstruction(req.Task); err != nil {
		writeError(w, err)
		return req, false
	}
	return req, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.relay.Status()
	resp := statusResponse{
		Connected:       st.Connected,
		Status:          st.Status.String(),
		RecentResponses: st.RecentCount,
	}
	if st.LastHeartbeat != nil {
		ts := unixSeconds(*st.LastHeartbeat)
		resp.LastHeartbeat = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	limit := defaultResponsesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	if limit > taskrelay.HistorySize {
		writeDetail(w, http.StatusBadRequest, "Limit cannot exceed 100")
		return
	}
	if limit <= 0 {
		writeDetail(w, http.StatusBadRequest, "Limit must be positive")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"responses": s.relay.Recent(limit),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.relay.Status().Connected
	status := "healthy"
	if !connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:             status,
		WebSocketConnected: connected,
		Timestamp:          unixSeconds(time.Now()),
	})
}

// statusFor maps relay errors to HTTP status codes and client-facing text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, taskrelay.ErrInvalidInstruction):
		return http.StatusBadRequest, "task must be between 1 and 10000 characters"
	case errors.Is(err, taskrelay.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "WebSocket client is not connected"
	case errors.Is(err, taskrelay.ErrShutdown):
		return http.StatusServiceUnavailable, "service is shutting down"
	case errors.Is(err, taskrelay.ErrDuplicateConsumer):
		return http.StatusConflict, "task id already in use"
	default:
		return http.StatusInternalServerError, "Failed to send task through WebSocket: " + err.Error()
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, detail := statusFor(err)
	writeDetail(w, code, detail)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
