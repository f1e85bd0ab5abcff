package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goodtune/kfetch/internal/media"
)

type submitURLRequest struct {
	URL string `json:"url"`
}

type submitChoiceRequest struct {
	Token string `json:"token"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

var statusByKind = []struct {
	kind   error
	status int
}{
	{media.ErrRateLimited, http.StatusTooManyRequests},
	{media.ErrForbidden, http.StatusForbidden},
	{media.ErrInvalidTransition, http.StatusConflict},
	{media.ErrSessionAbsent, http.StatusNotFound},
	{media.ErrUnsupportedFormat, http.StatusUnprocessableEntity},
	{media.ErrSizeExceeded, http.StatusRequestEntityTooLarge},
	{media.ErrNetwork, http.StatusBadGateway},
	{media.ErrExtraction, http.StatusUnprocessableEntity},
	{media.ErrCancelled, http.StatusConflict},
}

// StatusFor maps a classified engine error onto an HTTP status.
func StatusFor(err error) int {
	kind := media.Classify(err)
	for _, s := range statusByKind {
		if errors.Is(kind, s.kind) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

func userParam(r *http.Request) media.UserID {
	return media.UserID(strings.TrimSpace(chi.URLParam(r, "user")))
}

func (s *Server) handleSubmitURL(w http.ResponseWriter, r *http.Request) {
	var req submitURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prompt, err := s.core.SubmitURL(r.Context(), userParam(r), strings.TrimSpace(req.URL))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func (s *Server) handleSubmitChoice(w http.ResponseWriter, r *http.Request) {
	var req submitChoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ticket, err := s.core.SubmitChoice(r.Context(), userParam(r), req.Token)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelCurrent(userParam(r)); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProgress streams the user's progress as newline-delimited JSON
// until the flow ends or the client goes away.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	stream := s.core.GetProgressStream(userParam(r))
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	for ev := range stream.Events(r.Context()) {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug().Err(err).Msg("Progress client went away")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.Stats(r.Context(), userParam(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load stats")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.AdminStats(r.Context(), userParam(r))
	var me *media.Error
	switch {
	case errors.As(err, &me):
		s.writeEngineError(w, r, err)
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to load admin stats")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{
		Error:   media.Code(err),
		Message: media.Describe(err),
		Detail:  detail(err),
	})
}

func detail(err error) string {
	var me *media.Error
	if errors.As(err, &me) {
		return me.Detail
	}
	return ""
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"internal","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorBody{
		Error:   strings.ToLower(strings.ReplaceAll(http.StatusText(statusCode), " ", "_")),
		Message: message,
	})
}
