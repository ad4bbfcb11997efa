// Package api exposes the send operations and the cached health verdict over
// a small JSON HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/health"
	"github.com/example/sms-dispatch/internal/models"
	"github.com/example/sms-dispatch/internal/sms"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	logger  zerolog.Logger
	service *sms.Service
	cache   *health.Cache
	checker *health.Checker
}

// NewServer constructs the HTTP surface.
func NewServer(svc *sms.Service, cache *health.Cache, checker *health.Checker, logger zerolog.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("api: sms service dependency is required")
	}
	if cache == nil || checker == nil {
		return nil, errors.New("api: health dependencies are required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Server{logger: logger, service: svc, cache: cache, checker: checker}, nil
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/messages", s.handleSend)
	r.Post("/v1/messages/bulk", s.handleSendBulk)
	r.Get("/healthz", s.handleHealth)
	return r
}

type sendRequest struct {
	To           string              `json:"to,omitempty"`
	Recipients   []string            `json:"recipients,omitempty"`
	Body         string              `json:"body"`
	From         string              `json:"from,omitempty"`
	ServiceSID   string              `json:"service_sid,omitempty"`
	CountryCode  string              `json:"country_code,omitempty"`
	ValidateOnly bool                `json:"validate_only,omitempty"`
	Options      *models.SendOptions `json:"options,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

// handleSend sends to a single recipient by running it through the bulk
// pipeline, so single HTTP sends get normalization and retry behaviour too.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.To == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "to is required"})
		return
	}

	resp, err := s.service.SendBulk(r.Context(), s.toBulkRequest(&req, []string{req.To}))
	if err != nil {
		s.writeSendError(w, err)
		return
	}

	result := resp.Results[0]
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	resp, err := s.service.SendBulk(r.Context(), s.toBulkRequest(&req, req.Recipients))
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res, err := s.cache.Check(r.Context(), s.checker.Instance(), s.checker.Probe)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "health check aborted"})
		return
	}

	status := http.StatusOK
	if res.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, healthResponse{Status: res.Status.String(), Description: res.Description})
}

func (s *Server) toBulkRequest(req *sendRequest, recipients []string) *sms.BulkRequest {
	out := &sms.BulkRequest{
		Body:         req.Body,
		Recipients:   recipients,
		From:         req.From,
		ServiceSID:   req.ServiceSID,
		CountryCode:  req.CountryCode,
		ValidateOnly: req.ValidateOnly,
	}
	if req.Options != nil {
		opts := &sms.Options{
			MediaURLs:      req.Options.MediaURLs,
			StatusCallback: req.Options.StatusCallback,
			ValidityPeriod: time.Duration(req.Options.ValiditySeconds) * time.Second,
		}
		if req.Options.SendAt != nil {
			opts.SendAt = *req.Options.SendAt
		}
		out.Options = opts
	}
	return out
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, sms.ErrInvalidArgument) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Error().Err(err).Msg("send request failed")
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
