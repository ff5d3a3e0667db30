package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/store"
	"github.com/xkilldash9x/datalayer-validator/internal/validator"
)

// maxCreateBody bounds the session creation payload, reference included.
const maxCreateBody = 4 << 20

type createSessionRequest struct {
	URL         string          `json:"url"`
	BrowserType string          `json:"browser_type"`
	Description string          `json:"description"`
	Reference   json.RawMessage `json:"reference_datalayers"`
}

// sessionView adds the live connection flag to a stored session.
type sessionView struct {
	*schemas.Session
	Connected bool `json:"connected"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": s.registry.Len(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		respondError(w, http.StatusTooManyRequests, errors.New("too many session creation requests"))
		return
	}

	var req createSessionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCreateBody))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	target := strings.TrimSpace(req.URL)
	if u, err := url.Parse(target); err != nil || target == "" || u.Scheme == "" {
		respondError(w, http.StatusBadRequest, errors.New("url must be an absolute URL"))
		return
	}
	engine, err := schemas.ParseEngine(strings.ToLower(strings.TrimSpace(req.BrowserType)))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	reference := bytes.TrimSpace(req.Reference)
	if len(reference) > 0 && !bytes.Equal(reference, []byte("null")) {
		if err := validator.ValidateReferenceDocument(reference); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid reference document: %w", err))
			return
		}
	} else {
		reference = nil
	}

	record := &schemas.Session{
		URL:         target,
		Engine:      engine,
		Description: strings.TrimSpace(req.Description),
		Reference:   json.RawMessage(reference),
		Status:      schemas.StatusPending,
	}
	if err := s.repo.CreateSession(r.Context(), record); err != nil {
		s.logger.Error("Failed to create session.", zap.Error(err))
		respondError(w, http.StatusInternalServerError, errors.New("failed to create session"))
		return
	}
	s.logger.Info("Session created.", zap.String("session_id", record.ID), zap.String("engine", engine.String()))
	respondJSON(w, http.StatusCreated, sessionView{Session: record})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	record, err := s.repo.GetSession(r.Context(), id)
	if err != nil {
		s.respondLookupError(w, "session", err)
		return
	}
	_, live := s.registry.Get(id)
	respondJSON(w, http.StatusOK, sessionView{Session: record, Connected: live})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	sessions, err := s.repo.ListSessions(r.Context(), store.SessionFilter{
		Status: schemas.SessionStatus(strings.TrimSpace(q.Get("status"))),
		Search: q.Get("search"),
		Page:   page,
	})
	if err != nil {
		s.logger.Error("Failed to list sessions.", zap.Error(err))
		respondError(w, http.StatusInternalServerError, errors.New("failed to list sessions"))
		return
	}
	if sessions == nil {
		sessions = []schemas.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"page": page, "sessions": sessions})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.repo.GetReport(r.Context(), strings.TrimSpace(chi.URLParam(r, "reportID")))
	if err != nil {
		s.respondLookupError(w, "report", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	validity := strings.ToLower(strings.TrimSpace(q.Get("validity")))
	switch validity {
	case "", "valid", "invalid":
	default:
		respondError(w, http.StatusBadRequest, errors.New("validity must be valid or invalid"))
		return
	}
	reports, err := s.repo.ListReports(r.Context(), store.ReportFilter{
		Validity: validity,
		Search:   q.Get("search"),
		Page:     page,
	})
	if err != nil {
		s.logger.Error("Failed to list reports.", zap.Error(err))
		respondError(w, http.StatusInternalServerError, errors.New("failed to list reports"))
		return
	}
	if reports == nil {
		reports = []schemas.Report{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"page": page, "reports": reports})
}

func (s *Server) handleScreenshotImage(w http.ResponseWriter, r *http.Request) {
	shot, err := s.repo.GetScreenshot(r.Context(), strings.TrimSpace(chi.URLParam(r, "screenshotID")))
	if err != nil {
		s.respondLookupError(w, "screenshot", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(shot.Image)))
	w.Header().Set("Last-Modified", shot.CreatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(shot.Image)
}

func (s *Server) respondLookupError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, fmt.Errorf("%s not found", kind))
		return
	}
	s.logger.Error("Lookup failed.", zap.String("kind", kind), zap.Error(err))
	respondError(w, http.StatusInternalServerError, fmt.Errorf("failed to load %s", kind))
}

func pageParam(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, errors.New("page must be a positive integer")
	}
	return page, nil
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
