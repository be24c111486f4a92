package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"pagecraft/internal/usertoken"
	"pagecraft/internal/util"
	"pagecraft/pkg/domain"
	"pagecraft/services/manuscript/internal/app"
)

// Multipart overhead allowed on top of the manuscript size limit.
const formOverheadBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
}

// Server exposes HTTP endpoints for the manuscript service.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("manuscript app required")
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("manuscript", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/chapters", s.withUser(s.handleListChapters))
	s.mux.Handle("/chapters/segment", s.withUser(s.handleSegment))
	s.mux.Handle("/chapters/segment/jobs", s.withUser(s.handleEnqueue))
	s.mux.Handle("/chapters/segment/jobs/", s.withUser(s.handleJob))
	s.mux.Handle("/books/", s.withUser(s.handleBookRoutes))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Caller)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.tokenVerifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token_rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, domain.Caller{
			UserID: id.Subject,
			Email:  id.Email,
			Name:   id.Name,
			Role:   domain.UserRole(id.Role),
		})
	})
}

type segmentRequest struct {
	BookID string `json:"book_id"`
}

func decodeSegmentRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req segmentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	bookID := strings.TrimSpace(req.BookID)
	if bookID == "" {
		writeErrorCode(w, http.StatusBadRequest, "book_id required", "MANUSCRIPT_INVALID_REQUEST")
		return "", false
	}
	return bookID, true
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	bookID, ok := decodeSegmentRequest(w, r)
	if !ok {
		return
	}
	n, err := s.app.SegmentAs(r.Context(), caller, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"chapters_extracted": n,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	bookID, ok := decodeSegmentRequest(w, r)
	if !ok {
		return
	}
	job, err := s.app.EnqueueSegment(r.Context(), caller, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// /chapters/segment/jobs/{jobId}
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/chapters/segment/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		notFound(w, "not found")
		return
	}
	job, err := s.app.GetJob(r.Context(), caller, jobID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request, _ domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	bookID := strings.TrimSpace(r.URL.Query().Get("book_id"))
	if bookID == "" {
		writeErrorCode(w, http.StatusBadRequest, "book_id required", "MANUSCRIPT_INVALID_REQUEST")
		return
	}
	chapters, err := s.app.ListChapters(r.Context(), bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": chapters,
		"count": len(chapters),
	})
}

// /books/{bookId}/manuscript
func (s *Server) handleBookRoutes(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	rest := strings.TrimPrefix(r.URL.Path, "/books/")
	bookID, action, ok := strings.Cut(rest, "/")
	if !ok || bookID == "" || action != "manuscript" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.handleUploadManuscript(w, r, caller, bookID)
}

func (s *Server) handleUploadManuscript(w http.ResponseWriter, r *http.Request, caller domain.Caller, bookID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxManuscriptBytes()+formOverheadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "manuscript too large", "MANUSCRIPT_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	book, err := s.app.UploadManuscript(r.Context(), caller, bookID, header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, errorCodeForManuscript(status, msg))
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps app sentinel errors to status codes.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	logger := util.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "MANUSCRIPT_INVALID_REQUEST")
	case errors.Is(err, app.ErrForbidden):
		writeErrorCode(w, http.StatusForbidden, "forbidden", "MANUSCRIPT_FORBIDDEN")
	case errors.Is(err, app.ErrBookNotFound):
		writeErrorCode(w, http.StatusNotFound, "Book not found", "MANUSCRIPT_BOOK_NOT_FOUND")
	case errors.Is(err, app.ErrJobNotFound):
		writeErrorCode(w, http.StatusNotFound, "job not found", "MANUSCRIPT_JOB_NOT_FOUND")
	case errors.Is(err, app.ErrNoManuscript):
		writeErrorCode(w, http.StatusBadRequest, "No manuscript uploaded", "MANUSCRIPT_NOT_UPLOADED")
	case errors.Is(err, app.ErrIngestInProgress):
		writeErrorCode(w, http.StatusConflict, "segmentation already in progress", "MANUSCRIPT_SEGMENT_IN_PROGRESS")
	case errors.Is(err, app.ErrUnsupportedFile):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "MANUSCRIPT_UNSUPPORTED_FILE")
	case errors.Is(err, app.ErrFileTooLarge):
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "manuscript too large", "MANUSCRIPT_TOO_LARGE")
	case errors.Is(err, app.ErrInvalidPDF):
		writeErrorCode(w, http.StatusBadRequest, "manuscript is not a readable PDF", "MANUSCRIPT_INVALID_PDF")
	case errors.Is(err, app.ErrQueueUnavailable):
		writeErrorCode(w, http.StatusServiceUnavailable, "segmentation queue not configured", "MANUSCRIPT_QUEUE_UNAVAILABLE")
	case errors.Is(err, app.ErrStorage):
		logger.Error("manuscript_storage_failed", "err", err)
		writeErrorCode(w, http.StatusInternalServerError, "Could not download manuscript", "MANUSCRIPT_STORAGE_ERROR")
	case errors.Is(err, app.ErrExtraction):
		writeErrorCode(w, http.StatusInternalServerError, "AI extraction failed", "MANUSCRIPT_EXTRACTION_FAILED")
	case errors.Is(err, app.ErrParse):
		writeErrorCode(w, http.StatusInternalServerError, "Failed to parse extracted chapters", "MANUSCRIPT_PARSE_FAILED")
	case errors.Is(err, app.ErrEmptyResult):
		writeErrorCode(w, http.StatusInternalServerError, "No chapters extracted", "MANUSCRIPT_EMPTY_RESULT")
	default:
		logger.Error("manuscript_request_failed", "err", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal error", "SYSTEM_INTERNAL_ERROR")
	}
}

func errorCodeForManuscript(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "token verifier not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "invalid json body", "invalid form data", "file is required (field: file)":
		return "MANUSCRIPT_INVALID_REQUEST"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "MANUSCRIPT_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
