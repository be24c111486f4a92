package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pagecraft/internal/usertoken"
	"pagecraft/internal/util"
	"pagecraft/pkg/domain"
	"pagecraft/services/payment/internal/app"
)

const maxCallbackBytes = 64 << 10

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	AppBaseURL     string
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the payment service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	appBaseURL     string
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("payment app required")
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		appBaseURL:     strings.TrimRight(strings.TrimSpace(cfg.AppBaseURL), "/"),
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("payment", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/payment/callback", s.handleCallback)
	s.mux.Handle("/payment/initiate", s.withUser(s.handleInitiate))
	s.mux.Handle("/payment/purchases", s.withUser(s.handleListPurchases))
	s.mux.Handle("/payment/purchases/", s.withUser(s.handlePurchaseByBook))
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

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.InitiateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload, err := s.app.Initiate(r.Context(), caller, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleCallback always answers with an HTML redirect back to the book page.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBytes)
	form := map[string]string{}
	if err := r.ParseForm(); err != nil {
		util.LoggerFromContext(r.Context()).Warn("payment_callback_bad_form", "err", err)
	} else {
		for k, v := range r.PostForm {
			if len(v) > 0 {
				form[k] = v[0]
			}
		}
	}
	result, err := s.app.Callback(r.Context(), form, util.ClientIP(r, s.trustedProxies))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("payment_callback_failed", "err", err)
	}
	outcome := "failed"
	if result.Status == domain.PurchaseCompleted {
		outcome = "success"
	}
	writeRedirectPage(w, s.bookURL(result.BookID, outcome))
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	purchases, err := s.app.ListPurchases(r.Context(), caller)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": purchases,
		"count": len(purchases),
	})
}

// /payment/purchases/{bookId}
func (s *Server) handlePurchaseByBook(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	bookID := strings.TrimPrefix(r.URL.Path, "/payment/purchases/")
	if bookID == "" || strings.Contains(bookID, "/") {
		notFound(w, "not found")
		return
	}
	purchased, err := s.app.HasPurchased(r.Context(), caller, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bookId":    bookID,
		"purchased": purchased,
	})
}

func (s *Server) bookURL(bookID, outcome string) string {
	if bookID == "" {
		return fmt.Sprintf("%s/?payment=%s", s.appBaseURL, outcome)
	}
	return fmt.Sprintf("%s/book/%s?payment=%s", s.appBaseURL, url.PathEscape(bookID), outcome)
}

func writeRedirectPage(w http.ResponseWriter, target string) {
	escaped := html.EscapeString(target)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", util.RedirectPageCSP)
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="0;url=%s">
<title>Redirecting</title>
</head>
<body>
<p>Redirecting to <a href="%s">your book</a>.</p>
</body>
</html>
`, escaped, escaped)
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
	writeErrorCode(w, status, msg, errorCodeForPayment(status, msg))
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
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "PAYMENT_INVALID_REQUEST")
	case errors.Is(err, app.ErrInvalidCoupon):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "PAYMENT_INVALID_COUPON")
	case errors.Is(err, app.ErrBookNotFound):
		writeErrorCode(w, http.StatusNotFound, "book not found", "PAYMENT_BOOK_NOT_FOUND")
	case errors.Is(err, app.ErrAlreadyPurchased):
		writeErrorCode(w, http.StatusConflict, "book already purchased", "PAYMENT_ALREADY_PURCHASED")
	case errors.Is(err, app.ErrRateLimited):
		writeErrorCode(w, http.StatusTooManyRequests, "too many payment attempts", "PAYMENT_RATE_LIMITED")
	case errors.Is(err, app.ErrNotConfigured):
		util.LoggerFromContext(r.Context()).Error("payment_not_configured")
		writeErrorCode(w, http.StatusInternalServerError, "payment gateway not configured", "PAYMENT_NOT_CONFIGURED")
	default:
		util.LoggerFromContext(r.Context()).Error("payment_request_failed", "err", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal error", "SYSTEM_INTERNAL_ERROR")
	}
}

func errorCodeForPayment(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "token verifier not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "invalid json body":
		return "PAYMENT_INVALID_REQUEST"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "PAYMENT_INVALID_REQUEST"
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
