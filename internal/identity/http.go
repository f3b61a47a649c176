package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/httpserver"
)

const maxCredentialsBodyBytes = 4 << 10

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Handler serves the identity REST endpoints.
type Handler struct {
	svc *Service
	log *slog.Logger

	// OnAuthFailure is called for rejected logins and tokens.
	OnAuthFailure func()
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("GET /api/me", h.handleMe)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	acct, err := h.svc.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	token, err := h.svc.IssueToken(acct)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("user registered", "user_id", acct.ID, "username", acct.Username)
	httpserver.WriteJSON(w, http.StatusCreated, Session{User: acct, Token: token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	sess, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := BearerToken(r)
	if !ok {
		h.authFailed()
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "No token"})
		return
	}
	id, err := h.svc.WhoAmI(r.Context(), token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, id)
}

func (h *Handler) decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCredentialsBodyBytes))
	if err := dec.Decode(&req); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return credentialsRequest{}, false
	}
	return req, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message})
	case errors.Is(err, ErrUserExists):
		httpserver.WriteJSON(w, http.StatusConflict, map[string]string{"error": "Username already taken"})
	case errors.Is(err, ErrInvalidCredentials):
		h.authFailed()
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid username or password"})
	case errors.Is(err, ErrExpiredToken), errors.Is(err, ErrInvalidToken):
		h.authFailed()
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	default:
		h.log.Error("identity request failed", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Server error"})
	}
}

func (h *Handler) authFailed() {
	if h.OnAuthFailure != nil {
		h.OnAuthFailure()
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
