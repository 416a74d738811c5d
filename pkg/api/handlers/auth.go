package handlers

import (
	"net/http"

	"github.com/cubbyhost/cubby/pkg/api/middleware"
	"github.com/cubbyhost/cubby/pkg/auth"
)

// AuthHandler serves registration, login and identity lookup.
type AuthHandler struct {
	auth *auth.Service
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{auth: svc}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account.
//
//	POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	user, err := h.auth.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusCreated, user)
}

type loginRequest struct {
	// Login accepts the username or the email.
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token *auth.Token `json:"token"`
	User  any         `json:"user"`
}

// Login exchanges credentials for a bearer token.
//
//	POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	token, user, err := h.auth.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// Me returns the authenticated principal.
//
//	GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	WriteData(w, http.StatusOK, middleware.Principal(r.Context()))
}
