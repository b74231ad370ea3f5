package handlers

import (
	"mime"
	"net/http"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/identity"
	"github.com/kozaktomas/faceid/internal/web/middleware"
)

// AuthHandler handles registration and the two login flows.
type AuthHandler struct {
	auth *identity.Authenticator
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth *identity.Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type registerRequest struct {
	Username string      `json:"username"`
	Password string      `json:"password"`
	Vectors  [][]float32 `json:"vectors"`
}

// RegisterResponse is returned after a successful sign-up.
type RegisterResponse struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

type faceLoginRequest struct {
	Vector []float32 `json:"vector"`
}

// Register creates an account and returns its first token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondRequestError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	reg, err := h.auth.Register(r.Context(), req.Username, req.Password, req.Vectors)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, RegisterResponse{
		ID:        reg.ID,
		Token:     reg.Token,
		TokenType: middleware.TokenType,
	})
}

// Login handles username and password login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondRequestError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	token, err := h.auth.CredentialLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, TokenResponse{Token: token, TokenType: middleware.TokenType})
}

// Face resolves a face to an account. The face arrives either as a JSON
// {"vector": [...]} body or as a multipart image upload.
func (h *AuthHandler) Face(w http.ResponseWriter, r *http.Request) {
	var (
		acc *database.Account
		err error
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		image, readErr := readImage(w, r)
		if readErr != nil {
			respondRequestError(w, http.StatusBadRequest, errInvalidRequest)
			return
		}
		acc, err = h.auth.FaceLoginImage(r.Context(), image)
	} else {
		var req faceLoginRequest
		if decodeErr := decodeJSON(w, r, &req); decodeErr != nil {
			respondRequestError(w, http.StatusBadRequest, errInvalidRequest)
			return
		}
		acc, err = h.auth.FaceLogin(r.Context(), req.Vector)
	}

	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountDetail(acc, false))
}
