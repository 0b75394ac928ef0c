package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

type AuthHandler struct {
	userRepo      repository.UserRepo
	jwtSecret     string
	tokenDuration time.Duration
}

// NewAuthHandler creates a new AuthHandler with required dependencies.
func NewAuthHandler(ur repository.UserRepo, jwtSecret string, tokenDuration time.Duration) *AuthHandler {
	return &AuthHandler{userRepo: ur, jwtSecret: jwtSecret, tokenDuration: tokenDuration}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken signs an HS256 token carrying the user id and role.
func IssueToken(secret string, ttl time.Duration, u *models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": u.ID,
		"role":    u.Role,
		"email":   u.Email,
		"exp":     time.Now().Add(ttl).Unix(),
	})

	return token.SignedString([]byte(secret))
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if strings.TrimSpace(req.Name) == "" || req.Email == "" || req.Password == "" {
		writeError(w, market.ValidationError("name, email and password are required"))
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, market.ValidationError("invalid email"))
		return
	}
	// admins are created out of band with marketctl
	switch req.Role {
	case "":
		req.Role = models.RoleClient
	case models.RoleClient, models.RoleWorker:
	default:
		writeError(w, market.ValidationError("role must be client or worker"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, fmt.Errorf("hash password: %w", err))
		return
	}

	ctx := r.Context()

	user := models.User{
		Name:         strings.TrimSpace(req.Name),
		Email:        req.Email,
		Role:         req.Role,
		PasswordHash: string(hash),
	}
	if _, err := h.userRepo.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, market.InvalidStateError("email already registered"))
			return
		}
		writeError(w, fmt.Errorf("create user: %w", err))
		return
	}

	h.respondToken(w, http.StatusCreated, &user)
}

func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, market.ValidationError("email and password are required"))
		return
	}

	user, err := h.userRepo.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil || user == nil {
		writeError(w, market.UnauthorizedError("credentials not found"))
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, market.UnauthorizedError("credentials not found"))
		return
	}

	h.respondToken(w, http.StatusOK, user)
}

func (h *AuthHandler) respondToken(w http.ResponseWriter, status int, u *models.User) {
	tokenStr, err := IssueToken(h.jwtSecret, h.tokenDuration, u)
	if err != nil {
		writeError(w, fmt.Errorf("sign token: %w", err))
		return
	}

	writeJSON(w, status, authResponse{Token: tokenStr, UserID: u.ID, Role: u.Role})
}

func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	// For stateless JWT, signout is client-side (just delete token)
	writeJSON(w, http.StatusOK, map[string]string{"message": "signed out"})
}
