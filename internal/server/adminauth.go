package server

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jaishankar101/pgpubsub/internal/httputil"
	"golang.org/x/crypto/bcrypt"
)

// adminTokenDuration bounds an admin session.
const adminTokenDuration = time.Hour

// adminAuth issues and validates short-lived admin session tokens.
// Stateless: tokens are JWTs signed with a per-boot random secret, so a
// restart invalidates every outstanding session.
type adminAuth struct {
	passwordHash []byte
	secret       []byte
}

func newAdminAuth(password string) (*adminAuth, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing admin password: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating admin secret: %w", err)
	}
	return &adminAuth{passwordHash: hash, secret: secret}, nil
}

func (a *adminAuth) validatePassword(password string) bool {
	return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
}

func (a *adminAuth) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenDuration)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *adminAuth) validateToken(tokenString string) bool {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	return err == nil && token.Valid
}

// handleAdminLogin validates the admin password and returns a session token.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminAuth == nil {
		httputil.WriteError(w, http.StatusNotFound, "admin auth not configured")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}

	if !s.adminAuth.validatePassword(body.Password) {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, err := s.adminAuth.token()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "issuing token")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// requireAdminToken guards mutating ops endpoints. Without a configured
// admin password those endpoints are disabled entirely.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminAuth == nil {
			httputil.WriteError(w, http.StatusForbidden, "admin endpoints disabled (no admin_password configured)")
			return
		}

		token, ok := httputil.ExtractBearerToken(r)
		if !ok || !s.adminAuth.validateToken(token) {
			httputil.WriteError(w, http.StatusUnauthorized, "admin authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
