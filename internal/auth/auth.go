// Package auth issues and verifies session tokens and carries the caller's
// Session through request contexts.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

const CookieName = "auth_token"

// Session identifies the caller of a store or channel operation.
type Session struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s Session) Valid() bool {
	return s.UserID > 0
}

type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an HS256 token for user and returns it with its expiry.
func (m *Manager) Issue(user *models.User) (string, time.Time, error) {
	expiresAt := m.now().Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
		"iat":      m.now().Unix(),
		"exp":      expiresAt.Unix(),
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies tokenString and returns the session it encodes.
func (m *Manager) Parse(tokenString string) (Session, error) {
	const op = "auth.Parse"
	if tokenString == "" {
		return Session{}, apperr.New(apperr.ErrUnauthenticated, op, "missing token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return Session{}, apperr.Wrap(apperr.ErrUnauthenticated, op, fmt.Errorf("invalid token: %v", err))
	}

	exp, ok := claims["exp"].(float64)
	if !ok || int64(exp) < m.now().Unix() {
		return Session{}, apperr.New(apperr.ErrUnauthenticated, op, "token expired")
	}

	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return Session{}, apperr.New(apperr.ErrUnauthenticated, op, "invalid user id in token")
	}

	session := Session{UserID: int64(userID)}
	session.Username, _ = claims["username"].(string)
	session.Role, _ = claims["role"].(string)
	return session, nil
}

// TokenFromRequest looks for a bearer token, then the auth cookie, then the
// token query parameter (browsers cannot set headers on a websocket dial).
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type contextKey string

const sessionContextKey contextKey = "session"

func WithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// FromContext returns the session stored by WithSession, or Unauthenticated.
func FromContext(ctx context.Context) (Session, error) {
	session, ok := ctx.Value(sessionContextKey).(Session)
	if !ok || !session.Valid() {
		return Session{}, apperr.New(apperr.ErrUnauthenticated, "auth.FromContext", "no session")
	}
	return session, nil
}
