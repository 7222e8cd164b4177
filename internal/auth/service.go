// Package auth gates the app behind a single configured credential and a
// signed session cookie.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/david/opportunity-oasis/internal/config"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookie     = "session"
	DefaultSessionTTL = 7 * 24 * time.Hour
	issuer            = "opportunity-oasis"
)

var (
	ErrInvalidCreds = errors.New("invalid credentials")
	ErrInvalidToken = errors.New("invalid or expired session")
)

// Gate checks the one allowed credential and issues session tokens.
type Gate struct {
	email        string
	passwordHash []byte
	secret       []byte
	cronSecret   string
	ttl          time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewGate builds the gate from config. LOGIN_PASSWORD_HASH wins over
// LOGIN_PASSWORD; a plain password is hashed once here. Missing secrets are
// replaced by ephemeral random values.
func NewGate(cfg config.AuthConfig, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	email := strings.ToLower(strings.TrimSpace(cfg.Email))
	if email == "" {
		return nil, errors.New("LOGIN_EMAIL is required")
	}

	var hash []byte
	switch {
	case strings.TrimSpace(cfg.PasswordHash) != "":
		hash = []byte(strings.TrimSpace(cfg.PasswordHash))
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("LOGIN_PASSWORD_HASH is not a bcrypt hash: %w", err)
		}
	case cfg.Password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing failed: %w", err)
		}
		hash = h
	default:
		return nil, errors.New("LOGIN_PASSWORD or LOGIN_PASSWORD_HASH is required")
	}

	secret := []byte(strings.TrimSpace(cfg.SessionKey))
	if len(secret) == 0 {
		s, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session fallback secret: %w", err)
		}
		secret = []byte(s)
		logger.Warn("SESSION_SECRET is not set; using ephemeral in-memory fallback secret, sessions end on restart")
	}

	cronSecret := strings.TrimSpace(cfg.CronSecret)
	if cronSecret == "" {
		s, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate CRON_SECRET fallback: %w", err)
		}
		cronSecret = s
		logger.Warn("CRON_SECRET is not set; using ephemeral in-memory fallback secret, the reminder endpoint is unreachable")
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &Gate{
		email:        email,
		passwordHash: hash,
		secret:       secret,
		cronSecret:   cronSecret,
		ttl:          ttl,
		now:          time.Now,
		logger:       logger,
	}, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashPassword returns a bcrypt hash suitable for LOGIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing failed: %w", err)
	}
	return string(h), nil
}

// Login checks the credential pair and returns a signed session token with its
// expiry. A malformed email is a validation error; a wrong pair is
// ErrInvalidCreds.
func (g *Gate) Login(email, password string) (string, time.Time, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", time.Time{}, &models.ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if password == "" {
		return "", time.Time{}, &models.ValidationError{Field: "password", Message: "is required"}
	}

	// The hash is compared even for an unknown email so both paths cost the same.
	hashErr := bcrypt.CompareHashAndPassword(g.passwordHash, []byte(password))
	if !strings.EqualFold(email, g.email) || hashErr != nil {
		g.logger.Info("login rejected", zap.String("email", email))
		return "", time.Time{}, ErrInvalidCreds
	}

	return g.issue()
}

func (g *Gate) issue() (string, time.Time, error) {
	now := g.now()
	exp := now.Add(g.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   g.email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Validate accepts tokens signed by this gate for the configured email that
// have not expired.
func (g *Gate) Validate(tokenString string) error {
	if tokenString == "" {
		return ErrInvalidToken
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	if !strings.EqualFold(claims.Subject, g.email) {
		return ErrInvalidToken
	}
	return nil
}

// TTL is the lifetime of an issued session.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}
