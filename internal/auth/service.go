// Package auth issues and checks the operator tokens that guard the run
// trigger endpoint.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCreds  = errors.New("invalid credentials")
	ErrLoginDisabled = errors.New("operator login is not configured")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

const (
	issuer          = "innovate-uk-scraper"
	defaultTokenTTL = time.Hour
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Settings configures the operator account. PasswordHash is a bcrypt hash;
// an empty hash disables login.
type Settings struct {
	Secret       string
	Operator     string
	PasswordHash string
	TokenTTL     time.Duration
}

type Service struct {
	secret       []byte
	operator     string
	passwordHash []byte
	ttl          time.Duration
	now          func() time.Time
}

// NewService builds the token service. Without a configured secret an
// ephemeral one is generated, so tokens do not survive a restart.
func NewService(cfg Settings, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	secret := []byte(strings.TrimSpace(cfg.Secret))
	if len(secret) == 0 {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate JWT fallback secret: %w", err)
		}
		secret = []byte(base64.RawURLEncoding.EncodeToString(buf))
		logger.Warn("JWT secret is not set; using ephemeral in-memory fallback secret")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if cfg.PasswordHash == "" {
		logger.Warn("operator password hash is not set; token login disabled")
	}
	return &Service{
		secret:       secret,
		operator:     cfg.Operator,
		passwordHash: []byte(cfg.PasswordHash),
		ttl:          ttl,
		now:          time.Now,
	}, nil
}

// Login checks the operator credentials and issues a token.
func (s *Service) Login(req LoginRequest) (*TokenResponse, error) {
	if len(s.passwordHash) == 0 || s.operator == "" {
		return nil, ErrLoginDisabled
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.operator)) == 1
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(req.Password)); err != nil || !userOK {
		return nil, ErrInvalidCreds
	}
	return s.IssueToken(req.Username)
}

// IssueToken signs an HS256 token for subject.
func (s *Service) IssueToken(subject string) (*TokenResponse, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &TokenResponse{Token: signed, ExpiresAt: expires.UTC()}, nil
}

// ParseToken validates tokenString and returns its subject.
func (s *Service) ParseToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// HashPassword returns the bcrypt hash to put in the operator config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing failed: %w", err)
	}
	return string(hash), nil
}
