package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := NewService(Settings{
		Secret:       "test-secret",
		Operator:     "operator",
		PasswordHash: string(hash),
		TokenTTL:     time.Minute,
	}, nil)
	require.NoError(t, err)
	return svc
}

func TestLoginIssuesToken(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Login(LoginRequest{Username: "operator", Password: "s3cret"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(time.Minute), resp.ExpiresAt, 5*time.Second)

	subject, err := svc.ParseToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "operator", subject)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Login(LoginRequest{Username: "operator", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCreds)

	_, err = svc.Login(LoginRequest{Username: "someone", Password: "s3cret"})
	assert.ErrorIs(t, err, ErrInvalidCreds)
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	svc, err := NewService(Settings{Operator: "operator"}, nil)
	require.NoError(t, err)

	_, err = svc.Login(LoginRequest{Username: "operator", Password: "anything"})
	assert.ErrorIs(t, err, ErrLoginDisabled)
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := newTestService(t)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	old, err := svc.IssueToken("operator")
	require.NoError(t, err)
	svc.now = time.Now

	_, err = svc.ParseToken(old.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewService(Settings{Secret: "another-secret"}, nil)
	require.NoError(t, err)
	foreign, err := other.IssueToken("operator")
	require.NoError(t, err)
	_, err = svc.ParseToken(foreign.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.IssueToken("operator")
	require.NoError(t, err)

	e := echo.New()
	handler := svc.Middleware(func(c echo.Context) error {
		op, err := OperatorFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, op)
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + token.Token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler(c)
			if tt.status == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, "operator", rec.Body.String())
				return
			}
			var he *echo.HTTPError
			require.True(t, errors.As(err, &he), "expected HTTPError, got %v", err)
			assert.Equal(t, tt.status, he.Code)
		})
	}
}
