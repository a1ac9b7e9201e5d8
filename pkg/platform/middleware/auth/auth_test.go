package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bulwark/pkg/requestcontext"
)

// IdentitySuite covers bearer token resolution.
//
// Justification: per-user budgets and role multipliers depend on this
// middleware, and a bad token must never turn into a hard failure.
type IdentitySuite struct {
	suite.Suite
	validator *HS256Validator
	handler   http.Handler
	identity  requestcontext.Identity
	found     bool
}

func TestIdentitySuite(t *testing.T) {
	suite.Run(t, new(IdentitySuite))
}

func (s *IdentitySuite) SetupTest() {
	s.validator = NewHS256Validator("test-signing-key", "marketplace")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.handler = Identity(s.validator, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.identity, s.found = requestcontext.GetIdentity(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
}

func (s *IdentitySuite) serve(authHeader string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/leads", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec.Code
}

func (s *IdentitySuite) TestValidToken() {
	token, err := s.validator.Sign("user-42", "manager", time.Hour)
	s.Require().NoError(err)

	s.Equal(http.StatusNoContent, s.serve("Bearer "+token))
	s.True(s.found)
	s.Equal("user-42", s.identity.UserID)
	s.Equal("MANAGER", s.identity.Role)
}

func (s *IdentitySuite) TestAnonymousCallers() {
	s.Run("no header", func() {
		s.Equal(http.StatusNoContent, s.serve(""))
		s.False(s.found)
	})

	s.Run("garbage token", func() {
		s.Equal(http.StatusNoContent, s.serve("Bearer not-a-jwt"))
		s.False(s.found)
	})

	s.Run("expired token", func() {
		token, err := s.validator.Sign("user-1", "ADMIN", -time.Minute)
		s.Require().NoError(err)
		s.Equal(http.StatusNoContent, s.serve("Bearer "+token))
		s.False(s.found)
	})

	s.Run("token signed with another key", func() {
		other := NewHS256Validator("other-key", "marketplace")
		token, err := other.Sign("user-1", "ADMIN", time.Hour)
		s.Require().NoError(err)
		s.Equal(http.StatusNoContent, s.serve("Bearer "+token))
		s.False(s.found)
	})
}

func (s *IdentitySuite) TestIssuerMismatch() {
	other := NewHS256Validator("test-signing-key", "someone-else")
	token, err := other.Sign("user-1", "ADMIN", time.Hour)
	s.Require().NoError(err)

	_, err = s.validator.ValidateToken(token)
	s.Error(err)
}
