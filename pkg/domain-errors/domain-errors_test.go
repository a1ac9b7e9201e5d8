package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// DomainErrorsSuite covers the error primitives every store and handler relies on.
//
// Justification: the admin API maps codes to HTTP statuses and the kv
// adapters signal cache misses with CodeNotFound, so code preservation
// through wrapping must hold.
type DomainErrorsSuite struct {
	suite.Suite
}

func TestDomainErrorsSuite(t *testing.T) {
	suite.Run(t, new(DomainErrorsSuite))
}

func (s *DomainErrorsSuite) TestMessage() {
	s.Run("prefers message", func() {
		s.Equal("block not found", New(CodeNotFound, "block not found").Error())
	})

	s.Run("falls back to code", func() {
		err := &Error{Code: CodeUnavailable}
		s.Equal("unavailable", err.Error())
	})
}

func (s *DomainErrorsSuite) TestWrap() {
	s.Run("keeps existing domain code", func() {
		inner := New(CodeNotFound, "missing")
		err := Wrap(inner, CodeInternal, "lookup failed")
		s.True(HasCode(err, CodeNotFound))
		s.Equal("lookup failed", err.Error())
	})

	s.Run("applies code to plain errors", func() {
		inner := errors.New("dial tcp: refused")
		err := Wrap(inner, CodeUnavailable, "cache unreachable")
		s.True(HasCode(err, CodeUnavailable))
		s.ErrorIs(err, inner)
	})

	s.Run("survives fmt wrapping", func() {
		err := fmt.Errorf("read block: %w", New(CodeNotFound, "missing"))
		s.True(IsNotFound(err))
		s.True(errors.Is(err, &Error{Code: CodeNotFound}))
	})
}

func (s *DomainErrorsSuite) TestHasCode() {
	s.False(HasCode(nil, CodeNotFound))
	s.False(HasCode(errors.New("plain"), CodeNotFound))
	s.False(HasCode(New(CodeConflict, "x"), CodeNotFound))
	s.True(HasCode(New(CodeConflict, "x"), CodeConflict))
}
