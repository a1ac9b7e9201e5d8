package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "bulwark/pkg/domain-errors"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (r *reasonRequest) Normalize() {
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *reasonRequest) Validate() error {
	if r.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

func decodeBody(t *testing.T, body string) (*reasonRequest, *httptest.ResponseRecorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	out, _ := DecodeAndPrepare[reasonRequest](rec, req, logger, context.Background(), "req-1")
	return out, rec
}

func TestDecodeAndPrepare(t *testing.T) {
	t.Run("normalizes and validates", func(t *testing.T) {
		out, _ := decodeBody(t, `{"reason":"  scraping  "}`)
		require.NotNil(t, out)
		assert.Equal(t, "scraping", out.Reason)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		out, rec := decodeBody(t, `{nope`)
		assert.Nil(t, out)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		out, rec := decodeBody(t, `{"reason":"x","extra":1}`)
		assert.Nil(t, out)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("plain validation errors become validation_failed", func(t *testing.T) {
		out, rec := decodeBody(t, `{"reason":"   "}`)
		assert.Nil(t, out)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(dErrors.CodeValidation), body["error"])
		assert.Equal(t, "reason is required", body["error_description"])
	})
}

func TestWriteErrorStatuses(t *testing.T) {
	cases := map[dErrors.Code]int{
		dErrors.CodeNotFound:    http.StatusNotFound,
		dErrors.CodeValidation:  http.StatusBadRequest,
		dErrors.CodeConflict:    http.StatusConflict,
		dErrors.CodeUnavailable: http.StatusServiceUnavailable,
		dErrors.CodeInternal:    http.StatusInternalServerError,
	}
	for code, status := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, dErrors.New(code, "x"))
		assert.Equal(t, status, rec.Code, code)
	}

	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("raw"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "raw")
}
