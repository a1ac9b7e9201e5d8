package captcha

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	dErrors "bulwark/pkg/domain-errors"
)

// DefaultVerifyTimeout bounds one call to the verification service.
const DefaultVerifyTimeout = 2 * time.Second

// Verifier checks a challenge token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// NoopVerifier accepts any non-empty token. It is used when no secret is
// configured.
type NoopVerifier struct{}

func (NoopVerifier) Verify(_ context.Context, token, _ string) (bool, error) {
	return strings.TrimSpace(token) != "", nil
}

// HTTPVerifier calls a siteverify-compatible endpoint (hCaptcha, reCAPTCHA,
// Turnstile).
type HTTPVerifier struct {
	verifyURL  string
	secret     string
	httpClient *http.Client
}

var _ Verifier = (*HTTPVerifier)(nil)

type HTTPVerifierOption func(*HTTPVerifier)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(client *http.Client) HTTPVerifierOption {
	return func(v *HTTPVerifier) {
		v.httpClient = client
	}
}

func NewHTTPVerifier(verifyURL, secret string, opts ...HTTPVerifierOption) *HTTPVerifier {
	v := &HTTPVerifier{
		verifyURL: verifyURL,
		secret:    secret,
		httpClient: &http.Client{
			Timeout: DefaultVerifyTimeout,
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "build captcha verification request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "captcha verification request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, dErrors.New(dErrors.CodeUnavailable, "captcha verification returned "+resp.Status)
	}
	var body siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "decode captcha verification response")
	}
	return body.Success, nil
}
