// Package recaptcha verifies reCAPTCHA tokens submitted with a registration.
package recaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Verifier checks tokens against the siteverify endpoint.
type Verifier struct {
	secret    string
	verifyURL string
	http      *http.Client
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// NewVerifier returns a verifier, or nil when secret is empty (captcha not configured).
func NewVerifier(secret, verifyURL string, timeout time.Duration) *Verifier {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &Verifier{
		secret:    secret,
		verifyURL: verifyURL,
		http:      &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Verify reports whether token is a valid response. An empty token is rejected without a
// network call. Transport failures are returned as errors; callers treat them as a failed check.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if token == "" {
		return false, nil
	}
	form := url.Values{"secret": {v.secret}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := v.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("recaptcha: verify returned %s", resp.Status)
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("recaptcha: decode response: %w", err)
	}
	return out.Success, nil
}
