// Package legacy talks to the external identity system users are migrated from.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrUnexpectedStatus is returned when the legacy system answers with a status the client does
// not understand.
var ErrUnexpectedStatus = errors.New("legacy: unexpected response status")

// Profile is the user profile imported on migration.
type Profile struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// HTTPClient calls a legacy system exposing a small JSON API under its base URI:
//
//	GET  {uri}/users/exists?email=   -> {"exists": bool}
//	POST {uri}/authenticate          <- {"email","password"} -> 200 {"authenticated": bool} | 401
//	GET  {uri}/users/profile?email=  -> Profile
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient returns a client whose requests time out after timeout. Callers should still
// bound each call with a context deadline.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{http: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}}
}

// UsernameExists reports whether the legacy system knows email.
func (c *HTTPClient) UsernameExists(ctx context.Context, uri, email string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.getJSON(ctx, endpoint(uri, "users/exists", email), &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// Authenticate checks email and password against the legacy system. A 401 or 403 answer is a
// rejection, not an error.
func (c *HTTPClient) Authenticate(ctx context.Context, uri, email, password string) (bool, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(uri, "authenticate", ""), bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	var out struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("legacy: decode authenticate response: %w", err)
	}
	return out.Authenticated, nil
}

// FetchProfile returns the legacy profile of email.
func (c *HTTPClient) FetchProfile(ctx context.Context, uri, email string) (*Profile, error) {
	var p Profile
	if err := c.getJSON(ctx, endpoint(uri, "users/profile", email), &p); err != nil {
		return nil, err
	}
	if p.Email == "" {
		p.Email = email
	}
	return &p, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("legacy: decode response: %w", err)
	}
	return nil
}

func endpoint(base, path, email string) string {
	u := strings.TrimSuffix(base, "/") + "/" + path
	if email != "" {
		u += "?" + url.Values{"email": {email}}.Encode()
	}
	return u
}
